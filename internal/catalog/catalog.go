// Package catalog maps billing provider price ids to internal plans.
//
// The mapping is the only place price ids are interpreted. An unknown or
// retired price id degrades to the free plan rather than failing the sync:
// the subscription state still converges and access is decided from what
// the catalog can prove.
package catalog

import (
	"github.com/subsync-io/subsync/internal/domain"
)

// Catalog resolves between provider price ids and internal plans.
type Catalog struct {
	priceToPlan map[string]domain.Plan
	planToPrice map[domain.Plan]string
}

// New builds a catalog from the configured price ids. Empty price ids are
// skipped so a dev environment can run with a partial mapping.
func New(basicPriceID, proPriceID string) *Catalog {
	c := &Catalog{
		priceToPlan: make(map[string]domain.Plan),
		planToPrice: make(map[domain.Plan]string),
	}
	if basicPriceID != "" {
		c.priceToPlan[basicPriceID] = domain.PlanBasic
		c.planToPrice[domain.PlanBasic] = basicPriceID
	}
	if proPriceID != "" {
		c.priceToPlan[proPriceID] = domain.PlanPro
		c.planToPrice[domain.PlanPro] = proPriceID
	}
	return c
}

// PlanForPrice returns the plan a price id maps to. Unknown price ids
// resolve to the free plan and ok=false so callers can log the miss.
func (c *Catalog) PlanForPrice(priceID string) (domain.Plan, bool) {
	if plan, ok := c.priceToPlan[priceID]; ok {
		return plan, true
	}
	return domain.PlanFree, false
}

// PriceForPlan returns the price id backing a paid plan. The free plan has
// no price; ok is false for free or unmapped plans.
func (c *Catalog) PriceForPlan(plan domain.Plan) (string, bool) {
	priceID, ok := c.planToPrice[plan]
	return priceID, ok
}

// ValidPlan reports whether s names a known plan.
func ValidPlan(s string) bool {
	switch domain.Plan(s) {
	case domain.PlanFree, domain.PlanBasic, domain.PlanPro:
		return true
	}
	return false
}

// PaidPlan reports whether s names a purchasable plan.
func PaidPlan(s string) bool {
	switch domain.Plan(s) {
	case domain.PlanBasic, domain.PlanPro:
		return true
	}
	return false
}
