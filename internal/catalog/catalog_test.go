package catalog

import (
	"testing"

	"github.com/subsync-io/subsync/internal/domain"
)

func TestPlanForPrice(t *testing.T) {
	c := New("price_basic_123", "price_pro_456")

	tests := []struct {
		name    string
		priceID string
		plan    domain.Plan
		known   bool
	}{
		{"basic price", "price_basic_123", domain.PlanBasic, true},
		{"pro price", "price_pro_456", domain.PlanPro, true},
		{"unknown price degrades to free", "price_retired_789", domain.PlanFree, false},
		{"empty price", "", domain.PlanFree, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, known := c.PlanForPrice(tt.priceID)
			if plan != tt.plan || known != tt.known {
				t.Errorf("PlanForPrice(%q) = (%v, %v), want (%v, %v)", tt.priceID, plan, known, tt.plan, tt.known)
			}
		})
	}
}

func TestPlanForPrice_PartialCatalog(t *testing.T) {
	// Dev setup with only the basic price configured.
	c := New("price_basic_123", "")

	if plan, known := c.PlanForPrice("price_basic_123"); plan != domain.PlanBasic || !known {
		t.Errorf("PlanForPrice(basic) = (%v, %v), want (basic, true)", plan, known)
	}

	// Empty pro price must not register a mapping for the empty string.
	if plan, known := c.PlanForPrice(""); plan != domain.PlanFree || known {
		t.Errorf("PlanForPrice(\"\") = (%v, %v), want (free, false)", plan, known)
	}
}

func TestPriceForPlan(t *testing.T) {
	c := New("price_basic_123", "price_pro_456")

	if priceID, ok := c.PriceForPlan(domain.PlanPro); !ok || priceID != "price_pro_456" {
		t.Errorf("PriceForPlan(pro) = (%q, %v), want (price_pro_456, true)", priceID, ok)
	}

	if _, ok := c.PriceForPlan(domain.PlanFree); ok {
		t.Error("PriceForPlan(free) should not resolve to a price")
	}
}

func TestValidPlan(t *testing.T) {
	for _, s := range []string{"free", "basic", "pro"} {
		if !ValidPlan(s) {
			t.Errorf("ValidPlan(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "enterprise", "Free"} {
		if ValidPlan(s) {
			t.Errorf("ValidPlan(%q) = true, want false", s)
		}
	}
}

func TestPaidPlan(t *testing.T) {
	if PaidPlan("free") {
		t.Error("PaidPlan(free) = true, want false")
	}
	if !PaidPlan("basic") || !PaidPlan("pro") {
		t.Error("basic and pro should be paid plans")
	}
}
