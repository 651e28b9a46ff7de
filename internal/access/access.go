// Package access evaluates entitlement records into access decisions.
//
// Evaluation is a pure function of a record and a clock reading. Nothing
// here touches storage or billing; callers fetch the record and pass the
// current time, which keeps boundary behavior testable to the millisecond.
package access

import (
	"time"

	"github.com/subsync-io/subsync/internal/domain"
)

// Decision reasons, in precedence order.
const (
	ReasonActive   = "active"
	ReasonTrialing = "trialing"
	ReasonGrace    = "grace"
	ReasonNone     = "none"
)

// Evaluate computes the access decision for a record at time now.
//
// A user is subscribed when the subscription status is active or trialing,
// or when a grace deadline is set and now is strictly before it. Grace is
// independent of status: a canceled subscription inside its grace window
// still grants the record's plan. At the deadline itself access is gone.
func Evaluate(rec *domain.EntitlementRecord, now time.Time) domain.AccessDecision {
	if rec == nil {
		return domain.AccessDecision{
			Subscribed:    false,
			EffectivePlan: domain.PlanFree,
			Reason:        ReasonNone,
		}
	}

	subscribed := false
	reason := ReasonNone

	switch rec.SubscriptionStatus {
	case domain.StatusActive:
		subscribed = true
		reason = ReasonActive
	case domain.StatusTrialing:
		subscribed = true
		reason = ReasonTrialing
	}

	if !subscribed && rec.GraceUntil != nil && now.Before(*rec.GraceUntil) {
		subscribed = true
		reason = ReasonGrace
	}

	plan := rec.Plan
	if !subscribed {
		plan = domain.PlanFree
	}

	return domain.AccessDecision{
		Subscribed:    subscribed,
		EffectivePlan: plan,
		Reason:        reason,
	}
}

// AllowsPlan reports whether a decision grants at least the required plan.
// Plans are totally ordered: free < basic < pro.
func AllowsPlan(dec domain.AccessDecision, required domain.Plan) bool {
	return planRank(dec.EffectivePlan) >= planRank(required)
}

func planRank(p domain.Plan) int {
	switch p {
	case domain.PlanPro:
		return 2
	case domain.PlanBasic:
		return 1
	default:
		return 0
	}
}
