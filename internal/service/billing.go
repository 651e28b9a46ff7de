package service

import (
	"context"
	"time"

	"github.com/subsync-io/subsync/internal/domain"
)

// BillingService provides the user-initiated billing operations: starting a
// paid subscription, moving between paid plans, canceling, and opening the
// provider's self-serve portal.
//
// These operations never write entitlement state from their own provider
// responses. They trigger a reconciliation afterwards so the stored record
// always comes from a canonical refetch, the same path webhooks take.
type BillingService interface {
	// GetEntitlement returns a user's entitlement record together with the
	// access decision evaluated at now. Users without a record get the
	// free-plan default without one being created.
	GetEntitlement(ctx context.Context, userID string, now time.Time) (*EntitlementDetail, error)

	// StartCheckout creates a hosted checkout session for a paid plan.
	//
	// Returns EINVALID for the free plan or an unknown plan, ECONFLICT when
	// the user already has that plan active, and EPAYMENT when the provider
	// rejects the session.
	StartCheckout(ctx context.Context, params StartCheckoutParams) (*CheckoutRedirect, error)

	// ChangePlan moves an active subscription to another paid plan in
	// place, with proration. Moving to the free plan is a cancellation,
	// not a plan change.
	//
	// Returns EINVALID when the user has no active subscription or the
	// target plan is not a paid plan.
	ChangePlan(ctx context.Context, params ChangePlanParams) (*domain.EntitlementRecord, error)

	// CancelSubscription cancels the user's subscription, at period end by
	// default or immediately when requested.
	CancelSubscription(ctx context.Context, params CancelParams) (*domain.EntitlementRecord, error)

	// CreatePortalSession returns a hosted portal URL for managing payment
	// methods and invoices. Requires a recorded provider customer.
	CreatePortalSession(ctx context.Context, userID string) (string, error)
}

// EntitlementDetail pairs a record with its evaluated access decision.
type EntitlementDetail struct {
	Record *domain.EntitlementRecord `json:"record"`
	Access domain.AccessDecision     `json:"access"`
}

// StartCheckoutParams contains parameters for starting a checkout.
type StartCheckoutParams struct {
	// UserID is the internal user starting the checkout.
	UserID string

	// Email prefills the checkout form when the user has no provider
	// customer yet.
	Email string

	// Plan is the paid plan being purchased.
	Plan domain.Plan

	// IdempotencyKey dedupes retried requests. Empty generates one.
	IdempotencyKey string
}

// CheckoutRedirect is the hosted checkout the caller redirects to.
type CheckoutRedirect struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// ChangePlanParams contains parameters for an in-place plan change.
type ChangePlanParams struct {
	UserID string
	Plan   domain.Plan
}

// CancelParams contains parameters for a cancellation.
type CancelParams struct {
	UserID string

	// Immediate ends the subscription now instead of at period end.
	Immediate bool
}
