package billing

import (
	"context"
	"time"
)

// Provider defines the interface for the external subscription billing
// provider. Implementations can use Stripe, Paddle, etc.
//
// Webhook payloads are treated as signals only: the reconciler always calls
// GetSubscription for the canonical state rather than trusting the snapshot
// embedded in an event.
type Provider interface {
	// Name returns the provider name used in webhook journaling and logs.
	Name() string

	// GetSubscription retrieves the canonical state of a subscription.
	// Returns ErrSubscriptionNotFound when the provider no longer knows
	// the id; callers treat that as a canceled subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CreateCheckoutSession starts a hosted checkout for a subscription.
	// The user id is attached as metadata so webhook events can be linked
	// back even before a customer id is recorded locally.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// ChangeSubscriptionPrice moves an existing subscription to a new
	// price (plan upgrade or downgrade) with proration.
	ChangeSubscriptionPrice(ctx context.Context, params ChangePriceParams) (*Subscription, error)

	// CancelSubscription cancels a subscription, either at period end
	// (default self-serve path) or immediately.
	CancelSubscription(ctx context.Context, params CancelSubscriptionParams) (*Subscription, error)

	// CreatePortalSession creates a hosted billing portal session where
	// the customer manages payment methods and invoices.
	CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error)

	// ParseWebhookEvent verifies a webhook payload's signature and
	// normalizes it into an Event. Returns ErrInvalidSignature or
	// ErrUnparseablePayload on bad input.
	ParseWebhookEvent(payload []byte, signature string) (*Event, error)
}

// Subscription is the provider's canonical subscription state, reduced to
// the fields reconciliation needs.
type Subscription struct {
	// ID is the provider subscription id (sub_...).
	ID string

	// CustomerID is the owning provider customer id (cus_...).
	CustomerID string

	// Status is the provider lifecycle status: "active", "trialing",
	// "past_due", "canceled", "unpaid", "incomplete".
	Status string

	// PriceID identifies the price of the first subscription item. The
	// catalog maps it to an internal plan.
	PriceID string

	// ItemID is the subscription item id, needed for price changes.
	ItemID string

	// CancelAtPeriodEnd is true once a cancellation is scheduled.
	CancelAtPeriodEnd bool

	// CurrentPeriodEnd is the end of the paid interval, nil when the
	// provider reports none.
	CurrentPeriodEnd *time.Time

	// Metadata carries provider-side key/value pairs, including the
	// user_id stamped at checkout.
	Metadata map[string]string

	// CreatedAt is when the subscription was created at the provider.
	CreatedAt time.Time
}

// UserIDHint returns the internal user id stamped into subscription
// metadata at checkout, or empty when absent.
func (s *Subscription) UserIDHint() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata["user_id"]
}

// CheckoutSessionParams contains parameters for starting a checkout.
type CheckoutSessionParams struct {
	// UserID is the internal user id, stamped into session and
	// subscription metadata.
	UserID string

	// CustomerID attaches an existing provider customer. Empty lets the
	// provider create one during checkout.
	CustomerID string

	// CustomerEmail prefills the checkout form when no customer exists.
	CustomerEmail string

	// PriceID is the provider price for the selected plan.
	PriceID string

	// SuccessURL and CancelURL are the redirect targets.
	SuccessURL string
	CancelURL  string

	// IdempotencyKey prevents duplicate sessions on retried requests.
	IdempotencyKey string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	ID        string
	URL       string
	CreatedAt time.Time
}

// ChangePriceParams contains parameters for a plan change.
type ChangePriceParams struct {
	SubscriptionID string
	PriceID        string
}

// CancelSubscriptionParams contains parameters for canceling a subscription.
type CancelSubscriptionParams struct {
	SubscriptionID    string
	CancelAtPeriodEnd bool
}

// PortalSessionParams contains parameters for creating a portal session.
type PortalSessionParams struct {
	CustomerID string
	ReturnURL  string
}

// PortalSession represents a hosted billing portal session.
type PortalSession struct {
	ID        string
	URL       string
	CreatedAt time.Time
}
