package billing

import "time"

// EventKind classifies a provider webhook event after normalization.
// Provider-specific event names never leave this package.
type EventKind string

const (
	// EventCheckoutCompleted fires when a hosted checkout finishes and a
	// subscription now exists. May carry a user id hint from checkout
	// metadata.
	EventCheckoutCompleted EventKind = "checkout_completed"

	// EventInvoiceSettled fires when a subscription invoice is paid.
	EventInvoiceSettled EventKind = "invoice_settled"

	// EventSubscriptionChanged fires for any other lifecycle change:
	// plan change, renewal, payment failure, cancellation.
	EventSubscriptionChanged EventKind = "subscription_changed"

	// EventIgnored marks a verified event the engine does not act on.
	// Acknowledged so the provider stops redelivering it.
	EventIgnored EventKind = "ignored"
)

// Event is a verified, normalized webhook event. Only identifiers survive
// normalization; any state snapshot in the raw payload is dropped because
// events can arrive out of order and the canonical state is refetched.
type Event struct {
	// ID is the provider's unique event id, used for duplicate detection.
	ID string

	// Kind is the normalized classification.
	Kind EventKind

	// ProviderType is the raw provider event name, kept for logging.
	ProviderType string

	// SubscriptionID is the subscription the event refers to. Empty only
	// for ignored events.
	SubscriptionID string

	// CustomerID is the provider customer id when the payload carried one.
	CustomerID string

	// UserIDHint is the internal user id from checkout metadata, when
	// present. Resolution prefers it over customer id reverse lookup.
	UserIDHint string

	// CreatedAt is the provider-side event timestamp.
	CreatedAt time.Time
}
