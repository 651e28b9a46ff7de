package domain

import (
	"context"
	"time"
)

// Plan is the internal subscription tier a user is entitled to.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
// StatusNone is the local default for accounts with no billing history.
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = "none"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusUnpaid     SubscriptionStatus = "unpaid"
)

// EntitlementRecord is the canonical per-user subscription state.
// It is owned by the EntitlementStore and mutated only by the reconciler
// (billing-derived fields) and the administrative grace path (GraceUntil).
type EntitlementRecord struct {
	// UserID is the stable internal identifier (primary key).
	UserID string `json:"userId"`

	// ExternalCustomerID is the billing provider's customer id (cus_...).
	// Set once on first checkout, immutable afterwards. Empty means unset.
	ExternalCustomerID string `json:"externalCustomerId,omitempty"`

	// ExternalSubscriptionID identifies the active provider subscription
	// object (sub_...). Empty means no subscription on file.
	ExternalSubscriptionID string `json:"externalSubscriptionId,omitempty"`

	// Plan is derived from the subscription's price id via the plan catalog.
	// Never set directly by a client.
	Plan Plan `json:"plan"`

	// SubscriptionStatus is copied verbatim from the provider's canonical
	// subscription state.
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`

	// CancelAtPeriodEnd is true once a cancellation is scheduled but the
	// paid period has not yet elapsed.
	CancelAtPeriodEnd bool `json:"cancelAtPeriodEnd"`

	// CurrentPeriodEnd is the end of the currently paid interval.
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`

	// GraceUntil extends access independent of billing status. Billing
	// events never set or clear it.
	GraceUntil *time.Time `json:"graceUntil,omitempty"`

	// UpdatedAt is the time of the last reconciliation write.
	UpdatedAt time.Time `json:"updatedAt"`
}

// BillingSnapshot is the full billing-derived field set computed from one
// canonical provider fetch. The store applies it last-writer-wins as a unit;
// partial merges would risk mixing fields from different points in time.
type BillingSnapshot struct {
	UserID                 string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	Plan                   Plan
	SubscriptionStatus     SubscriptionStatus
	CancelAtPeriodEnd      bool
	CurrentPeriodEnd       *time.Time
}

// AccessDecision is the ephemeral result of evaluating a record at a point
// in time. It is computed on demand and never persisted.
type AccessDecision struct {
	Subscribed    bool   `json:"subscribed"`
	EffectivePlan Plan   `json:"effectivePlan"`
	Reason        string `json:"reason"`
}

// EntitlementStore is the single source of truth for access decisions.
//
// Implementations must serialize ApplyBilling per user key so that two
// concurrent reconciliations for the same user cannot interleave their
// read-compute-write steps (the reconciler additionally holds a per-user
// lock around the full fetch-resolve-write sequence).
type EntitlementStore interface {
	// Get returns the record for a user, or ErrEntitlementNotFound.
	Get(ctx context.Context, userID string) (*EntitlementRecord, error)

	// Create inserts a default record (free plan, no billing history) for a
	// new account. Creating an existing user is a no-op returning the
	// stored record.
	Create(ctx context.Context, userID string) (*EntitlementRecord, error)

	// FindBySubscriptionID returns the record carrying a subscription id,
	// or ErrEntitlementNotFound. Used when the provider no longer knows a
	// subscription and the event carries no other way to reach the user.
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*EntitlementRecord, error)

	// FindByCustomerID reverse-looks-up records by external customer id.
	// All matches are returned; more than one is an upstream integrity
	// violation the caller must surface, not repair.
	FindByCustomerID(ctx context.Context, customerID string) ([]*EntitlementRecord, error)

	// SetCustomerID assigns the external customer id if the record has
	// none yet. Assigning a different id to a record that already has one
	// returns ErrCustomerIDConflict.
	SetCustomerID(ctx context.Context, userID, customerID string) error

	// ApplyBilling upserts the billing-derived field set as a unit,
	// stamping UpdatedAt. GraceUntil is left untouched. Returns the
	// record as stored.
	ApplyBilling(ctx context.Context, snap BillingSnapshot) (*EntitlementRecord, error)

	// SetGrace sets or clears (nil) the grace deadline. Administrative
	// path only; billing reconciliation never calls it.
	SetGrace(ctx context.Context, userID string, until *time.Time) (*EntitlementRecord, error)

	// ListStale returns up to limit records that carry a subscription id
	// and have not been reconciled since the cutoff. Used by the periodic
	// resync sweep.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*EntitlementRecord, error)

	// MarkEventProcessed journals a provider event id. It returns false
	// when the event was already journaled, letting the reconciler
	// short-circuit duplicate deliveries before the canonical fetch.
	MarkEventProcessed(ctx context.Context, provider, eventID, eventType string) (bool, error)

	// UnmarkEventProcessed removes a journaled event id so the provider's
	// redelivery of that event gets a fresh attempt. Called when a sync
	// fails after journaling; removing an id that was never journaled is
	// a no-op.
	UnmarkEventProcessed(ctx context.Context, provider, eventID string) error
}

// Common entitlement errors.
var (
	// ErrEntitlementNotFound indicates no record exists for the user.
	ErrEntitlementNotFound = &Error{
		Code:    ENOTFOUND,
		Message: "entitlement not found",
	}

	// ErrCustomerIDConflict indicates an attempt to overwrite an already
	// assigned external customer id.
	ErrCustomerIDConflict = &Error{
		Code:    ECONFLICT,
		Message: "external customer id already assigned",
	}

	// ErrUnresolvedUser indicates an event whose customer id matches no
	// record. Expected for races between account and billing provisioning;
	// logged and acknowledged, not retried indefinitely.
	ErrUnresolvedUser = &Error{
		Code:    ENOTFOUND,
		Message: "no user for external customer id",
	}

	// ErrAmbiguousUser indicates two records share one external customer
	// id. A data integrity violation: reconciliation halts and the store
	// is left unmodified.
	ErrAmbiguousUser = &Error{
		Code:    EINTERNAL,
		Message: "multiple users share one external customer id",
	}
)
