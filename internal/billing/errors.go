package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the provider API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrInvalidSignature is returned when webhook signature verification fails.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")

	// ErrUnparseablePayload is returned when a verified webhook payload cannot be decoded.
	ErrUnparseablePayload = errors.New("billing: unparseable webhook payload")

	// ErrSubscriptionNotFound is returned when the provider does not know the subscription id.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrCustomerNotFound is returned when the provider does not know the customer id.
	ErrCustomerNotFound = errors.New("billing: customer not found")

	// ErrIdempotencyConflict is returned when an idempotency key matches a different request.
	ErrIdempotencyConflict = errors.New("billing: idempotency key conflict")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "resource_missing")
	HTTPStatus    int    // HTTP status code from Stripe
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsTemporary returns true if error is likely transient and retryable.
// Webhook processing surfaces these as retryable statuses so the provider
// redelivers instead of dropping the event.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error" || e.HTTPStatus >= 500
}

// IsTemporary reports whether err represents a transient provider failure.
func IsTemporary(err error) bool {
	var se *StripeError
	return errors.As(err, &se) && se.IsTemporary()
}
