// Package webhook receives billing provider event deliveries.
//
// The provider retries any non-2xx response, so status codes are chosen by
// what redelivery can fix: transient failures return 503 to request a
// retry, while events that can never succeed (unknown user, bad payload)
// are acknowledged or rejected permanently.
package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/subsync-io/subsync/internal/billing"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/handler"
	"github.com/subsync-io/subsync/internal/middleware"
	"github.com/subsync-io/subsync/internal/reconciler"
	"github.com/subsync-io/subsync/internal/telemetry"
)

// StripeHandler handles Stripe webhook deliveries.
type StripeHandler struct {
	provider   billing.Provider
	reconciler *reconciler.Reconciler
	logger     *slog.Logger
}

// NewStripeHandler creates a new Stripe webhook handler.
func NewStripeHandler(provider billing.Provider, rec *reconciler.Reconciler, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		provider:   provider,
		reconciler: rec,
		logger:     logger,
	}
}

// HandleWebhook processes one incoming delivery.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/stripe
//	stripe trigger customer.subscription.updated
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := middleware.GetLogger(r.Context(), h.logger)

	if r.Method != http.MethodPost {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.receive", "method not allowed"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.receive", "error reading request body"))
		return
	}

	event, err := h.provider.ParseWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			log.Warn("webhook signature verification failed",
				slog.Int("payload_bytes", len(payload)),
			)
			h.rejected("bad_signature")
			handler.ErrorResponse(w, r, domain.Invalid("webhook.verify", "invalid signature"))
		case errors.Is(err, billing.ErrUnparseablePayload):
			log.Warn("webhook payload unparseable")
			h.rejected("unparseable")
			handler.ErrorResponse(w, r, domain.Invalid("webhook.parse", "unparseable payload"))
		default:
			handler.InternalErrorResponse(w, r, err)
		}
		return
	}

	log = log.With(
		slog.String("event_id", event.ID),
		slog.String("event_type", event.ProviderType),
	)
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(event.ProviderType).Inc()
		defer func() {
			telemetry.Business.WebhookLatency.
				WithLabelValues(event.ProviderType).
				Observe(time.Since(start).Seconds())
		}()
	}

	if err := h.reconciler.ProcessEvent(r.Context(), event); err != nil {
		switch {
		case errors.Is(err, domain.ErrUnresolvedUser):
			// Redelivery cannot resolve an unknown user; acknowledge so
			// the provider stops retrying. The event stays visible in
			// logs and metrics for operators.
			log.Warn("acknowledged webhook event for unresolvable user")
		case errors.Is(err, domain.ErrAmbiguousUser), errors.Is(err, domain.ErrCustomerIDConflict):
			// Integrity violations need an operator, not a retry. The
			// delivery keeps failing (and Stripe keeps redelivering on
			// its schedule) so the breakage stays loud; once the records
			// are repaired the next redelivery converges, and the resync
			// sweep covers anything Stripe has given up on.
			handler.ErrorResponse(w, r, err)
			return
		default:
			handler.ErrorResponse(w, r, err)
			return
		}
	}

	handler.JSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeHandler) rejected(reason string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookRejected.WithLabelValues(reason).Inc()
	}
}
