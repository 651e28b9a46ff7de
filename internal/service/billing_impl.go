package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/subsync-io/subsync/internal/access"
	"github.com/subsync-io/subsync/internal/billing"
	"github.com/subsync-io/subsync/internal/catalog"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/reconciler"
	"github.com/subsync-io/subsync/internal/telemetry"
)

// BillingURLs carries the redirect targets handed to the provider's hosted
// pages.
type BillingURLs struct {
	CheckoutSuccess string
	CheckoutCancel  string
	PortalReturn    string
}

type billingService struct {
	store      domain.EntitlementStore
	provider   billing.Provider
	catalog    *catalog.Catalog
	reconciler *reconciler.Reconciler
	urls       BillingURLs
	logger     *slog.Logger
}

// NewBillingService creates the billing service.
func NewBillingService(
	store domain.EntitlementStore,
	provider billing.Provider,
	cat *catalog.Catalog,
	rec *reconciler.Reconciler,
	urls BillingURLs,
	logger *slog.Logger,
) BillingService {
	return &billingService{
		store:      store,
		provider:   provider,
		catalog:    cat,
		reconciler: rec,
		urls:       urls,
		logger:     logger,
	}
}

func (s *billingService) GetEntitlement(ctx context.Context, userID string, now time.Time) (*EntitlementDetail, error) {
	const op = "billing.get_entitlement"

	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			// Everyone has the free plan; a record only materializes once
			// billing state exists to track.
			rec = &domain.EntitlementRecord{
				UserID:             userID,
				Plan:               domain.PlanFree,
				SubscriptionStatus: domain.StatusNone,
				UpdatedAt:          now,
			}
		} else {
			return nil, domain.Internal(err, op, "failed to load entitlement")
		}
	}

	dec := access.Evaluate(rec, now)
	if telemetry.Business != nil {
		telemetry.Business.AccessChecks.WithLabelValues(string(dec.EffectivePlan), dec.Reason).Inc()
	}
	return &EntitlementDetail{Record: rec, Access: dec}, nil
}

func (s *billingService) StartCheckout(ctx context.Context, params StartCheckoutParams) (*CheckoutRedirect, error) {
	const op = "billing.start_checkout"

	priceID, ok := s.catalog.PriceForPlan(params.Plan)
	if !ok {
		return nil, domain.Invalid(op, "checkout requires a paid plan")
	}

	customerID := ""
	rec, err := s.store.Get(ctx, params.UserID)
	switch {
	case err == nil:
		dec := access.Evaluate(rec, time.Now())
		if dec.Subscribed && rec.Plan == params.Plan {
			return nil, domain.Conflict(op, "plan is already active")
		}
		if dec.Subscribed && rec.ExternalSubscriptionID != "" {
			// An active subscription changes price in place; a second
			// checkout would double-bill.
			return nil, domain.Conflict(op, "subscription already active, change the plan instead")
		}
		customerID = rec.ExternalCustomerID
	case errors.Is(err, domain.ErrEntitlementNotFound):
		// First contact with billing for this user.
	default:
		return nil, domain.Internal(err, op, "failed to load entitlement")
	}

	key := params.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	session, err := s.provider.CreateCheckoutSession(ctx, billing.CheckoutSessionParams{
		UserID:         params.UserID,
		CustomerID:     customerID,
		CustomerEmail:  params.Email,
		PriceID:        priceID,
		SuccessURL:     s.urls.CheckoutSuccess,
		CancelURL:      s.urls.CheckoutCancel,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, s.providerError(err, op, "failed to create checkout session")
	}

	s.logger.Info("checkout session created",
		slog.String("user_id", params.UserID),
		slog.String("plan", string(params.Plan)),
		slog.String("session_id", session.ID),
	)
	if telemetry.Business != nil {
		telemetry.Business.CheckoutSessions.WithLabelValues(string(params.Plan)).Inc()
	}

	return &CheckoutRedirect{SessionID: session.ID, URL: session.URL}, nil
}

func (s *billingService) ChangePlan(ctx context.Context, params ChangePlanParams) (*domain.EntitlementRecord, error) {
	const op = "billing.change_plan"

	priceID, ok := s.catalog.PriceForPlan(params.Plan)
	if !ok {
		return nil, domain.Invalid(op, "plan change requires a paid plan, cancel to return to free")
	}

	rec, err := s.requireSubscribed(ctx, params.UserID, op)
	if err != nil {
		return nil, err
	}
	if rec.Plan == params.Plan {
		return nil, domain.Conflict(op, "plan is already active")
	}

	if _, err := s.provider.ChangeSubscriptionPrice(ctx, billing.ChangePriceParams{
		SubscriptionID: rec.ExternalSubscriptionID,
		PriceID:        priceID,
	}); err != nil {
		return nil, s.providerError(err, op, "failed to change subscription price")
	}

	s.logger.Info("plan change requested",
		slog.String("user_id", params.UserID),
		slog.String("plan", string(params.Plan)),
	)
	if telemetry.Business != nil {
		telemetry.Business.PlanChanges.WithLabelValues(string(params.Plan)).Inc()
	}

	// Converge immediately instead of waiting for the webhook. The webhook
	// still arrives later and dedupes into a no-op apply.
	return s.reconciler.SyncSubscription(ctx, rec.ExternalSubscriptionID, params.UserID)
}

func (s *billingService) CancelSubscription(ctx context.Context, params CancelParams) (*domain.EntitlementRecord, error) {
	const op = "billing.cancel_subscription"

	rec, err := s.requireSubscribed(ctx, params.UserID, op)
	if err != nil {
		return nil, err
	}

	if _, err := s.provider.CancelSubscription(ctx, billing.CancelSubscriptionParams{
		SubscriptionID:    rec.ExternalSubscriptionID,
		CancelAtPeriodEnd: !params.Immediate,
	}); err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			// Already gone at the provider; reconciliation below records
			// the cancellation locally.
		} else {
			return nil, s.providerError(err, op, "failed to cancel subscription")
		}
	}

	mode := "at_period_end"
	if params.Immediate {
		mode = "immediate"
	}
	s.logger.Info("cancellation requested",
		slog.String("user_id", params.UserID),
		slog.String("mode", mode),
	)
	if telemetry.Business != nil {
		telemetry.Business.Cancellations.WithLabelValues(mode).Inc()
	}

	return s.reconciler.SyncSubscription(ctx, rec.ExternalSubscriptionID, params.UserID)
}

func (s *billingService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	const op = "billing.create_portal_session"

	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			return "", domain.Invalid(op, "no billing history for this account")
		}
		return "", domain.Internal(err, op, "failed to load entitlement")
	}
	if rec.ExternalCustomerID == "" {
		return "", domain.Invalid(op, "no billing history for this account")
	}

	session, err := s.provider.CreatePortalSession(ctx, billing.PortalSessionParams{
		CustomerID: rec.ExternalCustomerID,
		ReturnURL:  s.urls.PortalReturn,
	})
	if err != nil {
		return "", s.providerError(err, op, "failed to create portal session")
	}
	return session.URL, nil
}

// requireSubscribed loads the record and verifies an active subscription is
// on file.
func (s *billingService) requireSubscribed(ctx context.Context, userID, op string) (*domain.EntitlementRecord, error) {
	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			return nil, domain.Invalid(op, "no active subscription")
		}
		return nil, domain.Internal(err, op, "failed to load entitlement")
	}
	if rec.ExternalSubscriptionID == "" {
		return nil, domain.Invalid(op, "no active subscription")
	}
	return rec, nil
}

// providerError maps a billing provider failure onto the domain taxonomy:
// transient outages are retryable, everything else surfaces as a payment
// problem the user can act on.
func (s *billingService) providerError(err error, op, message string) error {
	if billing.IsTemporary(err) {
		return domain.Unavailable(err, op, "billing provider unreachable, try again shortly")
	}
	if errors.Is(err, billing.ErrSubscriptionNotFound) || errors.Is(err, billing.ErrCustomerNotFound) {
		return domain.Invalid(op, "no active subscription")
	}
	s.logger.Error("billing provider call failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return &domain.Error{Code: domain.EPAYMENT, Op: op, Message: message, Err: err}
}
