// Package reconciler converges local entitlement records with the billing
// provider's canonical subscription state.
//
// Webhook events are treated as hints that something changed, never as
// state: every sync refetches the subscription from the provider and
// applies the full billing-derived field set last-writer-wins. This makes
// processing idempotent and insensitive to delivery order, which is all an
// at-least-once webhook channel guarantees.
package reconciler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/subsync-io/subsync/internal/billing"
	"github.com/subsync-io/subsync/internal/catalog"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/telemetry"
)

// Notifier is told about every reconciliation that changed a record, so
// connected clients and downstream consumers learn about it promptly.
// Notification is best effort: a failed publish never fails the sync,
// clients refetch on reconnect.
type Notifier interface {
	EntitlementChanged(ctx context.Context, rec *domain.EntitlementRecord)
}

// Reconciler drives entitlement convergence. Safe for concurrent use; syncs
// for the same user are serialized on a per-user lock so read-compute-write
// sequences cannot interleave.
type Reconciler struct {
	store    domain.EntitlementStore
	provider billing.Provider
	catalog  *catalog.Catalog
	notifier Notifier
	logger   *slog.Logger
	locks    *keyLock
}

// New creates a Reconciler. notifier may be nil.
func New(store domain.EntitlementStore, provider billing.Provider, cat *catalog.Catalog, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		provider: provider,
		catalog:  cat,
		notifier: notifier,
		logger:   logger,
		locks:    newKeyLock(),
	}
}

// ProcessEvent handles one verified webhook event.
//
// Duplicate and ignored events return nil so the handler acknowledges them.
// ErrUnresolvedUser is returned for events that reference no known user;
// the caller logs and acknowledges those too, since redelivery cannot fix
// them. ErrAmbiguousUser and transient provider failures are returned as
// hard errors, leaving the store untouched.
func (r *Reconciler) ProcessEvent(ctx context.Context, event *billing.Event) error {
	log := r.logger.With(
		slog.String("event_id", event.ID),
		slog.String("event_type", event.ProviderType),
	)

	if event.Kind == billing.EventIgnored {
		log.Debug("ignoring webhook event type")
		telemetry.RecordReconciliation("ignored")
		return nil
	}

	fresh, err := r.store.MarkEventProcessed(ctx, r.provider.Name(), event.ID, event.ProviderType)
	if err != nil {
		telemetry.RecordReconciliation("error")
		return domain.Internal(err, "reconciler.process_event", "failed to journal webhook event")
	}
	if !fresh {
		log.Debug("skipping already processed webhook event")
		telemetry.RecordReconciliation("duplicate")
		return nil
	}

	_, err = r.SyncSubscription(ctx, event.SubscriptionID, event.UserIDHint)
	if err != nil && !errors.Is(err, domain.ErrUnresolvedUser) {
		// The provider's redelivery is the only retry mechanism, so a
		// failed sync must release the journal entry or the retry would
		// short-circuit as a duplicate with the store never updated.
		// Unresolved users stay journaled: the event is acknowledged and
		// redelivering it cannot resolve them. The release must go through
		// even when the sync failed because the request context expired.
		unmarkCtx := context.WithoutCancel(ctx)
		if unmarkErr := r.store.UnmarkEventProcessed(unmarkCtx, r.provider.Name(), event.ID); unmarkErr != nil {
			log.Error("failed to unjournal webhook event after failed sync",
				slog.String("error", unmarkErr.Error()),
			)
		}
	}
	return err
}

// SyncSubscription refetches a subscription's canonical state, resolves the
// owning user, and applies the resulting snapshot.
func (r *Reconciler) SyncSubscription(ctx context.Context, subscriptionID, userIDHint string) (*domain.EntitlementRecord, error) {
	log := r.logger.With(slog.String("subscription_id", subscriptionID))

	sub, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return r.syncVanished(ctx, subscriptionID, userIDHint)
		}
		telemetry.RecordReconciliation("error")
		if billing.IsTemporary(err) {
			return nil, domain.Unavailable(err, "reconciler.sync", "billing provider unreachable")
		}
		return nil, domain.Internal(err, "reconciler.sync", "failed to fetch subscription")
	}

	userID, err := r.resolveUser(ctx, sub, userIDHint)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	rec, err := r.apply(ctx, userID, sub)
	if err != nil {
		telemetry.RecordReconciliation("error")
		return nil, err
	}

	log.Info("entitlement reconciled",
		slog.String("user_id", rec.UserID),
		slog.String("plan", string(rec.Plan)),
		slog.String("status", string(rec.SubscriptionStatus)),
	)
	telemetry.RecordReconciliation("applied")

	if r.notifier != nil {
		r.notifier.EntitlementChanged(ctx, rec)
	}
	return rec, nil
}

// SyncUser re-reconciles one user's record against the provider. Records
// without a subscription on file have nothing to converge.
func (r *Reconciler) SyncUser(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalSubscriptionID == "" {
		return rec, nil
	}
	return r.SyncSubscription(ctx, rec.ExternalSubscriptionID, userID)
}

// syncVanished handles a subscription the provider no longer knows: the
// local record, if any, is marked canceled.
func (r *Reconciler) syncVanished(ctx context.Context, subscriptionID, userIDHint string) (*domain.EntitlementRecord, error) {
	userID := userIDHint
	if userID == "" {
		rec, err := r.store.FindBySubscriptionID(ctx, subscriptionID)
		if err != nil {
			if errors.Is(err, domain.ErrEntitlementNotFound) {
				telemetry.RecordReconciliation("unresolved")
				return nil, domain.ErrUnresolvedUser
			}
			telemetry.RecordReconciliation("error")
			return nil, domain.Internal(err, "reconciler.sync", "failed to look up subscription")
		}
		userID = rec.UserID
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	existing, err := r.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			telemetry.RecordReconciliation("unresolved")
			return nil, domain.ErrUnresolvedUser
		}
		telemetry.RecordReconciliation("error")
		return nil, domain.Internal(err, "reconciler.sync", "failed to load entitlement")
	}

	// Another sync may already have replaced the subscription.
	if existing.ExternalSubscriptionID != subscriptionID {
		telemetry.RecordReconciliation("ignored")
		return existing, nil
	}

	rec, err := r.store.ApplyBilling(ctx, domain.BillingSnapshot{
		UserID:                 existing.UserID,
		ExternalCustomerID:     existing.ExternalCustomerID,
		ExternalSubscriptionID: existing.ExternalSubscriptionID,
		Plan:                   existing.Plan,
		SubscriptionStatus:     domain.StatusCanceled,
		CancelAtPeriodEnd:      false,
		CurrentPeriodEnd:       existing.CurrentPeriodEnd,
	})
	if err != nil {
		telemetry.RecordReconciliation("error")
		return nil, domain.Internal(err, "reconciler.sync", "failed to persist entitlement")
	}

	r.logger.Info("subscription gone at provider, marked canceled",
		slog.String("subscription_id", subscriptionID),
		slog.String("user_id", rec.UserID),
	)
	telemetry.RecordReconciliation("applied")

	if r.notifier != nil {
		r.notifier.EntitlementChanged(ctx, rec)
	}
	return rec, nil
}

// resolveUser maps a provider subscription onto an internal user id. The
// checkout metadata hint wins; otherwise the customer id is reverse-looked
// up locally. Zero matches is an expected provisioning race; two or more is
// an integrity violation that halts the sync.
func (r *Reconciler) resolveUser(ctx context.Context, sub *billing.Subscription, userIDHint string) (string, error) {
	if userIDHint != "" {
		return userIDHint, nil
	}
	if hint := sub.UserIDHint(); hint != "" {
		return hint, nil
	}

	if sub.CustomerID == "" {
		telemetry.RecordReconciliation("unresolved")
		return "", domain.ErrUnresolvedUser
	}

	matches, err := r.store.FindByCustomerID(ctx, sub.CustomerID)
	if err != nil {
		telemetry.RecordReconciliation("error")
		return "", domain.Internal(err, "reconciler.resolve", "failed customer reverse lookup")
	}

	switch len(matches) {
	case 0:
		r.logger.Warn("webhook event for unknown customer",
			slog.String("customer_id", sub.CustomerID),
			slog.String("subscription_id", sub.ID),
		)
		telemetry.RecordReconciliation("unresolved")
		return "", domain.ErrUnresolvedUser
	case 1:
		return matches[0].UserID, nil
	default:
		r.logger.Error("multiple users share one external customer id",
			slog.String("customer_id", sub.CustomerID),
			slog.Int("matches", len(matches)),
		)
		telemetry.RecordReconciliation("ambiguous")
		return "", domain.ErrAmbiguousUser
	}
}

// apply writes the canonical subscription state into the user's record.
// Caller holds the per-user lock.
func (r *Reconciler) apply(ctx context.Context, userID string, sub *billing.Subscription) (*domain.EntitlementRecord, error) {
	if _, err := r.store.Create(ctx, userID); err != nil {
		return nil, domain.Internal(err, "reconciler.apply", "failed to ensure entitlement record")
	}

	if sub.CustomerID != "" {
		if err := r.store.SetCustomerID(ctx, userID, sub.CustomerID); err != nil {
			if errors.Is(err, domain.ErrCustomerIDConflict) {
				r.logger.Error("subscription customer conflicts with recorded customer id",
					slog.String("user_id", userID),
					slog.String("customer_id", sub.CustomerID),
				)
				return nil, err
			}
			return nil, domain.Internal(err, "reconciler.apply", "failed to record customer id")
		}
	}

	plan, known := r.catalog.PlanForPrice(sub.PriceID)
	if !known && sub.PriceID != "" {
		r.logger.Warn("subscription price not in catalog, degrading to free plan",
			slog.String("price_id", sub.PriceID),
			slog.String("subscription_id", sub.ID),
		)
	}

	rec, err := r.store.ApplyBilling(ctx, domain.BillingSnapshot{
		UserID:                 userID,
		ExternalCustomerID:     sub.CustomerID,
		ExternalSubscriptionID: sub.ID,
		Plan:                   plan,
		SubscriptionStatus:     mapStatus(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
	})
	if err != nil {
		return nil, domain.Internal(err, "reconciler.apply", "failed to persist entitlement")
	}
	return rec, nil
}

// mapStatus maps a provider lifecycle status onto the local enum. Statuses
// this engine does not model (paused, incomplete_expired) grant no access,
// so they collapse onto the nearest non-granting state.
func mapStatus(status string) domain.SubscriptionStatus {
	switch status {
	case "active":
		return domain.StatusActive
	case "trialing":
		return domain.StatusTrialing
	case "past_due":
		return domain.StatusPastDue
	case "canceled":
		return domain.StatusCanceled
	case "unpaid":
		return domain.StatusUnpaid
	case "incomplete", "incomplete_expired":
		return domain.StatusIncomplete
	default:
		return domain.StatusCanceled
	}
}
