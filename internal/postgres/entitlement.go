// Package postgres implements the entitlement store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subsync-io/subsync/internal/domain"
)

// EntitlementStore implements domain.EntitlementStore using PostgreSQL.
//
// All billing-derived writes go through single-statement upserts, so the
// database serializes concurrent writers per row; the reconciler's per-user
// lock additionally serializes the surrounding fetch-resolve-write sequence.
type EntitlementStore struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure EntitlementStore implements domain.EntitlementStore.
var _ domain.EntitlementStore = (*EntitlementStore)(nil)

// NewEntitlementStore creates a new EntitlementStore instance.
func NewEntitlementStore(pool *pgxpool.Pool) *EntitlementStore {
	return &EntitlementStore{pool: pool}
}

const entitlementColumns = `user_id, external_customer_id, external_subscription_id,
	plan, subscription_status, cancel_at_period_end, current_period_end, grace_until, updated_at`

// Get returns the record for a user.
func (s *EntitlementStore) Get(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`, userID)

	rec, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return rec, nil
}

// Create inserts a default record for a new account. Idempotent: an
// existing record is returned unchanged.
func (s *EntitlementStore) Create(ctx context.Context, userID string) (*domain.EntitlementRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlement: %w", err)
	}

	return s.Get(ctx, userID)
}

// FindBySubscriptionID returns the record carrying a subscription id.
func (s *EntitlementStore) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.EntitlementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE external_subscription_id = $1`, subscriptionID)

	rec, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to find entitlement by subscription: %w", err)
	}
	return rec, nil
}

// FindByCustomerID reverse-looks-up records by external customer id. All
// matches are returned so the caller can detect ambiguity.
func (s *EntitlementStore) FindByCustomerID(ctx context.Context, customerID string) ([]*domain.EntitlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE external_customer_id = $1 ORDER BY user_id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlements by customer: %w", err)
	}
	defer rows.Close()

	var records []*domain.EntitlementRecord
	for rows.Next() {
		rec, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entitlements: %w", err)
	}

	return records, nil
}

// SetCustomerID assigns the external customer id if unset. The guard in the
// WHERE clause makes the set-once rule atomic under concurrent writers.
func (s *EntitlementStore) SetCustomerID(ctx context.Context, userID, customerID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET external_customer_id = $2, updated_at = now()
		 WHERE user_id = $1
		   AND (external_customer_id IS NULL OR external_customer_id = $2)`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	// No row updated: missing record, or a different id already assigned.
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec.ExternalCustomerID != customerID {
		return domain.ErrCustomerIDConflict
	}
	return nil
}

// ApplyBilling upserts the billing-derived field set as a unit. GraceUntil
// is deliberately absent from the SET list.
func (s *EntitlementStore) ApplyBilling(ctx context.Context, snap domain.BillingSnapshot) (*domain.EntitlementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO entitlements (
			user_id, external_customer_id, external_subscription_id,
			plan, subscription_status, cancel_at_period_end, current_period_end, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (user_id) DO UPDATE SET
			external_customer_id     = EXCLUDED.external_customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			plan                     = EXCLUDED.plan,
			subscription_status      = EXCLUDED.subscription_status,
			cancel_at_period_end     = EXCLUDED.cancel_at_period_end,
			current_period_end       = EXCLUDED.current_period_end,
			updated_at               = now()
		 RETURNING `+entitlementColumns,
		snap.UserID,
		textOrNull(snap.ExternalCustomerID),
		textOrNull(snap.ExternalSubscriptionID),
		string(snap.Plan),
		string(snap.SubscriptionStatus),
		snap.CancelAtPeriodEnd,
		timeOrNull(snap.CurrentPeriodEnd),
	)

	rec, err := scanEntitlement(row)
	if err != nil {
		return nil, fmt.Errorf("failed to apply billing snapshot: %w", err)
	}
	return rec, nil
}

// SetGrace sets or clears the grace deadline.
func (s *EntitlementStore) SetGrace(ctx context.Context, userID string, until *time.Time) (*domain.EntitlementRecord, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE entitlements SET grace_until = $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+entitlementColumns,
		userID, timeOrNull(until))

	rec, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to set grace: %w", err)
	}
	return rec, nil
}

// ListStale returns records with a subscription that have not been
// reconciled since the cutoff, oldest first.
func (s *EntitlementStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.EntitlementRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE external_subscription_id IS NOT NULL AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale entitlements: %w", err)
	}
	defer rows.Close()

	var records []*domain.EntitlementRecord
	for rows.Next() {
		rec, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entitlements: %w", err)
	}

	return records, nil
}

// MarkEventProcessed journals a provider event id. Returns false when the
// event was already journaled.
func (s *EntitlementStore) MarkEventProcessed(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to journal webhook event: %w", err)
	}

	return ct.RowsAffected() == 1, nil
}

// UnmarkEventProcessed removes a journaled event id so the provider's
// redelivery can be processed as fresh.
func (s *EntitlementStore) UnmarkEventProcessed(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to unjournal webhook event: %w", err)
	}
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// scanEntitlement reads one entitlement row from a pgx row scanner.
func scanEntitlement(row pgx.Row) (*domain.EntitlementRecord, error) {
	var (
		rec              domain.EntitlementRecord
		customerID       pgtype.Text
		subscriptionID   pgtype.Text
		plan             string
		status           string
		currentPeriodEnd pgtype.Timestamptz
		graceUntil       pgtype.Timestamptz
	)

	err := row.Scan(
		&rec.UserID,
		&customerID,
		&subscriptionID,
		&plan,
		&status,
		&rec.CancelAtPeriodEnd,
		&currentPeriodEnd,
		&graceUntil,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ExternalCustomerID = customerID.String
	rec.ExternalSubscriptionID = subscriptionID.String
	rec.Plan = domain.Plan(plan)
	rec.SubscriptionStatus = domain.SubscriptionStatus(status)
	if currentPeriodEnd.Valid {
		t := currentPeriodEnd.Time
		rec.CurrentPeriodEnd = &t
	}
	if graceUntil.Valid {
		t := graceUntil.Time
		rec.GraceUntil = &t
	}

	return &rec, nil
}

// textOrNull maps an empty string onto SQL NULL.
func textOrNull(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// timeOrNull maps a nil time onto SQL NULL.
func timeOrNull(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
