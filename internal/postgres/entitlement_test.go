package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsync-io/subsync/internal"
	"github.com/subsync-io/subsync/internal/domain"
)

// testStore connects to TEST_DATABASE_URL and applies migrations. Tests use
// unique user ids instead of truncating, so they can run concurrently.
func testStore(t *testing.T) *EntitlementStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, internal.RunMigrations(db))
	require.NoError(t, db.Close())

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewEntitlementStore(pool)
}

func newUserID() string {
	return "user-" + uuid.New().String()
}

func TestEntitlementStore_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := s.Get(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)

	rec, err := s.Create(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, rec.UserID)
	assert.Equal(t, domain.PlanFree, rec.Plan)
	assert.Equal(t, domain.StatusNone, rec.SubscriptionStatus)
	assert.Empty(t, rec.ExternalCustomerID)
	assert.Nil(t, rec.GraceUntil)

	// Creating again is a no-op returning the stored record.
	again, err := s.Create(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, again.UserID)
	assert.Equal(t, rec.Plan, again.Plan)
}

func TestEntitlementStore_SetCustomerID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := s.Create(ctx, userID)
	require.NoError(t, err)

	require.NoError(t, s.SetCustomerID(ctx, userID, "cus_first"))

	// Same id again is fine.
	require.NoError(t, s.SetCustomerID(ctx, userID, "cus_first"))

	// A different id violates the set-once rule.
	err = s.SetCustomerID(ctx, userID, "cus_other")
	assert.ErrorIs(t, err, domain.ErrCustomerIDConflict)

	rec, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "cus_first", rec.ExternalCustomerID)

	// Missing record surfaces not found.
	err = s.SetCustomerID(ctx, newUserID(), "cus_x")
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)
}

func TestEntitlementStore_ApplyBilling(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := newUserID()
	customerID := "cus_" + uuid.New().String()[:8]
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	snap := domain.BillingSnapshot{
		UserID:                 userID,
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: "sub_1",
		Plan:                   domain.PlanPro,
		SubscriptionStatus:     domain.StatusActive,
		CancelAtPeriodEnd:      false,
		CurrentPeriodEnd:       &periodEnd,
	}

	// Upsert creates the row when the account has no record yet.
	rec, err := s.ApplyBilling(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, rec.Plan)
	assert.Equal(t, domain.StatusActive, rec.SubscriptionStatus)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, rec.CurrentPeriodEnd.Equal(periodEnd))

	// Applying the same snapshot twice converges to the same state.
	again, err := s.ApplyBilling(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, rec.Plan, again.Plan)
	assert.Equal(t, rec.SubscriptionStatus, again.SubscriptionStatus)

	// A later snapshot overwrites the full field set.
	snap.Plan = domain.PlanBasic
	snap.SubscriptionStatus = domain.StatusPastDue
	snap.CancelAtPeriodEnd = true
	updated, err := s.ApplyBilling(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanBasic, updated.Plan)
	assert.Equal(t, domain.StatusPastDue, updated.SubscriptionStatus)
	assert.True(t, updated.CancelAtPeriodEnd)
}

func TestEntitlementStore_ApplyBillingPreservesGrace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := s.Create(ctx, userID)
	require.NoError(t, err)

	grace := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	_, err = s.SetGrace(ctx, userID, &grace)
	require.NoError(t, err)

	rec, err := s.ApplyBilling(ctx, domain.BillingSnapshot{
		UserID:                 userID,
		ExternalCustomerID:     "cus_g",
		ExternalSubscriptionID: "sub_g",
		Plan:                   domain.PlanBasic,
		SubscriptionStatus:     domain.StatusCanceled,
	})
	require.NoError(t, err)

	require.NotNil(t, rec.GraceUntil, "billing writes must not clear grace_until")
	assert.True(t, rec.GraceUntil.Equal(grace))
}

func TestEntitlementStore_SetGrace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := s.Create(ctx, userID)
	require.NoError(t, err)

	until := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	rec, err := s.SetGrace(ctx, userID, &until)
	require.NoError(t, err)
	require.NotNil(t, rec.GraceUntil)
	assert.True(t, rec.GraceUntil.Equal(until))

	// Clearing.
	rec, err = s.SetGrace(ctx, userID, nil)
	require.NoError(t, err)
	assert.Nil(t, rec.GraceUntil)

	_, err = s.SetGrace(ctx, newUserID(), &until)
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)
}

func TestEntitlementStore_FindByCustomerID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	customerID := "cus_" + uuid.New().String()[:8]

	records, err := s.FindByCustomerID(ctx, customerID)
	require.NoError(t, err)
	assert.Empty(t, records)

	userA := newUserID()
	userB := newUserID()
	for _, id := range []string{userA, userB} {
		_, err := s.Create(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.SetCustomerID(ctx, id, customerID))
	}

	// Two matches must both come back; disambiguation is the caller's job.
	records, err = s.FindByCustomerID(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestEntitlementStore_ListStale(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := s.ApplyBilling(ctx, domain.BillingSnapshot{
		UserID:                 userID,
		ExternalCustomerID:     "cus_s",
		ExternalSubscriptionID: "sub_" + uuid.New().String()[:8],
		Plan:                   domain.PlanPro,
		SubscriptionStatus:     domain.StatusActive,
	})
	require.NoError(t, err)

	// Nothing is stale against a past cutoff.
	records, err := s.ListStale(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, userID, rec.UserID)
	}

	// Everything with a subscription is stale against a future cutoff.
	records, err = s.ListStale(ctx, time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	found := false
	for _, rec := range records {
		if rec.UserID == userID {
			found = true
		}
	}
	assert.True(t, found, "record with subscription should be listed")

	// A record without a subscription never shows up.
	bare := newUserID()
	_, err = s.Create(ctx, bare)
	require.NoError(t, err)
	records, err = s.ListStale(ctx, time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, bare, rec.UserID)
	}
}

func TestEntitlementStore_MarkEventProcessed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	eventID := fmt.Sprintf("evt_%s", uuid.New().String())

	first, err := s.MarkEventProcessed(ctx, "stripe", eventID, "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, first)

	// Redelivery of the same event id is reported as already processed.
	second, err := s.MarkEventProcessed(ctx, "stripe", eventID, "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.False(t, second)

	// Same id from a different provider is distinct.
	other, err := s.MarkEventProcessed(ctx, "mock", eventID, "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestEntitlementStore_UnmarkEventProcessed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	eventID := fmt.Sprintf("evt_%s", uuid.New().String())

	first, err := s.MarkEventProcessed(ctx, "stripe", eventID, "customer.subscription.updated")
	require.NoError(t, err)
	require.True(t, first)

	// Releasing the entry makes the next delivery fresh again.
	require.NoError(t, s.UnmarkEventProcessed(ctx, "stripe", eventID))

	again, err := s.MarkEventProcessed(ctx, "stripe", eventID, "customer.subscription.updated")
	require.NoError(t, err)
	assert.True(t, again)

	// Releasing an id that was never journaled is a no-op.
	assert.NoError(t, s.UnmarkEventProcessed(ctx, "stripe", "evt_never_seen"))
}
