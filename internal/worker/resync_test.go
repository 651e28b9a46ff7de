package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsync-io/subsync/internal/billing"
	"github.com/subsync-io/subsync/internal/catalog"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/memory"
	"github.com/subsync-io/subsync/internal/reconciler"
)

const (
	basicPrice = "price_basic_monthly"
	proPrice   = "price_pro_monthly"
)

func newTestWorker(t *testing.T, config Config) (*Worker, *memory.EntitlementStore, *billing.MockProvider) {
	t.Helper()
	store := memory.NewEntitlementStore()
	provider := billing.NewMockProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := reconciler.New(store, provider, catalog.New(basicPrice, proPrice), nil, logger)
	return NewWorker(store, rec, config, logger), store, provider
}

func staleRecord(userID, subID, customerID string, age time.Duration) *domain.EntitlementRecord {
	return &domain.EntitlementRecord{
		UserID:                 userID,
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: subID,
		Plan:                   domain.PlanBasic,
		SubscriptionStatus:     domain.StatusActive,
		UpdatedAt:              time.Now().Add(-age).UTC(),
	}
}

func TestSweepConvergesStaleRecords(t *testing.T) {
	w, store, provider := newTestWorker(t, Config{StaleAfter: time.Hour})

	// This record missed the webhook for its upgrade.
	store.Seed(staleRecord("user-1", "sub_1", "cus_1", 2*time.Hour))
	provider.SetSubscription(&billing.Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     "active",
		PriceID:    proPrice,
	})

	require.NoError(t, w.Sweep(context.Background()))

	rec, err := store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, rec.Plan)
}

func TestSweepSkipsFreshRecords(t *testing.T) {
	w, store, provider := newTestWorker(t, Config{StaleAfter: time.Hour})

	store.Seed(staleRecord("user-fresh", "sub_1", "cus_1", time.Minute))

	require.NoError(t, w.Sweep(context.Background()))
	assert.Empty(t, provider.CallLog)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	w, store, provider := newTestWorker(t, Config{StaleAfter: time.Hour})

	// sub_bad is unknown at the provider and has no resolvable user after
	// deletion; sub_ok must still converge.
	store.Seed(staleRecord("user-bad", "sub_bad", "cus_bad", 3*time.Hour))
	store.Seed(staleRecord("user-ok", "sub_ok", "cus_ok", 2*time.Hour))

	provider.GetSubscriptionFunc = func(_ context.Context, id string) (*billing.Subscription, error) {
		if id == "sub_bad" {
			return nil, &billing.StripeError{Message: "boom", HTTPStatus: 500}
		}
		return &billing.Subscription{
			ID:         "sub_ok",
			CustomerID: "cus_ok",
			Status:     "active",
			PriceID:    proPrice,
		}, nil
	}

	require.NoError(t, w.Sweep(context.Background()))

	rec, err := store.Get(context.Background(), "user-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, rec.Plan)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	w, store, provider := newTestWorker(t, Config{StaleAfter: time.Hour, BatchSize: 1})

	store.Seed(staleRecord("user-1", "sub_1", "cus_1", 3*time.Hour))
	store.Seed(staleRecord("user-2", "sub_2", "cus_2", 2*time.Hour))
	for _, id := range []string{"sub_1", "sub_2"} {
		provider.SetSubscription(&billing.Subscription{
			ID: id, CustomerID: "cus_x", Status: "active", PriceID: basicPrice,
		})
	}

	require.NoError(t, w.Sweep(context.Background()))
	assert.Len(t, provider.CallLog, 1)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	w, _, _ := newTestWorker(t, Config{Interval: 10 * time.Millisecond, StaleAfter: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
