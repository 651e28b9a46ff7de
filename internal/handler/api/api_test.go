package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsync-io/subsync/internal/billing"
	"github.com/subsync-io/subsync/internal/catalog"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/memory"
	"github.com/subsync-io/subsync/internal/propagator"
	"github.com/subsync-io/subsync/internal/reconciler"
	"github.com/subsync-io/subsync/internal/service"
)

const (
	basicPrice = "price_basic_monthly"
	proPrice   = "price_pro_monthly"
)

type fixture struct {
	store      *memory.EntitlementStore
	provider   *billing.MockProvider
	reconciler *reconciler.Reconciler
	service    service.BillingService
	bus        *propagator.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewEntitlementStore()
	provider := billing.NewMockProvider()
	cat := catalog.New(basicPrice, proPrice)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := propagator.NewBus()
	prop := propagator.New(bus, nil, "entitlements", logger)
	rec := reconciler.New(store, provider, cat, prop, logger)
	svc := service.NewBillingService(store, provider, cat, rec, service.BillingURLs{
		CheckoutSuccess: "https://app.test/success",
		CheckoutCancel:  "https://app.test/cancel",
		PortalReturn:    "https://app.test/settings",
	}, logger)
	return &fixture{store: store, provider: provider, reconciler: rec, service: svc, bus: bus}
}

func (f *fixture) subscribe(t *testing.T, userID, subID, customerID, priceID string) {
	t.Helper()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()
	f.provider.SetSubscription(&billing.Subscription{
		ID:               subID,
		CustomerID:       customerID,
		Status:           "active",
		PriceID:          priceID,
		CurrentPeriodEnd: &periodEnd,
	})
	_, err := f.reconciler.SyncSubscription(context.Background(), subID, userID)
	require.NoError(t, err)
}

func asUser(req *http.Request, user *domain.User) *http.Request {
	return req.WithContext(domain.NewContextWithUser(req.Context(), user))
}

func TestGetMyEntitlement(t *testing.T) {
	f := newFixture(t)
	h := NewEntitlementHandler(f.service, nil)

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil)
		rec := httptest.NewRecorder()
		h.GetMyEntitlement(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("free default", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil), &domain.User{ID: "user-free"})
		rec := httptest.NewRecorder()
		h.GetMyEntitlement(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var detail service.EntitlementDetail
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
		assert.Equal(t, domain.PlanFree, detail.Access.EffectivePlan)
		assert.False(t, detail.Access.Subscribed)
	})

	t.Run("subscribed", func(t *testing.T) {
		f.subscribe(t, "user-pro", "sub_pro", "cus_pro", proPrice)

		req := asUser(httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil), &domain.User{ID: "user-pro"})
		rec := httptest.NewRecorder()
		h.GetMyEntitlement(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var detail service.EntitlementDetail
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
		assert.True(t, detail.Access.Subscribed)
		assert.Equal(t, domain.PlanPro, detail.Access.EffectivePlan)
	})

	t.Run("store unreachable degrades to unsubscribed", func(t *testing.T) {
		h := NewEntitlementHandler(failingBillingService{}, nil)

		req := asUser(httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil), &domain.User{ID: "user-pro"})
		rec := httptest.NewRecorder()
		h.GetMyEntitlement(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var detail service.EntitlementDetail
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
		assert.Nil(t, detail.Record)
		assert.False(t, detail.Access.Subscribed)
		assert.Equal(t, domain.PlanFree, detail.Access.EffectivePlan)
	})
}

// failingBillingService simulates an unreachable store behind the service.
type failingBillingService struct {
	service.BillingService
}

func (failingBillingService) GetEntitlement(ctx context.Context, userID string, now time.Time) (*service.EntitlementDetail, error) {
	return nil, &domain.Error{Code: domain.EINTERNAL, Op: "store.get", Message: "connection refused"}
}

func TestStartCheckoutEndpoint(t *testing.T) {
	f := newFixture(t)
	h := NewBillingHandler(f.service, nil)

	t.Run("creates session", func(t *testing.T) {
		body := bytes.NewReader([]byte(`{"plan":"basic"}`))
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/checkout", body), &domain.User{ID: "user-1", Email: "u@example.com"})
		rec := httptest.NewRecorder()
		h.StartCheckout(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)

		var redirect service.CheckoutRedirect
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&redirect))
		assert.NotEmpty(t, redirect.URL)
	})

	t.Run("rejects free plan", func(t *testing.T) {
		body := bytes.NewReader([]byte(`{"plan":"free"}`))
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/checkout", body), &domain.User{ID: "user-1"})
		rec := httptest.NewRecorder()
		h.StartCheckout(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		body := bytes.NewReader([]byte(`{"plan":"basic","priceId":"price_x"}`))
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/checkout", body), &domain.User{ID: "user-1"})
		rec := httptest.NewRecorder()
		h.StartCheckout(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestChangePlanEndpoint(t *testing.T) {
	f := newFixture(t)
	h := NewBillingHandler(f.service, nil)
	f.subscribe(t, "user-1", "sub_1", "cus_1", basicPrice)

	body := bytes.NewReader([]byte(`{"plan":"pro"}`))
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/change-plan", body), &domain.User{ID: "user-1"})
	rec := httptest.NewRecorder()
	h.ChangePlan(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var record domain.EntitlementRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	assert.Equal(t, domain.PlanPro, record.Plan)
}

func TestCancelEndpoint(t *testing.T) {
	f := newFixture(t)
	h := NewBillingHandler(f.service, nil)
	f.subscribe(t, "user-1", "sub_1", "cus_1", proPrice)

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/cancel", nil), &domain.User{ID: "user-1"})
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var record domain.EntitlementRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	assert.True(t, record.CancelAtPeriodEnd)

	t.Run("immediate", func(t *testing.T) {
		body := strings.NewReader(`{"immediate":true}`)
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/cancel", body), &domain.User{ID: "user-1"})
		rec := httptest.NewRecorder()
		h.Cancel(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
		assert.Equal(t, domain.StatusCanceled, record.SubscriptionStatus)
	})
}

func TestPortalEndpoint(t *testing.T) {
	f := newFixture(t)
	h := NewBillingHandler(f.service, nil)
	f.subscribe(t, "user-1", "sub_1", "cus_1", basicPrice)

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/portal", nil), &domain.User{ID: "user-1"})
	rec := httptest.NewRecorder()
	h.CreatePortalSession(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("no billing history", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/billing/portal", nil), &domain.User{ID: "user-none"})
		rec := httptest.NewRecorder()
		h.CreatePortalSession(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAnalyticsGating(t *testing.T) {
	f := newFixture(t)
	h := NewAnalyticsHandler(f.service, nil)

	t.Run("free user", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodGet, "/api/analytics/usage", nil), &domain.User{ID: "user-free"})
		rec := httptest.NewRecorder()
		h.Usage(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("basic user", func(t *testing.T) {
		f.subscribe(t, "user-basic", "sub_b", "cus_b", basicPrice)
		req := asUser(httptest.NewRequest(http.MethodGet, "/api/analytics/usage", nil), &domain.User{ID: "user-basic"})
		rec := httptest.NewRecorder()
		h.Usage(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("pro user", func(t *testing.T) {
		f.subscribe(t, "user-pro", "sub_p", "cus_p", proPrice)
		req := asUser(httptest.NewRequest(http.MethodGet, "/api/analytics/usage", nil), &domain.User{ID: "user-pro"})
		rec := httptest.NewRecorder()
		h.Usage(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAdminSetGrace(t *testing.T) {
	f := newFixture(t)
	h := NewAdminHandler(f.store, f.reconciler, nil, nil)

	until := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	payload, err := json.Marshal(graceRequest{Until: &until})
	require.NoError(t, err)

	req := asUser(httptest.NewRequest(http.MethodPut, "/api/admin/users/user-1/grace", bytes.NewReader(payload)), &domain.User{ID: "admin-1", Admin: true})
	req.SetPathValue("userID", "user-1")
	rec := httptest.NewRecorder()
	h.SetGrace(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, stored.GraceUntil)
	assert.True(t, stored.GraceUntil.Equal(until))

	t.Run("past deadline rejected", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		payload, err := json.Marshal(graceRequest{Until: &past})
		require.NoError(t, err)

		req := asUser(httptest.NewRequest(http.MethodPut, "/api/admin/users/user-1/grace", bytes.NewReader(payload)), &domain.User{ID: "admin-1", Admin: true})
		req.SetPathValue("userID", "user-1")
		rec := httptest.NewRecorder()
		h.SetGrace(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("clear", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodPut, "/api/admin/users/user-1/grace", strings.NewReader(`{"until":null}`)), &domain.User{ID: "admin-1", Admin: true})
		req.SetPathValue("userID", "user-1")
		rec := httptest.NewRecorder()
		h.SetGrace(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		stored, err := f.store.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Nil(t, stored.GraceUntil)
	})
}

func TestAdminResync(t *testing.T) {
	f := newFixture(t)
	h := NewAdminHandler(f.store, f.reconciler, nil, nil)
	f.subscribe(t, "user-1", "sub_1", "cus_1", basicPrice)

	// Provider state drifted without a webhook.
	sub := f.provider.Subscriptions["sub_1"]
	sub.PriceID = proPrice

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/admin/users/user-1/resync", nil), &domain.User{ID: "admin-1", Admin: true})
	req.SetPathValue("userID", "user-1")
	rec := httptest.NewRecorder()
	h.Resync(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, stored.Plan)

	t.Run("unknown user", func(t *testing.T) {
		req := asUser(httptest.NewRequest(http.MethodPost, "/api/admin/users/user-x/resync", nil), &domain.User{ID: "admin-1", Admin: true})
		req.SetPathValue("userID", "user-x")
		rec := httptest.NewRecorder()
		h.Resync(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
