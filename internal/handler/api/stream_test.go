package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsync-io/subsync/internal/domain"
)

func dialStream(t *testing.T, f *fixture, userID string) *websocket.Conn {
	t.Helper()
	h := NewStreamHandler(f.service, f.bus, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r.WithContext(domain.NewContextWithUser(r.Context(), &domain.User{ID: userID})))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStream_InitialState(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "user-1", "sub_1", "cus_1", proPrice)

	conn := dialStream(t, f, "user-1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var rec domain.EntitlementRecord
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, domain.PlanPro, rec.Plan)
}

func TestStream_PushesReconciledChanges(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "user-1", "sub_1", "cus_1", basicPrice)

	conn := dialStream(t, f, "user-1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var rec domain.EntitlementRecord
	require.NoError(t, conn.ReadJSON(&rec))
	require.Equal(t, domain.PlanBasic, rec.Plan)

	// Wait for the subscription to land before reconciling the change so
	// the update is not published into the void.
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount("user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.provider.Subscriptions["sub_1"].PriceID = proPrice
	_, err := f.reconciler.SyncSubscription(context.Background(), "sub_1", "user-1")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, domain.PlanPro, rec.Plan)
}

func TestStream_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	h := NewStreamHandler(f.service, f.bus, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/me/entitlement/stream", nil)
	rec := httptest.NewRecorder()
	h.Stream(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
