package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeErrorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &payload))
	return payload.Error.Code
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
		KeyFunc:           GetClientIP,
	})
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	deliver := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, deliver("10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, deliver("10.0.0.1:1234").Code)

	resp := deliver("10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit", decodeErrorCode(t, resp.Body))

	// Other clients keep their own budget.
	assert.Equal(t, http.StatusOK, deliver("10.0.0.2:1234").Code)
}

func TestRateLimiterExemptsWebhookDeliveries(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.BurstSize = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()
	h := rl.Middleware(okHandler())

	// A burst of provider deliveries from one IP must never be throttled
	// into a redelivery loop.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		req.RemoteAddr = "54.0.0.1:443"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "delivery %d", i)
	}
}

func TestGetClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", GetClientIP(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "127.0.0.1", GetClientIP(req))
}

func TestRequestIDCapsInboundHeader(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "lb-12345")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "lb-12345", got)

	// Oversized ids from the public surface are replaced, not echoed.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotContains(t, got, "xxx")
	assert.NotEmpty(t, got)
}

func TestSecurityHeadersDefaults(t *testing.T) {
	h := SecurityHeaders(DefaultSecurityHeadersConfig())(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil))

	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestMaxBodySizeRejectsOversized(t *testing.T) {
	h := MaxBodySize(KB)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout", bytes.NewReader(make([]byte, 2*KB)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "too_large", decodeErrorCode(t, w.Body))
}
