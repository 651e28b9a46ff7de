package middleware

import (
	"context"
	"net/http"
)

const (
	// ClientIPContextKey is the context key for the resolved client IP.
	ClientIPContextKey contextKey = "client_ip"
)

// WithClientIP resolves the client IP once, early in the chain, and stores
// it in the context so request loggers and handlers agree on one value.
//
// Proxy headers can be spoofed; deployments must ensure the edge proxy
// overwrites them and that the service is not directly reachable.
func WithClientIP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPContextKey, GetClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClientIPFromContext returns the IP stored by WithClientIP, or "" when
// the middleware did not run.
func GetClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPContextKey).(string); ok {
		return ip
	}
	return ""
}
