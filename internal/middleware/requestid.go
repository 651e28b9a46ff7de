package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header carrying the request id.
	RequestIDHeader = "X-Request-ID"

	// RequestIDContextKey is the context key for the request id.
	RequestIDContextKey contextKey = "request_id"

	// maxRequestIDLength caps inbound ids. The webhook endpoint is public,
	// so an arbitrary header value must not be echoed into logs unbounded.
	maxRequestIDLength = 64
)

// RequestID assigns every request an id, honoring one supplied upstream
// (load balancer, edge proxy) when it is reasonably sized. The id is echoed
// in the response headers and stored in the context for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}
