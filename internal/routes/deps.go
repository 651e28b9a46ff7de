package routes

import (
	"net/http"

	"github.com/subsync-io/subsync/internal/handler/api"
)

// APIDeps contains dependencies for the authenticated user-facing API routes
type APIDeps struct {
	// Entitlement
	EntitlementHandler *api.EntitlementHandler
	StreamHandler      *api.StreamHandler

	// Billing lifecycle
	BillingHandler *api.BillingHandler

	// Plan-gated analytics
	AnalyticsHandler *api.AnalyticsHandler
}

// AdminDeps contains dependencies for admin routes
type AdminDeps struct {
	AdminHandler *api.AdminHandler
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	StripeHandler http.HandlerFunc
}
