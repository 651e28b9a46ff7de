package routes

import (
	"github.com/subsync-io/subsync/internal/middleware"
	"github.com/subsync-io/subsync/internal/router"
)

// RegisterAPIRoutes registers the authenticated user-facing API.
// Every route requires a verified bearer token; the entitlement stream
// upgrades to a websocket after the same auth check.
func RegisterAPIRoutes(r *router.Router, deps APIDeps) {
	authed := r.Group(middleware.RequireAuth)

	// Entitlement
	authed.Get("/api/me/entitlement", deps.EntitlementHandler.GetMyEntitlement)
	authed.Get("/api/me/entitlement/stream", deps.StreamHandler.Stream)

	// Billing lifecycle. Bodies here are a handful of fields, so they get
	// the tighter cap.
	smallBody := middleware.MaxBodySize(middleware.SmallMaxBodySize)
	authed.Post("/api/billing/checkout", deps.BillingHandler.StartCheckout, smallBody)
	authed.Post("/api/billing/change-plan", deps.BillingHandler.ChangePlan, smallBody)
	authed.Post("/api/billing/cancel", deps.BillingHandler.Cancel, smallBody)
	authed.Post("/api/billing/portal", deps.BillingHandler.CreatePortalSession, smallBody)

	// Plan-gated features
	authed.Get("/api/analytics/usage", deps.AnalyticsHandler.Usage)
}
