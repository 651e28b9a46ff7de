package routes

import (
	"github.com/subsync-io/subsync/internal/middleware"
	"github.com/subsync-io/subsync/internal/router"
)

// RegisterAdminRoutes registers the admin API.
// All routes are protected by admin authentication middleware.
func RegisterAdminRoutes(r *router.Router, deps AdminDeps) {
	admin := r.Group(middleware.RequireAdmin)

	// Grace window management
	admin.Put("/api/admin/users/{userID}/grace", deps.AdminHandler.SetGrace)

	// Force a reconciliation against the billing provider
	admin.Post("/api/admin/users/{userID}/resync", deps.AdminHandler.Resync)
}
