// Package api implements the authenticated JSON API: entitlement reads,
// the live entitlement stream, billing operations, and the admin surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/subsync-io/subsync/internal/access"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/handler"
	"github.com/subsync-io/subsync/internal/service"
)

var validate = validator.New()

// EntitlementHandler serves the current user's entitlement state.
type EntitlementHandler struct {
	service service.BillingService
	logger  *slog.Logger
}

// NewEntitlementHandler creates a new entitlement handler.
func NewEntitlementHandler(svc service.BillingService, logger *slog.Logger) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementHandler{
		service: svc,
		logger:  logger,
	}
}

// GetMyEntitlement handles GET /api/me/entitlement.
//
// Returns the caller's entitlement record and the access decision evaluated
// at request time. Users that never touched billing get the free default.
// When the store is unreachable the response degrades to an unsubscribed
// decision with no record; clients must fail closed, never open.
func (h *EntitlementHandler) GetMyEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserIDFromContext(r.Context())
	if userID == "" {
		handler.UnauthorizedResponse(w, r)
		return
	}

	detail, err := h.service.GetEntitlement(r.Context(), userID, time.Now())
	if err != nil {
		h.logger.Error("entitlement read failed, degrading to unsubscribed",
			"user_id", userID, "error", err)
		handler.JSONResponse(w, http.StatusOK, service.EntitlementDetail{
			Access: access.Evaluate(nil, time.Now()),
		})
		return
	}
	handler.JSONResponse(w, http.StatusOK, detail)
}
