package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/subsync-io/subsync/internal/access"
	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/handler"
	"github.com/subsync-io/subsync/internal/service"
)

// AnalyticsHandler serves the pro-gated usage analytics surface. The data
// itself is illustrative; the handler exists to enforce plan gating at a
// protected feature boundary.
type AnalyticsHandler struct {
	service service.BillingService
	logger  *slog.Logger
}

// NewAnalyticsHandler creates a new analytics handler.
func NewAnalyticsHandler(svc service.BillingService, logger *slog.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsHandler{
		service: svc,
		logger:  logger,
	}
}

// Usage handles GET /api/analytics/usage.
//
// Requires an active pro subscription. Anything less gets a generic
// insufficient-plan rejection; the plan label alone never grants access.
func (h *AnalyticsHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserIDFromContext(r.Context())
	if userID == "" {
		handler.UnauthorizedResponse(w, r)
		return
	}

	detail, err := h.service.GetEntitlement(r.Context(), userID, time.Now())
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	if !access.AllowsPlan(detail.Access, domain.PlanPro) {
		handler.ErrorResponse(w, r, &domain.Error{
			Code:    domain.EFORBIDDEN,
			Op:      "analytics.usage",
			Message: "insufficient plan",
		})
		return
	}

	handler.JSONResponse(w, http.StatusOK, map[string]any{
		"plan":        detail.Access.EffectivePlan,
		"generatedAt": time.Now().UTC(),
		"periodEnd":   detail.Record.CurrentPeriodEnd,
	})
}
