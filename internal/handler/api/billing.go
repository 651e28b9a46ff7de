package api

import (
	"log/slog"
	"net/http"

	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/handler"
	"github.com/subsync-io/subsync/internal/service"
)

// BillingHandler exposes user-initiated billing operations.
type BillingHandler struct {
	service service.BillingService
	logger  *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(svc service.BillingService, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		service: svc,
		logger:  logger,
	}
}

type checkoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=basic pro"`
}

// StartCheckout handles POST /api/billing/checkout.
func (h *BillingHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	user := domain.UserFromContext(r.Context())
	if user == nil {
		handler.UnauthorizedResponse(w, r)
		return
	}

	var req checkoutRequest
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("billing.start_checkout", "plan must be basic or pro"))
		return
	}

	redirect, err := h.service.StartCheckout(r.Context(), service.StartCheckoutParams{
		UserID:         user.ID,
		Email:          user.Email,
		Plan:           domain.Plan(req.Plan),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSONResponse(w, http.StatusCreated, redirect)
}

type changePlanRequest struct {
	Plan string `json:"plan" validate:"required,oneof=basic pro"`
}

// ChangePlan handles POST /api/billing/change-plan.
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserIDFromContext(r.Context())
	if userID == "" {
		handler.UnauthorizedResponse(w, r)
		return
	}

	var req changePlanRequest
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("billing.change_plan", "plan must be basic or pro"))
		return
	}

	rec, err := h.service.ChangePlan(r.Context(), service.ChangePlanParams{
		UserID: userID,
		Plan:   domain.Plan(req.Plan),
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSONResponse(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

// Cancel handles POST /api/billing/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserIDFromContext(r.Context())
	if userID == "" {
		handler.UnauthorizedResponse(w, r)
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := handler.DecodeJSON(r, &req); err != nil {
			handler.ErrorResponse(w, r, err)
			return
		}
	}

	rec, err := h.service.CancelSubscription(r.Context(), service.CancelParams{
		UserID:    userID,
		Immediate: req.Immediate,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSONResponse(w, http.StatusOK, rec)
}

// CreatePortalSession handles POST /api/billing/portal.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserIDFromContext(r.Context())
	if userID == "" {
		handler.UnauthorizedResponse(w, r)
		return
	}

	url, err := h.service.CreatePortalSession(r.Context(), userID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSONResponse(w, http.StatusCreated, map[string]string{"url": url})
}
