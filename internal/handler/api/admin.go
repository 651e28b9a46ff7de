package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/handler"
	"github.com/subsync-io/subsync/internal/middleware"
	"github.com/subsync-io/subsync/internal/reconciler"
)

// AdminHandler exposes operator actions: granting grace windows and forcing
// a resync for one user. Routes are mounted behind RequireAdmin.
type AdminHandler struct {
	store      domain.EntitlementStore
	reconciler *reconciler.Reconciler
	notifier   reconciler.Notifier
	logger     *slog.Logger
}

// NewAdminHandler creates a new admin handler. notifier may be nil.
func NewAdminHandler(store domain.EntitlementStore, rec *reconciler.Reconciler, notifier reconciler.Notifier, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		store:      store,
		reconciler: rec,
		notifier:   notifier,
		logger:     logger,
	}
}

type graceRequest struct {
	// Until extends paid access through this instant. Null clears an
	// existing grace window.
	Until *time.Time `json:"until"`
}

// SetGrace handles PUT /api/admin/users/{userID}/grace.
//
// Grace survives later billing syncs; only this endpoint moves it.
func (h *AdminHandler) SetGrace(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		handler.ErrorResponse(w, r, domain.Invalid("admin.set_grace", "missing user id"))
		return
	}

	var req graceRequest
	if err := handler.DecodeJSON(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if req.Until != nil && !req.Until.After(time.Now()) {
		handler.ErrorResponse(w, r, domain.Invalid("admin.set_grace", "grace deadline must be in the future"))
		return
	}

	// Grace applies to accounts that never reached billing too, so a
	// missing record is created rather than rejected.
	if req.Until != nil {
		if _, err := h.store.Create(r.Context(), userID); err != nil {
			handler.ErrorResponse(w, r, domain.Internal(err, "admin.set_grace", "failed to ensure entitlement record"))
			return
		}
	}

	rec, err := h.store.SetGrace(r.Context(), userID, req.Until)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			handler.NotFoundResponse(w, r)
			return
		}
		handler.ErrorResponse(w, r, domain.Internal(err, "admin.set_grace", "failed to set grace"))
		return
	}

	// Grace changes access immediately; connected clients hear about it
	// the same way they hear about billing changes.
	if h.notifier != nil {
		h.notifier.EntitlementChanged(r.Context(), rec)
	}

	log := middleware.GetLogger(r.Context(), h.logger)
	if req.Until != nil {
		log.Info("grace window set",
			slog.String("user_id", userID),
			slog.Time("until", *req.Until),
			slog.String("admin_id", domain.UserIDFromContext(r.Context())),
		)
	} else {
		log.Info("grace window cleared",
			slog.String("user_id", userID),
			slog.String("admin_id", domain.UserIDFromContext(r.Context())),
		)
	}
	handler.JSONResponse(w, http.StatusOK, rec)
}

// Resync handles POST /api/admin/users/{userID}/resync.
//
// Forces an immediate canonical refetch for one user, the manual version
// of the periodic sweep.
func (h *AdminHandler) Resync(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		handler.ErrorResponse(w, r, domain.Invalid("admin.resync", "missing user id"))
		return
	}

	rec, err := h.reconciler.SyncUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrEntitlementNotFound) {
			handler.NotFoundResponse(w, r)
			return
		}
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSONResponse(w, http.StatusOK, rec)
}
