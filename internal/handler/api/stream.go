package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/handler"
	"github.com/subsync-io/subsync/internal/middleware"
	"github.com/subsync-io/subsync/internal/propagator"
	"github.com/subsync-io/subsync/internal/service"
	"github.com/subsync-io/subsync/internal/telemetry"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bearer-token auth already gates the endpoint; browser cookie
	// credentials are not involved, so cross-origin upgrades are safe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler pushes entitlement changes to connected clients over a
// websocket.
type StreamHandler struct {
	service service.BillingService
	bus     *propagator.Bus
	logger  *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc service.BillingService, bus *propagator.Bus, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		service: svc,
		bus:     bus,
		logger:  logger,
	}
}

// Stream handles GET /api/me/entitlement/stream.
//
// On connect the current state is sent immediately, then every reconciled
// change for the user until the client disconnects. The stream carries
// whole records: a client that misses messages is consistent again after
// the next one.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserIDFromContext(r.Context())
	if userID == "" {
		handler.UnauthorizedResponse(w, r)
		return
	}
	log := middleware.GetLogger(r.Context(), h.logger)

	detail, err := h.service.GetEntitlement(r.Context(), userID, time.Now())
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	updates, cancel := h.bus.Subscribe(userID)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if telemetry.Business != nil {
		telemetry.Business.StreamConnections.Inc()
		defer telemetry.Business.StreamConnections.Dec()
	}
	log.Info("entitlement stream opened", slog.String("user_id", userID))

	// Reader goroutine: the client sends nothing meaningful, but reads are
	// required to process pongs and observe the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(detail.Record); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
