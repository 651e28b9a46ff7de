// Package propagator pushes entitlement changes to interested consumers:
// websocket clients connected to this process through an in-memory bus, and
// other services through NATS. Both paths are best effort; consumers treat
// messages as hints and refetch the record when in doubt.
package propagator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/telemetry"
)

// Propagator implements the reconciler's Notifier against the local bus
// and an optional NATS connection.
type Propagator struct {
	bus    *Bus
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// New creates a Propagator. nc may be nil when NATS is not configured;
// local stream delivery still works.
func New(bus *Bus, nc *nats.Conn, subjectPrefix string, logger *slog.Logger) *Propagator {
	return &Propagator{
		bus:    bus,
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger,
	}
}

// Bus exposes the in-process bus for stream handlers.
func (p *Propagator) Bus() *Bus {
	return p.bus
}

// Subject returns the NATS subject a user's changes are published on.
func (p *Propagator) Subject(userID string) string {
	return fmt.Sprintf("%s.%s", p.prefix, userID)
}

// EntitlementChanged publishes one changed record. Failures are logged and
// counted, never returned: the reconciliation already committed and the
// periodic resync covers missed consumers.
func (p *Propagator) EntitlementChanged(ctx context.Context, rec *domain.EntitlementRecord) {
	p.bus.Publish(rec)
	telemetry.RecordNotification("bus", "ok")

	if p.nc == nil {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("failed to encode entitlement notification",
			slog.String("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)
		telemetry.RecordNotification("nats", "error")
		return
	}

	if err := p.nc.Publish(p.Subject(rec.UserID), data); err != nil {
		p.logger.Error("failed to publish entitlement notification",
			slog.String("user_id", rec.UserID),
			slog.String("subject", p.Subject(rec.UserID)),
			slog.String("error", err.Error()),
		)
		telemetry.RecordNotification("nats", "error")
		return
	}
	telemetry.RecordNotification("nats", "ok")
}
