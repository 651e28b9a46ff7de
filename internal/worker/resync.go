// Package worker runs the periodic resync sweep. Webhooks keep records
// fresh under normal operation; the sweep is the safety net that converges
// records whose deliveries were lost entirely.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/subsync-io/subsync/internal/domain"
	"github.com/subsync-io/subsync/internal/reconciler"
	"github.com/subsync-io/subsync/internal/telemetry"
)

// Config holds resync worker configuration.
type Config struct {
	// Interval is how often to run a sweep.
	Interval time.Duration

	// StaleAfter is how old a record's last update must be before the
	// sweep re-reconciles it.
	StaleAfter time.Duration

	// BatchSize caps records per sweep, bounding provider API load.
	BatchSize int
}

// Worker sweeps stale entitlement records back into convergence.
type Worker struct {
	config     Config
	store      domain.EntitlementStore
	reconciler *reconciler.Reconciler
	logger     *slog.Logger
}

// NewWorker creates a resync worker.
func NewWorker(store domain.EntitlementStore, rec *reconciler.Reconciler, config Config, logger *slog.Logger) *Worker {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 24 * time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	return &Worker{
		config:     config,
		store:      store,
		reconciler: rec,
		logger:     logger,
	}
}

// Start runs sweeps until the context is cancelled. The first sweep runs
// after one full interval so a crash-looping process does not hammer the
// provider.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("resync worker starting",
		slog.Duration("interval", w.config.Interval),
		slog.Duration("stale_after", w.config.StaleAfter),
		slog.Int("batch_size", w.config.BatchSize),
	)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("resync worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("resync sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep re-reconciles one batch of stale records. Per-record failures are
// logged and skipped; the sweep only fails when the stale listing itself
// does.
func (w *Worker) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-w.config.StaleAfter)

	stale, err := w.store.ListStale(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		if telemetry.Business != nil {
			telemetry.Business.ResyncSweeps.WithLabelValues("error").Inc()
		}
		return domain.Internal(err, "worker.sweep", "failed to list stale records")
	}

	synced, failed := 0, 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.reconciler.SyncUser(ctx, rec.UserID); err != nil {
			failed++
			w.logger.Warn("resync failed for user",
				slog.String("user_id", rec.UserID),
				slog.String("error", err.Error()),
			)
			if telemetry.Business != nil {
				telemetry.Business.ResyncRecords.WithLabelValues("error").Inc()
			}
			continue
		}
		synced++
		if telemetry.Business != nil {
			telemetry.Business.ResyncRecords.WithLabelValues("ok").Inc()
		}
	}

	if len(stale) > 0 {
		w.logger.Info("resync sweep complete",
			slog.Int("stale", len(stale)),
			slog.Int("synced", synced),
			slog.Int("failed", failed),
		)
	}
	if telemetry.Business != nil {
		telemetry.Business.ResyncSweeps.WithLabelValues("ok").Inc()
	}
	return nil
}
