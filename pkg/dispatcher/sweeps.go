package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/MythologIQ/qorelogic/pkg/store"
)

// SweepInterval is the default cadence of the maintenance pass.
const SweepInterval = 30 * time.Second

// Sweep runs one maintenance pass: quarantine releases, deferral expiries,
// approval timeouts, claim TTL breaches, cooling-off ends, source decay, and
// one mode-trigger evaluation. Every sub-sweep that appends does so under the
// append lock of a single transaction, so a crashed pass leaves no partial
// state. Errors are logged, not fatal: a wedged sweep must not take the
// engine down.
func (e *Engine) Sweep(ctx context.Context) {
	err := e.store.WithinAppendTx(ctx, func(tx *store.Tx) error {
		if released, err := e.warden.SweepReleases(ctx, tx); err != nil {
			return err
		} else if len(released) > 0 {
			e.logger.Info("sweep: quarantines released", slog.Int("count", len(released)))
		}
		if disclosed, err := e.warden.SweepDeferrals(ctx, tx); err != nil {
			return err
		} else if len(disclosed) > 0 {
			e.logger.Info("sweep: deferrals disclosed", slog.Int("count", len(disclosed)))
		}
		if expired, err := e.approvals.SweepTimeouts(ctx, tx, e.actor); err != nil {
			return err
		} else if len(expired) > 0 {
			e.logger.Info("sweep: approvals timed out", slog.Int("count", len(expired)))
		}
		if breached, err := e.claims.Sweep(ctx, tx); err != nil {
			return err
		} else if len(breached) > 0 {
			e.logger.Info("sweep: claims breached ttl", slog.Int("count", len(breached)))
		}
		if ended, err := e.trust.SweepCoolingOff(ctx, tx); err != nil {
			return err
		} else if len(ended) > 0 {
			e.logger.Info("sweep: cooling-off ended", slog.Int("count", len(ended)))
		}
		if decayed, err := e.trust.DecaySources(ctx, tx); err != nil {
			return err
		} else if len(decayed) > 0 {
			e.logger.Info("sweep: sources decayed", slog.Int("count", len(decayed)))
		}
		_, err := e.modes.Evaluate(ctx, tx, e.admission.Depth(), e.admission.Hard())
		return err
	})
	if err != nil {
		e.logger.Error("sweep: pass failed", slog.String("error", err.Error()))
	}
}

// RunSweeper loops Sweep on the interval until the context ends. Run it in
// its own goroutine next to the serving loop.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}
