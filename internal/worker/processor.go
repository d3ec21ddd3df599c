package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// processReplay replays one client's pending sync entries with a timeout
func (w *Worker) processReplay(ctx context.Context, msg *replayMessage) error {
	start := time.Now()

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	report, err := w.replayer.Replay(jobCtx, msg.ClientID)
	if err != nil {
		return fmt.Errorf("failed to replay sync queue of %s: %w", msg.ClientID, err)
	}

	w.logger.Info("Sync replay completed",
		slog.String("client_id", msg.ClientID),
		slog.Int("applied", report.Applied),
		slog.Int("conflicted", report.Conflicted),
		slog.Int("pending", report.Pending),
		slog.Int("discarded", report.Discarded),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// reconcileLoop runs the escrow reconciliation sweep on a fixed interval
func (w *Worker) reconcileLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if _, err := w.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Escrow reconciliation sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
