package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

// spawnWorkerPool starts one replay goroutine per unit of concurrency
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, fmt.Sprintf("%s-%d", w.workerID, i))
	}
	w.logger.Info("Replay pool started", slog.Int("size", w.concurrency))
}

// workerLoop takes replay requests off jobsChan until the worker stops
func (w *Worker) workerLoop(ctx context.Context, name string) {
	defer w.wg.Done()
	defer w.logger.Debug("Replay goroutine exited", slog.String("worker_name", name))

	for {
		select {
		case msg := <-w.jobsChan:
			w.handle(ctx, name, msg)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handle processes one replay request and settles its delivery
func (w *Worker) handle(ctx context.Context, workerName string, msg *replayMessage) {
	attrs := []slog.Attr{
		slog.String("worker_name", workerName),
		slog.String("client_id", msg.ClientID),
	}

	err := w.processReplay(ctx, msg)
	if err == nil {
		w.processed.Add(1)
		w.settle(msg.delivery, true, false, attrs...)
		return
	}

	w.failed.Add(1)
	requeue := w.shouldRequeue(msg, err)
	w.logger.LogAttrs(ctx, slog.LevelError, "Sync replay failed",
		append(attrs, slog.Bool("requeue", requeue), slog.Any("error", err))...,
	)
	w.settle(msg.delivery, false, requeue, attrs...)
}

// shouldRequeue requeues transient failures once. Entries left pending are
// replayed again by the client's next replay request.
func (w *Worker) shouldRequeue(msg *replayMessage, err error) bool {
	if msg.delivery.Redelivered {
		return false
	}
	return domain.IsRetryable(err)
}
