package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobmarket/internal/escrow"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

// Broker is the RabbitMQ surface the worker consumes from
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Replayer replays a client's offline sync queue
type Replayer interface {
	Replay(ctx context.Context, clientID string) (*syncqueue.Report, error)
}

// Sweeper reconciles unsettled escrows
type Sweeper interface {
	Sweep(ctx context.Context) (*escrow.SweepResult, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Broker            Broker
	Replayer          Replayer
	Sweeper           Sweeper
	WorkerID          string
	Concurrency       int
	MaxJobs           int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
}

// Worker consumes sync replay requests and runs the escrow reconciliation sweep
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	replayer          Replayer
	sweeper           Sweeper
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	reconcileInterval time.Duration
	jobsChan          chan *replayMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		replayer:          cfg.Replayer,
		sweeper:           cfg.Sweeper,
		workerID:          workerID,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		reconcileInterval: cfg.ReconcileInterval,
		jobsChan:          make(chan *replayMessage, cfg.MaxJobs),
		stopChan:          make(chan struct{}),
	}
}

// Start begins processing replay requests and blocks until ctx is canceled
// or the broker closes the delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("reconcile_interval", w.reconcileInterval),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if w.sweeper != nil && w.reconcileInterval > 0 {
		w.wg.Add(1)
		go w.reconcileLoop(ctx)
	}

	w.wg.Add(1)
	go w.heartbeat(ctx)

	w.startMessageDispatcher(ctx, deliveries)

	if ctx.Err() == nil {
		return errors.New("rabbitmq delivery channel closed")
	}
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.Int64("processed", w.processed.Load()),
		slog.Int64("failed", w.failed.Load()),
	)
}

// heartbeat logs worker progress at a fixed interval
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.logger.Debug("Worker heartbeat",
				slog.String("worker_id", w.workerID),
				slog.Int64("processed", w.processed.Load()),
				slog.Int64("failed", w.failed.Load()),
				slog.Int("queued", len(w.jobsChan)),
			)
		}
	}
}
