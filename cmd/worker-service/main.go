package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/jobmarket/internal/app"
	"github.com/cuongbtq/jobmarket/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	cfg, err := app.LoadConfig("worker-service", os.Args[1:], "WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Connect(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer infra.Close()

	services := app.NewServices(cfg, infra, appLogger.Logger)

	w := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Broker:            infra.Rabbit,
		Replayer:          services.Sync,
		Sweeper:           services.Reconciler(appLogger.Logger),
		Concurrency:       cfg.Worker.Concurrency,
		MaxJobs:           cfg.Worker.MaxJobs,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ReconcileInterval: cfg.Worker.ReconcileInterval,
	})

	// Start returns on a signal or when the broker drops the delivery stream
	runErr := w.Start(ctx)
	if runErr != nil {
		appLogger.Error("Worker stopped unexpectedly", slog.Any("error", runErr))
	}
	stop()

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, abandoning in-flight replays")
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}
