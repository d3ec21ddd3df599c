package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/jobmarket/internal/api/handler"
	"github.com/cuongbtq/jobmarket/internal/api/router"
	"github.com/cuongbtq/jobmarket/internal/app"
	"github.com/cuongbtq/jobmarket/internal/config"
	"github.com/cuongbtq/jobmarket/internal/realtime"
	"github.com/cuongbtq/jobmarket/shared/postgresql"
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

	cfg, err := app.LoadConfig("api-service", os.Args[1:], "API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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
	checks := infra.Checks()

	hub := realtime.NewHub(app.CheckOrigin(cfg.Realtime.AllowedOrigins), appLogger.Logger)
	go hub.Run(ctx)

	if cfg.Realtime.Enabled {
		closeFeed, err := startChangeFeed(ctx, cfg, infra.DB, services, hub, checks, appLogger.Logger)
		if err != nil {
			return err
		}
		defer closeFeed()
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := router.SetupRouter(&handler.Dependencies{
		Logger:    appLogger.Logger,
		Jobs:      services.Jobs,
		Bids:      services.Bids,
		Sync:      services.Sync,
		Snapshots: realtime.NewSnapshotter(services.Store),
		Realtime:  hub,
		Checks:    checks,

		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening",
			slog.String("address", srv.Addr),
			slog.Bool("realtime", cfg.Realtime.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutdown signal received")
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// startChangeFeed connects the version cache and runs the propagator on the
// row_changes channel until ctx is done. The returned func releases both.
func startChangeFeed(
	ctx context.Context,
	cfg *config.Config,
	db *postgresql.Client,
	services *app.Services,
	hub *realtime.Hub,
	checks map[string]handler.HealthChecker,
	log *slog.Logger,
) (func(), error) {
	redisClient, err := app.ConnectRedis(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	checks["redis"] = app.RedisCheck{Client: redisClient}

	listener, err := db.NewListener(realtime.Channel,
		cfg.Realtime.MinReconnectInterval,
		cfg.Realtime.MaxReconnectInterval,
	)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to listen for changes: %w", err)
	}

	versions := realtime.NewRedisVersions(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.VersionTTL)
	propagator := realtime.NewPropagator(services.Store, versions, hub, log)
	go func() {
		if err := propagator.Run(ctx, listener); err != nil && ctx.Err() == nil {
			log.Error("Realtime propagator stopped", slog.Any("error", err))
		}
	}()

	return func() {
		listener.Close()
		redisClient.Close()
	}, nil
}
