// Package app assembles the connections and the domain services shared by the
// API and worker binaries.
package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobmarket/internal/api/handler"
	"github.com/cuongbtq/jobmarket/internal/bidding"
	"github.com/cuongbtq/jobmarket/internal/config"
	"github.com/cuongbtq/jobmarket/internal/escrow"
	"github.com/cuongbtq/jobmarket/internal/lifecycle"
	"github.com/cuongbtq/jobmarket/internal/notify"
	"github.com/cuongbtq/jobmarket/internal/payment"
	"github.com/cuongbtq/jobmarket/internal/storage/postgres"
	"github.com/cuongbtq/jobmarket/internal/syncqueue"
	"github.com/cuongbtq/jobmarket/shared/logger"
	"github.com/cuongbtq/jobmarket/shared/postgresql"
	"github.com/cuongbtq/jobmarket/shared/rabbitmq"
)

// LoadConfig parses -config from args, falling back to $envVar and then to
// fallback, and loads the file.
func LoadConfig(name string, args []string, envVar, fallback string) (*config.Config, error) {
	path := os.Getenv(envVar)
	if path == "" {
		path = fallback
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", path, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", *configPath, err)
	}
	return cfg, nil
}

// NewLogger builds the service logger from the logging section
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableSource,
		RedactKeys:   cfg.Logging.RedactKeys,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
}

// Infra holds the broker and database connections
type Infra struct {
	DB     *postgresql.Client
	Rabbit *rabbitmq.Client
}

// Connect opens PostgreSQL, applies migrations when enabled, and opens
// RabbitMQ.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Infra, error) {
	db, err := postgresql.NewClient(ctx, postgresConfig(&cfg.Database), log)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := postgres.Migrate(migrateCtx, db.GetDB(), log)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	rabbit, err := rabbitmq.NewClient(rabbitConfig(&cfg.RabbitMQ), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Infra{DB: db, Rabbit: rabbit}, nil
}

// Checks returns the health checks of the connections
func (i *Infra) Checks() map[string]handler.HealthChecker {
	return map[string]handler.HealthChecker{
		"postgres": i.DB,
		"rabbitmq": i.Rabbit,
	}
}

// Close closes the broker before the database
func (i *Infra) Close() {
	i.Rabbit.Close()
	i.DB.Close()
}

// Services is the domain object graph
type Services struct {
	Store  *postgres.Store
	Events *notify.BrokerDispatcher
	Escrow *escrow.Orchestrator
	Jobs   *lifecycle.Manager
	Bids   *bidding.Ledger
	Sync   *syncqueue.Queue
}

// NewServices wires the domain services onto infra
func NewServices(cfg *config.Config, infra *Infra, log *slog.Logger) *Services {
	store := postgres.NewStore(infra.DB, log)
	events := notify.NewBrokerDispatcher(infra.Rabbit, log)
	gateway := payment.NewHTTPGateway(GatewayConfig(&cfg.Gateway), log)
	orch := escrow.NewOrchestrator(store, gateway, EscrowConfig(&cfg.Escrow), log)
	jobs := lifecycle.NewManager(store, orch, events, log)
	bids := bidding.NewLedger(store, events, log)
	queue := syncqueue.NewQueue(store, jobs, bids,
		syncqueue.NewBrokerScheduler(infra.Rabbit, log),
		syncqueue.Config{
			MaxAttempts: cfg.Sync.MaxAttempts,
			BaseBackoff: cfg.Sync.BaseBackoff,
			MaxBackoff:  cfg.Sync.MaxBackoff,
		},
		log,
	)

	return &Services{
		Store:  store,
		Events: events,
		Escrow: orch,
		Jobs:   jobs,
		Bids:   bids,
		Sync:   queue,
	}
}

// Reconciler returns the escrow sweep run by the worker
func (s *Services) Reconciler(log *slog.Logger) *escrow.Reconciler {
	return escrow.NewReconciler(s.Escrow, s.Store, s.Events, log)
}

// ConnectRedis connects to the realtime version cache
func ConnectRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisCheck adapts a redis client to handler.HealthChecker
type RedisCheck struct {
	Client *redis.Client
}

// HealthCheck pings redis
func (r RedisCheck) HealthCheck(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// CheckOrigin returns a WebSocket origin check for allowed; nil accepts all
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}

// GatewayConfig maps the gateway section onto the HTTP gateway settings
func GatewayConfig(cfg *config.GatewayConfig) payment.HTTPConfig {
	return payment.HTTPConfig{
		BaseURL:             cfg.BaseURL,
		APIKey:              cfg.APIKey,
		Timeout:             cfg.Timeout,
		BreakerMaxRequests:  cfg.Breaker.MaxRequests,
		BreakerInterval:     cfg.Breaker.Interval,
		BreakerOpenTimeout:  cfg.Breaker.OpenTimeout,
		BreakerMinRequests:  cfg.Breaker.MinRequests,
		BreakerFailureRatio: cfg.Breaker.FailureRatio,
	}
}

// EscrowConfig maps the escrow section onto the orchestrator settings
func EscrowConfig(cfg *config.EscrowConfig) escrow.Config {
	return escrow.Config{
		GatewayAttempts: cfg.GatewayAttempts,
		RetryBackoff:    cfg.RetryBackoff,
		ReconcileAfter:  cfg.ReconcileAfter,
		ReconcileBatch:  cfg.ReconcileBatch,
	}
}

func postgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: cfg.ApplicationName,
		ConnectTimeout:  10 * time.Second,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  cfg.ConnectBackoff,
	}
}

// rabbitConfig declares the replay queue and delay queue for both services,
// so replays scheduled by the API are routed before a worker starts.
func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DelayQueueName:     cfg.DelayQueue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}
