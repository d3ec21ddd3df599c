package postgresql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	ApplicationName string
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectAttempts bounds startup retries while the database comes up
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// DSN returns the lib/pq keyword/value connection string. Values are quoted
// so passwords may contain spaces and quotes.
func (c *Config) DSN() string {
	pairs := []struct{ key, value string }{
		{"host", c.Host},
		{"port", fmt.Sprint(c.Port)},
		{"user", c.User},
		{"password", c.Password},
		{"dbname", c.Database},
		{"sslmode", c.SSLMode},
		{"application_name", c.ApplicationName},
	}
	if c.ConnectTimeout > 0 {
		pairs = append(pairs, struct{ key, value string }{"connect_timeout", fmt.Sprint(int(c.ConnectTimeout.Seconds()))})
	}

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quote(p.value))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Client owns the sqlx pool shared by the store and the change feed listener
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient connects, retrying up to ConnectAttempts times, and applies the
// pool settings.
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	attempts := config.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	logger = logger.With(
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	var (
		db  *sqlx.DB
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", config.DSN())
		if err == nil {
			break
		}
		logger.Warn("PostgreSQL not reachable",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", ctx.Err())
		case <-time.After(config.ConnectBackoff * time.Duration(attempt)):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", attempts, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	c := &Client{db: db, config: config, logger: logger}
	logger.Info("Connected to PostgreSQL", slog.Any("pool", c.Stats()))
	return c, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// NewListener opens a dedicated LISTEN connection on channel. The listener
// reconnects on its own between minReconnect and maxReconnect.
func (c *Client) NewListener(channel string, minReconnect, maxReconnect time.Duration) (*pq.Listener, error) {
	logger := c.logger.With(slog.String("channel", channel))
	listener := pq.NewListener(c.config.DSN(), minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("Change feed listener connected")
		case pq.ListenerEventReconnected:
			logger.Info("Change feed listener reconnected")
		case pq.ListenerEventDisconnected:
			logger.Warn("Change feed listener disconnected", slog.Any("error", err))
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Error("Change feed listener connection attempt failed", slog.Any("error", err))
		}
	})

	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return listener, nil
}

// Close closes the pool
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close PostgreSQL pool", slog.Any("error", err))
		return err
	}
	c.logger.Info("PostgreSQL pool closed")
	return nil
}

// Stats reports the pool counters as a log group
func (c *Client) Stats() slog.Value {
	s := c.db.Stats()
	return slog.GroupValue(
		slog.Int("max_open", s.MaxOpenConnections),
		slog.Int("open", s.OpenConnections),
		slog.Int("in_use", s.InUse),
		slog.Int("idle", s.Idle),
		slog.Int64("wait_count", s.WaitCount),
		slog.Duration("wait", s.WaitDuration),
	)
}

// HealthCheck runs a trivial query with a short deadline
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var one int
	if err := c.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
