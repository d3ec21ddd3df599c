package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Escrow   EscrowConfig   `yaml:"escrow"`
	Sync     SyncConfig     `yaml:"sync"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`

	// ApplicationName shows up in pg_stat_activity
	ApplicationName string        `yaml:"application_name"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	DelayQueue string           `yaml:"delay_queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the Redis connection backing the realtime version cache
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	VersionTTL time.Duration `yaml:"version_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string   `yaml:"level"`
	Format       string   `yaml:"format"`
	Output       string   `yaml:"output"`
	EnableSource bool     `yaml:"enable_source"`
	RedactKeys   []string `yaml:"redact_keys"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxJobs           int           `yaml:"max_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// GatewayConfig holds payment gateway settings
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds the gateway circuit breaker thresholds
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// EscrowConfig holds escrow orchestration settings
type EscrowConfig struct {
	GatewayAttempts int           `yaml:"gateway_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ReconcileAfter  time.Duration `yaml:"reconcile_after"`
	ReconcileBatch  int           `yaml:"reconcile_batch"`
}

// SyncConfig holds offline sync replay settings
type SyncConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// RealtimeConfig holds change feed and WebSocket settings
type RealtimeConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MinReconnectInterval time.Duration `yaml:"min_reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	AllowedOrigins       []string      `yaml:"allowed_origins"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and fills unset tuning values with defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Database.ConnectAttempts, 3)
	setDefault(&c.Database.ConnectBackoff, 2*time.Second)
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.ApplicationName, c.App.Name)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
	setDefault(&c.RabbitMQ.Consumer.PrefetchCount, 1)
	setDefault(&c.Escrow.GatewayAttempts, 3)
	setDefault(&c.Escrow.ReconcileBatch, 100)
	setDefault(&c.Sync.MaxAttempts, 5)
	setDefault(&c.Redis.KeyPrefix, "jobmarket:versions:")
	setDefault(&c.Redis.VersionTTL, 10*time.Minute)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// ValidateAPIConfig checks the settings the API service needs. Every problem
// found is reported.
func (c *Config) ValidateAPIConfig() error {
	errs := c.connectionErrors()
	errs = append(errs, portError("server", c.Server.Port))

	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway base_url is required"))
	}
	if c.Realtime.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis addr is required when realtime is enabled"))
	}

	return errors.Join(errs...)
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	errs := c.connectionErrors()

	if c.RabbitMQ.Queue.Name == "" {
		errs = append(errs, errors.New("rabbitmq queue name is required"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway base_url is required"))
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"concurrency", int64(c.Worker.Concurrency)},
		{"max_jobs", int64(c.Worker.MaxJobs)},
		{"job_timeout", int64(c.Worker.JobTimeout)},
		{"heartbeat_interval", int64(c.Worker.HeartbeatInterval)},
		{"shutdown_timeout", int64(c.Worker.ShutdownTimeout)},
		{"reconcile_interval", int64(c.Worker.ReconcileInterval)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("worker %s must be greater than 0", p.name))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) connectionErrors() []error {
	var errs []error

	if c.Database.Host == "" {
		errs = append(errs, errors.New("database host is required"))
	}
	errs = append(errs, portError("database", c.Database.Port))
	if c.Database.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}

	if c.RabbitMQ.Host == "" {
		errs = append(errs, errors.New("rabbitmq host is required"))
	}
	errs = append(errs, portError("rabbitmq", c.RabbitMQ.Port))
	if c.RabbitMQ.Exchange.Name == "" {
		errs = append(errs, errors.New("rabbitmq exchange name is required"))
	}

	return errs
}

// portError returns nil for a valid port; errors.Join drops nils
func portError(component string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", component, port, MinPort, MaxPort)
	}
	return nil
}
