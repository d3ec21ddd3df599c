package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned while the channel is closed
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	DelayQueueName     string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URI returns the AMQP URI for the config
func (c *Config) URI() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// backoff returns the wait before publish retry number attempt (zero based)
func (c *Config) backoff(attempt int) time.Duration {
	base := c.PublishRetryDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := c.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}

// Client publishes with broker confirms and consumes the replay queue
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	connected atomic.Bool

	// confirms on one channel arrive in publish order
	publishMu sync.Mutex
}

// NewClient dials the broker, declares the topology and enables publisher
// confirms.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		config: config,
		logger: logger.With(slog.String("exchange", config.ExchangeName)),
	}

	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	if err := c.openChannel(); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	c.connected.Store(true)
	go c.watch(c.channel.NotifyClose(make(chan *amqp.Error, 1)))

	c.logger.Info("RabbitMQ client initialized",
		slog.String("queue", config.QueueName),
		slog.String("delay_queue", config.DelayQueueName),
	)
	return c, nil
}

func (c *Client) dial() error {
	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.conn, err = amqp.DialConfig(c.config.URI(), amqpConfig)
		if err == nil {
			return nil
		}
		c.logger.Warn("RabbitMQ not reachable",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
}

func (c *Client) openChannel() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := c.declare(ch); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	c.channel = ch
	return nil
}

// declare sets up the exchange and, for consumers, the work queue and the
// delay queue that dead-letters back into it. A client without a queue name
// only publishes.
func (c *Client) declare(ch *amqp.Channel) error {
	cfg := c.config
	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.ExchangeDurable, cfg.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if cfg.QueueName == "" {
		return nil
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, cfg.QueueDurable, cfg.QueueAutoDelete, cfg.QueueExclusive, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue with key %s: %w", cfg.RoutingKey, err)
	}

	if cfg.DelayQueueName == "" {
		return nil
	}
	_, err := ch.QueueDeclare(cfg.DelayQueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    cfg.ExchangeName,
		"x-dead-letter-routing-key": cfg.RoutingKey,
	})
	if err != nil {
		return fmt.Errorf("failed to declare delay queue: %w", err)
	}
	return nil
}

func (c *Client) watch(closed <-chan *amqp.Error) {
	err, ok := <-closed
	c.connected.Store(false)
	if ok && err != nil {
		c.logger.Error("RabbitMQ channel closed by broker",
			slog.Int("code", err.Code),
			slog.String("reason", err.Reason),
		)
	}
}

// publish sends one message and waits for the broker to confirm it
func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	msg.DeliveryMode = amqp.Persistent
	msg.Timestamp = time.Now()

	c.publishMu.Lock()
	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	c.publishMu.Unlock()
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker rejected message for %s", key)
	}
	return nil
}

// Publish publishes a message to the exchange. An empty routing key falls
// back to the configured one.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	key := c.routingKey(routingKey)
	if err := c.publish(ctx, c.config.ExchangeName, key, amqp.Publishing{ContentType: contentType, Body: body}); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published",
		slog.String("routing_key", key),
		slog.Int("body_size", len(body)),
	)
	return nil
}

// PublishWithRetry publishes with exponential backoff between attempts
func (c *Client) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = c.Publish(ctx, routingKey, body, contentType); err == nil {
			if attempt > 0 {
				c.logger.Info("Message published after retry", slog.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotConnected) || attempt == retries {
			break
		}

		wait := c.config.backoff(attempt)
		c.logger.Warn("Publish failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	c.logger.Error("Giving up on publish",
		slog.String("routing_key", c.routingKey(routingKey)),
		slog.Any("error", err),
	)
	return err
}

// PublishDelayed parks a message in the delay queue; it is dead-lettered to the
// work queue once delay has elapsed.
func (c *Client) PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error {
	if c.config.DelayQueueName == "" {
		return fmt.Errorf("no delay queue configured")
	}

	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	msg := amqp.Publishing{
		ContentType: contentType,
		Body:        body,
		Expiration:  strconv.FormatInt(ms, 10),
	}
	if err := c.publish(ctx, "", c.config.DelayQueueName, msg); err != nil {
		return fmt.Errorf("failed to publish delayed message: %w", err)
	}

	c.logger.Debug("Delayed message published",
		slog.String("queue", c.config.DelayQueueName),
		slog.Duration("delay", delay),
	)
	return nil
}

func (c *Client) routingKey(key string) string {
	if key == "" {
		return c.config.RoutingKey
	}
	return key
}

// Consume starts consuming the work queue with manual acks
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	deliveries, err := c.channel.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Consuming replay queue",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)
	return deliveries, nil
}

// Qos limits the number of unacknowledged deliveries per consumer
func (c *Client) Qos(prefetchCount int) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.channel.Qos(prefetchCount, 0, false)
}

// Close closes the channel and the connection
func (c *Client) Close() error {
	c.connected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}

// HealthCheck reports whether the broker connection is open
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}
