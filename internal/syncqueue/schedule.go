package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ReplayRoutingKey routes replay requests to the worker service
const ReplayRoutingKey = "sync.replay"

// ReplayRequest asks the worker service to replay a client's queue
type ReplayRequest struct {
	ClientID    string    `json:"client_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher is the broker surface the scheduler needs
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
	PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error
}

// BrokerScheduler schedules replays through RabbitMQ. Delayed requests wait in
// the delay queue and are dead-lettered to sync.replay when they expire.
type BrokerScheduler struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewBrokerScheduler creates a scheduler publishing to the broker
func NewBrokerScheduler(publisher Publisher, logger *slog.Logger) *BrokerScheduler {
	return &BrokerScheduler{publisher: publisher, logger: logger}
}

// ScheduleReplay requests a replay of clientID after delay
func (s *BrokerScheduler) ScheduleReplay(ctx context.Context, clientID string, delay time.Duration) error {
	body, err := json.Marshal(ReplayRequest{ClientID: clientID, RequestedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal replay request: %w", err)
	}

	if delay <= 0 {
		err = s.publisher.PublishWithRetry(ctx, ReplayRoutingKey, body, "application/json")
	} else {
		err = s.publisher.PublishDelayed(ctx, body, "application/json", delay)
	}
	if err != nil {
		return fmt.Errorf("failed to schedule replay: %w", err)
	}

	s.logger.Debug("Sync replay scheduled",
		slog.String("client_id", clientID),
		slog.Duration("delay", delay),
	)
	return nil
}

// ParseReplayRequest decodes a replay request delivered by the broker
func ParseReplayRequest(body []byte) (*ReplayRequest, error) {
	var req ReplayRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replay request: %w", err)
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("replay request has no client_id")
	}
	return &req, nil
}
