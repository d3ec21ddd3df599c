// Package notify hands domain events to the notification pipeline
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

// Dispatcher accepts domain events after the change that produced them is committed
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.Event) error
}

// Envelope is the wire form of an event on the broker
type Envelope struct {
	Type       domain.EventKind `json:"type"`
	JobID      string           `json:"job_id"`
	ActorID    string           `json:"actor_id"`
	OccurredAt time.Time        `json:"occurred_at"`
	Payload    json.RawMessage  `json:"payload"`
}

// NewEnvelope wraps event for publishing
func NewEnvelope(event domain.Event) (*Envelope, error) {
	var occurredAt time.Time
	switch e := event.(type) {
	case domain.JobAwarded:
		occurredAt = e.OccurredAt
	case domain.EscrowReleased:
		occurredAt = e.OccurredAt
	case domain.EscrowRefunded:
		occurredAt = e.OccurredAt
	case domain.JobCancelled:
		occurredAt = e.OccurredAt
	case domain.BidSubmitted:
		occurredAt = e.OccurredAt
	default:
		return nil, fmt.Errorf("unknown event type %T", event)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", event.Kind(), err)
	}

	return &Envelope{
		Type:       event.Kind(),
		JobID:      event.Job(),
		ActorID:    event.Actor(),
		OccurredAt: occurredAt,
		Payload:    payload,
	}, nil
}

// Publisher is the broker side of BrokerDispatcher
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerDispatcher publishes events to a topic exchange keyed by event kind
type BrokerDispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewBrokerDispatcher creates a dispatcher on top of publisher
func NewBrokerDispatcher(publisher Publisher, logger *slog.Logger) *BrokerDispatcher {
	return &BrokerDispatcher{
		publisher: publisher,
		logger:    logger,
	}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, event domain.Event) error {
	env, err := NewEnvelope(event)
	if err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := d.publisher.PublishWithRetry(ctx, string(env.Type), body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}

	d.logger.Debug("Event dispatched",
		slog.String("type", string(env.Type)),
		slog.String("job_id", env.JobID),
		slog.String("actor_id", env.ActorID),
	)
	return nil
}

// Recorder keeps dispatched events in memory
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Dispatch(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything dispatched so far
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the dispatched events in order
func (r *Recorder) Kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}
