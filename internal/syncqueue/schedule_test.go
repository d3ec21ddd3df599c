package syncqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	routingKey string
	delay      time.Duration
	body       []byte
	delayed    bool
	err        error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	p.routingKey = routingKey
	p.body = body
	return p.err
}

func (p *fakePublisher) PublishDelayed(_ context.Context, body []byte, _ string, delay time.Duration) error {
	p.delayed = true
	p.delay = delay
	p.body = body
	return p.err
}

func TestBrokerScheduler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name        string
		delay       time.Duration
		wantDelayed bool
	}{
		{name: "immediate replay goes straight to the work queue", delay: 0},
		{name: "backoff goes through the delay queue", delay: 30 * time.Second, wantDelayed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			s := NewBrokerScheduler(pub, logger)

			require.NoError(t, s.ScheduleReplay(context.Background(), "device-1", tt.delay))

			assert.Equal(t, tt.wantDelayed, pub.delayed)
			if tt.wantDelayed {
				assert.Equal(t, tt.delay, pub.delay)
			} else {
				assert.Equal(t, ReplayRoutingKey, pub.routingKey)
			}

			req, err := ParseReplayRequest(pub.body)
			require.NoError(t, err)
			assert.Equal(t, "device-1", req.ClientID)
		})
	}
}

func TestBrokerScheduler_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	s := NewBrokerScheduler(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.ScheduleReplay(context.Background(), "device-1", time.Second)
	assert.ErrorContains(t, err, "channel closed")
}

func TestParseReplayRequest(t *testing.T) {
	_, err := ParseReplayRequest([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseReplayRequest([]byte(`{"client_id":""}`))
	assert.Error(t, err)

	req, err := ParseReplayRequest([]byte(`{"client_id":"device-9","requested_at":"2026-03-01T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "device-9", req.ClientID)
}
