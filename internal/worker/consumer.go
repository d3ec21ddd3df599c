package worker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobmarket/internal/syncqueue"
)

// replayMessage is a replay request handed to the worker pool
type replayMessage struct {
	ClientID string
	delivery amqp.Delivery
}

// settle acks the delivery, or nacks it when requeue is set or the replay
// failed. Settlement errors only get logged; the broker redelivers unsettled
// messages when the channel closes.
func (w *Worker) settle(d amqp.Delivery, ok, requeue bool, attrs ...slog.Attr) {
	var err error
	op := "ack"
	if ok {
		err = d.Ack(false)
	} else {
		op = "nack"
		err = d.Nack(false, requeue)
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("op", op),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", err),
		)
		w.logger.LogAttrs(context.Background(), slog.LevelError, "Failed to settle delivery", attrs...)
	}
}

// setupConsumer applies the prefetch limit and opens the delivery stream
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Replay consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("routing_key", syncqueue.ReplayRoutingKey),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher feeds decoded replay requests to the pool until the
// delivery stream closes or ctx is done
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			if !w.dispatch(ctx, d) {
				return
			}
		}
	}
}

// dispatch reports false once ctx is done and the dispatcher must stop
func (w *Worker) dispatch(ctx context.Context, d amqp.Delivery) bool {
	req, err := syncqueue.ParseReplayRequest(d.Body)
	if err != nil {
		// Redelivering a body that cannot be parsed never succeeds
		w.logger.Error("Dropping malformed replay request",
			slog.Int("body_size", len(d.Body)),
			slog.Any("error", err),
		)
		w.settle(d, false, false)
		return true
	}

	select {
	case w.jobsChan <- &replayMessage{ClientID: req.ClientID, delivery: d}:
		return true
	case <-ctx.Done():
		w.settle(d, false, true, slog.String("client_id", req.ClientID))
		return false
	}
}
