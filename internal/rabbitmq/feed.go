package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"inbox-service/internal/models"
	"inbox-service/internal/observability"
)

const feedRoutingPrefix = "feed."

// EventSink receives change events consumed from the broker.
type EventSink interface {
	PublishEvent(ctx context.Context, event models.ChangeEvent) error
}

// RoutingKey maps a topic onto the exchange's dotted routing keys.
func RoutingKey(topic models.Topic) string {
	return feedRoutingPrefix + strings.Replace(string(topic), ":", ".", 1)
}

// ChangePublisher publishes change events to the exchange so every service instance can fan
// them out to its own sockets.
type ChangePublisher struct {
	pub Publisher
}

// NewChangePublisher wraps a Publisher.
func NewChangePublisher(pub Publisher) *ChangePublisher {
	return &ChangePublisher{pub: pub}
}

// PublishEvent implements handlers.EventPublisher.
func (p *ChangePublisher) PublishEvent(ctx context.Context, event models.ChangeEvent) error {
	return p.pub.Publish(ctx, RoutingKey(event.Topic), event)
}

// ConsumeFeed binds an exclusive queue for this instance and forwards every change event to sink
// until ctx is cancelled or the channel closes.
func ConsumeFeed(ctx context.Context, p Publisher, sink EventSink, log *zap.Logger) error {
	ap, ok := p.(*amqpPublisher)
	if !ok {
		return ErrDisabled
	}

	ch, err := ap.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare feed queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, feedRoutingPrefix+"#", ap.exchange, false, nil); err != nil {
		return fmt.Errorf("bind feed queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume feed queue: %w", err)
	}
	log.Info("rabbitmq feed consumer started", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("feed deliveries closed")
			}
			handleDelivery(ctx, d, sink, log)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, sink EventSink, log *zap.Logger) {
	if id, ok := d.Headers["x-request-id"].(string); ok {
		log = log.With(zap.String("request_id", id))
		ctx = observability.WithRequestID(ctx, id)
	}
	var event models.ChangeEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		log.Warn("dropping malformed feed event", zap.String("routing_key", d.RoutingKey), zap.Error(err))
		return
	}
	if _, _, err := event.Topic.Parse(); err != nil {
		log.Warn("dropping feed event with bad topic", zap.String("routing_key", d.RoutingKey), zap.Error(err))
		return
	}
	if err := sink.PublishEvent(ctx, event); err != nil {
		log.Warn("feed sink failed", zap.Error(err))
	}
}
