package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"realtime-service/internal/broadcaster"
	"realtime-service/internal/config"
	"realtime-service/internal/log"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
)

var errDeliveriesClosed = errors.New("amqp delivery channel closed")

// EventBroadcaster is the sink for consumed domain events.
type EventBroadcaster interface {
	Broadcast(ctx context.Context, event models.DomainEvent) broadcaster.Report
}

// Consumer reads domain events that the write path publishes after commit.
// Deliveries are handled one at a time so events from one writer keep their order.
type Consumer struct {
	cfg         config.AMQPConfig
	broadcaster EventBroadcaster
}

func NewConsumer(cfg config.AMQPConfig, b EventBroadcaster) *Consumer {
	return &Consumer{cfg: cfg, broadcaster: b}
}

// Run consumes until ctx is done or the broker connection fails.
func (c *Consumer) Run(ctx context.Context) error {
	conn, ch, err := dialTopic(c.cfg.URL, c.cfg.EventsExchange)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	q, err := ch.QueueDeclare(c.cfg.EventsQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.EventsQueue, err)
	}
	if err := ch.QueueBind(q.Name, c.cfg.EventsBinding, c.cfg.EventsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "realtime-service", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	log.L().Info().Str("queue", q.Name).Str("exchange", c.cfg.EventsExchange).Msg("amqp consumer started")
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("amqp connection closed: %w", amqpErr)
			}
			return errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	l := log.L().With().Str("routing_key", d.RoutingKey).Logger()
	if requestID, ok := d.Headers["x-request-id"].(string); ok && requestID != "" {
		l = l.With().Str(log.FieldRequestID, requestID).Logger()
	}
	ctx = log.WithLogger(ctx, l)

	var event models.DomainEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.reject(ctx, d, err)
		return
	}
	if err := event.Validate(); err != nil {
		c.reject(ctx, d, err)
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.Timestamp
	}

	report := c.broadcaster.Broadcast(ctx, event)
	if err := d.Ack(false); err != nil {
		l.Warn().Err(err).Msg("amqp ack failed")
	}
	observability.IncAMQPConsumed("ok")

	l.Debug().
		Str(log.FieldEventKind, string(event.Kind)).
		Int("live", report.LiveDelivered).
		Int("push_attempted", report.PushAttempted).
		Msg("event broadcast")
}

// reject drops a poison message; requeueing it would only fail again.
func (c *Consumer) reject(ctx context.Context, d amqp.Delivery, cause error) {
	log.Ctx(ctx).Warn().Err(cause).Msg("rejecting malformed domain event")
	observability.IncAMQPConsumed("rejected")
	if err := d.Nack(false, false); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("amqp nack failed")
	}
}
