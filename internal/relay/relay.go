package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"realtime-service/internal/log"
	"realtime-service/internal/models"
)

// LocalDeliverer applies a delivery to the connections held by this node.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, d models.Delivery) int
}

// RedisRelay fans deliveries out to every node through Redis pub/sub.
// The publishing node receives its own message and delivers through the same path.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   LocalDeliverer
	ready   chan struct{}

	subscribed atomic.Bool
}

func NewRedisRelay(client *redis.Client, channel string, local LocalDeliverer) *RedisRelay {
	if channel == "" {
		channel = "realtime:events"
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		ready:   make(chan struct{}),
	}
}

// Publish sends a delivery to all nodes. While this node has no active subscription,
// during startup or a resubscribe gap, the delivery is also applied locally.
func (r *RedisRelay) Publish(ctx context.Context, d models.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	receivers, err := r.client.Publish(ctx, r.channel, body).Result()
	if err != nil {
		return err
	}
	if receivers == 0 || !r.subscribed.Load() {
		r.local.DeliverLocal(ctx, d)
	}
	return nil
}

// Ready is closed once the first subscription is active.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run subscribes and delivers until ctx is done, resubscribing on receive errors.
func (r *RedisRelay) Run(ctx context.Context) error {
	l := log.L()
	for {
		err := r.runSubscription(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Warn().Err(err).Str("channel", r.channel).Msg("relay subscription error, reconnecting in 2s")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (r *RedisRelay) runSubscription(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	select {
	case <-r.ready:
	default:
		close(r.ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			r.handleMessage(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handleMessage(ctx context.Context, payload string) {
	var d models.Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		log.L().Warn().Err(err).Msg("relay: invalid payload")
		return
	}
	r.local.DeliverLocal(ctx, d)
}
