package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"realtime-service/internal/log"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
)

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type guardedSender struct {
	sender Sender
	cb     *gobreaker.CircuitBreaker[struct{}]
}

// Router dispatches each subscription to the sender for its kind.
// A provider that keeps failing is short-circuited so it cannot stall the fallback path.
type Router struct {
	senders map[models.PushKind]guardedSender
}

func NewRouter(cfg BreakerConfig, senders map[models.PushKind]Sender) *Router {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	r := &Router{senders: make(map[models.PushKind]guardedSender, len(senders))}
	for kind, sender := range senders {
		r.senders[kind] = guardedSender{
			sender: sender,
			cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:        "push-" + string(kind),
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     cfg.OpenTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.L().Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("push breaker state changed")
				},
				// a gone endpoint is a healthy provider answer
				IsSuccessful: func(err error) bool {
					return err == nil || errors.Is(err, ErrEndpointGone)
				},
			}),
		}
	}
	return r
}

func (r *Router) Send(ctx context.Context, sub models.PushSubscription, n models.PushNotification) error {
	g, ok := r.senders[sub.Kind]
	if !ok {
		observability.IncPushSend(string(sub.Kind), "unsupported")
		return fmt.Errorf("no push sender for kind %q", sub.Kind)
	}

	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.sender.Send(ctx, sub, n)
	})

	switch {
	case err == nil:
		observability.IncPushSend(string(sub.Kind), "success")
	case errors.Is(err, ErrEndpointGone):
		observability.IncPushSend(string(sub.Kind), "gone")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.IncPushSend(string(sub.Kind), "rejected")
	default:
		observability.IncPushSend(string(sub.Kind), "error")
	}
	return err
}
