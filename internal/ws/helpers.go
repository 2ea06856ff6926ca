package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"realtime-service/internal/observability"
)

func newConnID() string {
	return uuid.NewString()
}

func wsRoutingKey(channel string) string {
	return "ws_events." + channel
}

// publishLifecycle reports connect/disconnect/error transitions to metrics and the event bus.
func publishLifecycle(ctx context.Context, c *Client, event, reason string) {
	channel := string(c.Channel)
	observability.IncWSEvent(channel, event)
	_ = observability.PublishEvent(ctx, wsRoutingKey(channel), observability.EventEnvelope{
		EventType:  "ws_events",
		EventName:  event,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"channel":     channel,
				"event":       event,
				"conn_id":     c.ID,
				"duration_ms": c.Info.Age().Milliseconds(),
				"reason":      reason,
			},
			"identity": c.Info.identity(),
		},
	}, c.Info.headers())
}
