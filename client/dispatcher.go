package client

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"realtime-service/internal/models"
)

const dispatchBuffer = 256

// Dispatcher decodes server events into the feeds on its own goroutine,
// so the channel read loops only enqueue.
type Dispatcher struct {
	messages      *MessageFeed
	notifications *NotificationFeed
	logger        zerolog.Logger
	queue         chan []byte

	// OnChatUpdated is called for ChatUpdated events, typically to refetch the chat list.
	OnChatUpdated func(chatID int)
	// OnServerError receives Error events.
	OnServerError func(models.ErrorData)
}

func NewDispatcher(messages *MessageFeed, notifications *NotificationFeed, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		messages:      messages,
		notifications: notifications,
		logger:        logger,
		queue:         make(chan []byte, dispatchBuffer),
	}
}

// Enqueue hands a raw frame over without blocking. A full queue drops the frame;
// the next poll repairs the feed.
func (d *Dispatcher) Enqueue(frame []byte) bool {
	select {
	case d.queue <- frame:
		return true
	default:
		d.logger.Warn().Msg("dispatch queue full, frame dropped")
		return false
	}
}

// Run applies queued frames until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-d.queue:
			if err := d.Apply(frame); err != nil {
				d.logger.Debug().Err(err).Msg("undecodable server event")
			}
		}
	}
}

// Apply decodes one frame and routes it.
func (d *Dispatcher) Apply(frame []byte) error {
	var env models.ServerEvent
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}

	switch env.Event {
	case models.ServerEventReceiveMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return err
		}
		d.messages.ApplyLive(msg)
	case models.ServerEventMessageDeleted:
		var del models.MessageDeleted
		if err := json.Unmarshal(env.Data, &del); err != nil {
			return err
		}
		d.messages.Remove(del.ChatID, del.MessageID)
	case models.ServerEventChatUpdated:
		var upd models.ChatUpdated
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			return err
		}
		if d.OnChatUpdated != nil {
			d.OnChatUpdated(upd.ChatID)
		}
	case models.ServerEventReceiveNotification:
		var n models.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return err
		}
		d.notifications.ApplyLive(n)
	case models.ServerEventError:
		var e models.ErrorData
		_ = json.Unmarshal(env.Data, &e)
		if d.OnServerError != nil {
			d.OnServerError(e)
		}
	default:
		d.logger.Debug().Str("event", env.Event).Msg("ignoring unknown server event")
	}
	return nil
}
