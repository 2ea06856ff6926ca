package push

import (
	"encoding/json"
	"strconv"

	"realtime-service/internal/models"
)

const maxBodyLen = 140

// NotificationFromEvent builds the push payload for an event.
// ok is false for kinds that are only meaningful to a live client.
func NotificationFromEvent(event models.DomainEvent) (models.PushNotification, bool) {
	n := models.PushNotification{
		Kind: event.Kind,
		Data: map[string]string{"kind": string(event.Kind)},
	}
	if event.ChatID != 0 {
		n.Data["chat_id"] = strconv.Itoa(event.ChatID)
	}

	switch event.Kind {
	case models.EventMessageCreated:
		var msg models.Message
		_ = json.Unmarshal(event.Payload, &msg)
		n.Title = "New message"
		n.Body = truncate(msg.Content)
		if msg.ID != 0 {
			n.Data["message_id"] = strconv.Itoa(msg.ID)
		}
		if msg.ChatID != 0 {
			n.Data["chat_id"] = strconv.Itoa(msg.ChatID)
		}
		return n, true
	case models.EventNotificationCreated:
		var notif models.Notification
		_ = json.Unmarshal(event.Payload, &notif)
		n.Title = "New notification"
		n.Body = truncate(notif.Text)
		if notif.ID != 0 {
			n.Data["notification_id"] = strconv.Itoa(notif.ID)
		}
		if notif.Type != "" {
			n.Data["type"] = notif.Type
		}
		return n, true
	default:
		return models.PushNotification{}, false
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxBodyLen {
		return s
	}
	return string(r[:maxBodyLen-1]) + "…"
}
