package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names what happened in the data layer.
type EventKind string

const (
	EventMessageCreated      EventKind = "message-created"
	EventMessageDeleted      EventKind = "message-deleted"
	EventChatUpdated         EventKind = "chat-updated"
	EventNotificationCreated EventKind = "notification-created"
	EventUserBanned          EventKind = "user-banned"
)

// Channel is a logical duplex channel a client keeps open.
type Channel string

const (
	ChannelChat          Channel = "chat"
	ChannelNotifications Channel = "notifications"
)

// Named server-to-client events.
const (
	ServerEventReceiveMessage      = "ReceiveMessage"
	ServerEventMessageDeleted      = "MessageDeleted"
	ServerEventChatUpdated         = "ChatUpdated"
	ServerEventReceiveNotification = "ReceiveNotification"
	ServerEventError               = "Error"
)

// Named client-to-server frames.
const (
	ClientFrameJoinChat  = "JoinChat"
	ClientFrameLeaveChat = "LeaveChat"
)

// DomainEvent is produced by the write path after commit and consumed by the broadcaster.
type DomainEvent struct {
	Kind          EventKind       `json:"kind"`
	TargetUserIDs []int           `json:"target_user_ids,omitempty"`
	ChatID        int             `json:"chat_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Validate checks that the event names a kind and at least one recipient.
func (e DomainEvent) Validate() error {
	switch e.Kind {
	case EventMessageCreated, EventMessageDeleted, EventChatUpdated, EventNotificationCreated, EventUserBanned:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if len(e.TargetUserIDs) == 0 && e.ChatID == 0 {
		return fmt.Errorf("event %s has no target", e.Kind)
	}
	if e.Kind == EventUserBanned && len(e.TargetUserIDs) == 0 {
		return fmt.Errorf("event %s requires target users", e.Kind)
	}
	return nil
}

// Channel returns the logical channel the event is delivered on.
func (e DomainEvent) Channel() Channel {
	if e.Kind == EventNotificationCreated {
		return ChannelNotifications
	}
	return ChannelChat
}

// ServerEventName maps the kind to the named event clients listen for.
func (e DomainEvent) ServerEventName() string {
	switch e.Kind {
	case EventMessageCreated:
		return ServerEventReceiveMessage
	case EventMessageDeleted:
		return ServerEventMessageDeleted
	case EventChatUpdated:
		return ServerEventChatUpdated
	case EventNotificationCreated:
		return ServerEventReceiveNotification
	default:
		return string(e.Kind)
	}
}

// ServerEvent is the envelope written to websocket clients.
type ServerEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientFrame is a message sent by a websocket client.
type ClientFrame struct {
	Type   string `json:"type"`
	ChatID int    `json:"chat_id"`
}

// ErrorData is the payload of an Error server event.
type ErrorData struct {
	Message string `json:"message"`
	ChatID  int    `json:"chat_id,omitempty"`
}

// UserGroup returns the user-scope group key.
func UserGroup(userID int) string {
	return fmt.Sprintf("user:%d", userID)
}

// ChatGroup returns the chat-scope group key.
func ChatGroup(chatID int) string {
	return fmt.Sprintf("chat:%d", chatID)
}

// Delivery is a resolved live fan-out: which groups on which channel get which frame.
// It is what travels between nodes in cluster mode.
type Delivery struct {
	Kind    EventKind       `json:"kind"`
	Channel Channel         `json:"channel"`
	Groups  []string        `json:"groups"`
	Frame   json.RawMessage `json:"frame,omitempty"`
	// UserIDs and Reason are set for forced disconnects instead of Frame.
	UserIDs []int  `json:"user_ids,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
