package models

import "time"

// Message is the payload of a ReceiveMessage event.
type Message struct {
	ID        int       `json:"id"`
	ChatID    int       `json:"chat_id"`
	SenderID  int       `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageDeleted is the payload of a MessageDeleted event.
type MessageDeleted struct {
	ChatID    int `json:"chat_id"`
	MessageID int `json:"message_id"`
}

// ChatUpdated is the payload of a ChatUpdated event.
type ChatUpdated struct {
	ChatID int `json:"chat_id"`
}

// Notification is the payload of a ReceiveNotification event.
type Notification struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Type      string    `json:"type"`
	ActorID   int       `json:"actor_id,omitempty"`
	StatusID  int       `json:"status_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}
