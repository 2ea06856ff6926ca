package models

import "time"

// PushKind identifies the push provider a subscription belongs to.
type PushKind string

const (
	PushKindWebPush PushKind = "webpush"
	PushKindExpo    PushKind = "expo"
)

// PushSubscription is a durable delivery endpoint for a user.
type PushSubscription struct {
	ID         int        `db:"id" json:"id"`
	UserID     int        `db:"user_id" json:"user_id"`
	Kind       PushKind   `db:"kind" json:"kind"`
	Endpoint   string     `db:"endpoint" json:"endpoint"`
	P256dh     string     `db:"p256dh" json:"-"`
	Auth       string     `db:"auth" json:"-"`
	Active     bool       `db:"active" json:"active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// EndpointDescriptor describes an endpoint a client opts into.
// For web push Endpoint is the browser push URL and the keys are required;
// for expo Endpoint carries the device push token.
type EndpointDescriptor struct {
	Kind     PushKind `json:"kind" binding:"required,oneof=webpush expo"`
	Endpoint string   `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushNotification is the provider-neutral message sent to an endpoint.
type PushNotification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Kind  EventKind         `json:"kind"`
	Data  map[string]string `json:"data,omitempty"`
}
