package push

import (
	"context"
	"errors"
	"fmt"

	"realtime-service/internal/models"
)

// ErrEndpointGone means the provider no longer accepts deliveries for the endpoint.
var ErrEndpointGone = errors.New("push endpoint gone")

// Sender delivers one notification to one subscription.
type Sender interface {
	Send(ctx context.Context, sub models.PushSubscription, n models.PushNotification) error
}

// StatusError is a non-success provider response.
type StatusError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
}
