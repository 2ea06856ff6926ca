package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/models"
)

func TestPollerDefaultInterval(t *testing.T) {
	p := NewPoller(0, zerolog.Nop())
	assert.Equal(t, 3*time.Second, p.interval)
}

func TestPollerFeedsApplyPoll(t *testing.T) {
	messages := NewMessageFeed()
	inbox := NewNotificationFeed(nil, zerolog.Nop())
	messages.ApplyLive(msg(5, 2))

	p := NewPoller(time.Hour, zerolog.Nop())
	p.Add("messages", PollMessages(5, func(_ context.Context, chatID int) ([]models.Message, error) {
		return []models.Message{msg(chatID, 1), msg(chatID, 2)}, nil
	}, messages))
	p.Add("notifications", PollNotifications(func(context.Context) ([]models.Notification, error) {
		return []models.Notification{notif(1, false)}, nil
	}, inbox))

	p.PollOnce(context.Background())

	assert.Equal(t, []int{1, 2}, ids(messages.Messages(5)))
	assert.Equal(t, 1, inbox.UnreadCount())
}

func TestPollerKeepsGoingAfterFailure(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(5*time.Millisecond, zerolog.Nop())
	p.Add("flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("503")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
