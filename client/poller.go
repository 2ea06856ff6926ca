package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"realtime-service/internal/models"
)

// DefaultPollInterval is how often REST state is refetched.
const DefaultPollInterval = 3 * time.Second

// PollFunc fetches one resource and applies it to a feed.
type PollFunc func(ctx context.Context) error

type pollTask struct {
	name string
	fn   PollFunc
}

// Poller refreshes feeds from the REST API, which stays authoritative over the live channel.
type Poller struct {
	interval time.Duration
	logger   zerolog.Logger
	tasks    []pollTask
}

func NewPoller(interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{interval: interval, logger: logger}
}

// Add registers a task. Not safe to call after Run.
func (p *Poller) Add(name string, fn PollFunc) {
	p.tasks = append(p.tasks, pollTask{name: name, fn: fn})
}

// Run polls once immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs every task once. Failures are logged and retried on the next tick.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, t := range p.tasks {
		if err := t.fn(ctx); err != nil && ctx.Err() == nil {
			p.logger.Debug().Err(err).Str("task", t.name).Msg("poll failed")
		}
	}
}

// PollMessages builds a task that refreshes one chat.
func PollMessages(chatID int, fetch func(ctx context.Context, chatID int) ([]models.Message, error), feed *MessageFeed) PollFunc {
	return func(ctx context.Context) error {
		page, err := fetch(ctx, chatID)
		if err != nil {
			return err
		}
		feed.ApplyPoll(chatID, page)
		return nil
	}
}

// PollNotifications builds a task that refreshes the notification list.
func PollNotifications(fetch func(ctx context.Context) ([]models.Notification, error), feed *NotificationFeed) PollFunc {
	return func(ctx context.Context) error {
		page, err := fetch(ctx)
		if err != nil {
			return err
		}
		feed.ApplyPoll(page)
		return nil
	}
}
