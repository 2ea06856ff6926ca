package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"realtime-service/internal/log"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/push"
	"realtime-service/internal/ws"
)

const banReason = "account banned"

// Registry is the part of the connection registry the broadcaster reads.
type Registry interface {
	Snapshot(group string, channel models.Channel) []*ws.Client
	Drop(c *ws.Client, err error)
	DisconnectUser(userID int, reason string) int
}

// Presence reports whether a user has any live connection.
type Presence interface {
	LiveCount(ctx context.Context, userID int) (int, error)
}

// SubscriptionStore is the read side of the push subscription store plus the two
// status updates the fallback path is allowed to make.
type SubscriptionStore interface {
	ListActive(ctx context.Context, userID int) ([]models.PushSubscription, error)
	Deactivate(ctx context.Context, id int) error
	MarkUsed(ctx context.Context, id int) error
}

// Relay fans a delivery out to every node. Nil in single-node mode.
type Relay interface {
	Publish(ctx context.Context, d models.Delivery) error
}

// Report summarises one Broadcast call.
type Report struct {
	LiveDelivered int
	PushAttempted int
	PushGone      int
	PushFailed    int
	Disconnected  int
}

// Broadcaster delivers domain events to live connections, falling back to durable push
// for users that have none.
type Broadcaster struct {
	hub         Registry
	presence    Presence
	store       SubscriptionStore
	sender      push.Sender
	relay       Relay
	concurrency int
}

type Option func(*Broadcaster)

// WithPresence replaces the registry-local presence (cluster mode).
func WithPresence(p Presence) Option {
	return func(b *Broadcaster) { b.presence = p }
}

// WithRelay routes live deliveries through a cross-node relay.
func WithRelay(r Relay) Option {
	return func(b *Broadcaster) { b.relay = r }
}

// WithConcurrency bounds concurrent push sends per Broadcast call.
func WithConcurrency(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// New builds a Broadcaster. hub doubles as the presence source unless WithPresence is given.
func New(hub *ws.Hub, store SubscriptionStore, sender push.Sender, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		hub:         hub,
		presence:    hub,
		store:       store,
		sender:      sender,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetRelay installs the cluster relay after construction, since the relay itself needs the
// broadcaster as its local deliverer. Call before the first Broadcast.
func (b *Broadcaster) SetRelay(r Relay) {
	b.relay = r
}

// Broadcast delivers event to its recipients. Failures are logged and counted, never returned:
// the write that produced the event has already committed.
func (b *Broadcaster) Broadcast(ctx context.Context, event models.DomainEvent) Report {
	ctx, span := observability.Tracer().Start(ctx, "broadcast", trace.WithAttributes(
		attribute.String("event.kind", string(event.Kind)),
		attribute.Int("event.targets", len(event.TargetUserIDs)),
		attribute.Int("event.chat_id", event.ChatID),
	))
	defer span.End()

	l := log.Ctx(ctx).With().Str(log.FieldEventKind, string(event.Kind)).Logger()
	var report Report

	if err := event.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		l.Warn().Err(err).Msg("dropping invalid event")
		return report
	}

	if event.Kind == models.EventUserBanned {
		report.Disconnected = b.deliver(ctx, models.Delivery{
			Kind:    event.Kind,
			UserIDs: uniqueUsers(event.TargetUserIDs),
			Reason:  banReason,
		})
		return report
	}

	frame, err := json.Marshal(models.ServerEvent{Event: event.ServerEventName(), Data: event.Payload})
	if err != nil {
		l.Error().Err(err).Msg("encode server event")
		return report
	}
	channel := event.Channel()

	// chat-scope events reach whoever has the chat open; there is no offline recipient to push to
	if len(event.TargetUserIDs) == 0 {
		report.LiveDelivered = b.deliver(ctx, models.Delivery{
			Kind:    event.Kind,
			Channel: channel,
			Groups:  []string{models.ChatGroup(event.ChatID)},
			Frame:   frame,
		})
		observability.IncBroadcast(string(event.Kind), "live")
		return report
	}

	var liveGroups []string
	var offline []int
	for _, userID := range uniqueUsers(event.TargetUserIDs) {
		n, err := b.presence.LiveCount(ctx, userID)
		switch {
		case err != nil:
			// unknown presence: try both paths, the client merges duplicates
			l.Warn().Err(err).Int(log.FieldUserID, userID).Msg("presence lookup failed")
			liveGroups = append(liveGroups, models.UserGroup(userID))
			offline = append(offline, userID)
		case n > 0:
			liveGroups = append(liveGroups, models.UserGroup(userID))
			observability.IncBroadcast(string(event.Kind), "live")
		default:
			offline = append(offline, userID)
		}
	}

	if len(liveGroups) > 0 {
		report.LiveDelivered = b.deliver(ctx, models.Delivery{
			Kind:    event.Kind,
			Channel: channel,
			Groups:  liveGroups,
			Frame:   frame,
		})
	}

	if len(offline) > 0 {
		b.fallback(ctx, event, offline, &report)
	}

	span.SetAttributes(
		attribute.Int("broadcast.live", report.LiveDelivered),
		attribute.Int("broadcast.push_attempted", report.PushAttempted),
	)
	return report
}

func (b *Broadcaster) deliver(ctx context.Context, d models.Delivery) int {
	if b.relay != nil {
		err := b.relay.Publish(ctx, d)
		if err == nil {
			return 0
		}
		log.Ctx(ctx).Warn().Err(err).Msg("relay publish failed, delivering locally")
	}
	return b.DeliverLocal(ctx, d)
}

// DeliverLocal applies a delivery to this node's connections and returns how many
// connections were reached. Each connection gets the frame at most once.
func (b *Broadcaster) DeliverLocal(ctx context.Context, d models.Delivery) int {
	if d.Kind == models.EventUserBanned {
		closed := 0
		for _, userID := range d.UserIDs {
			closed += b.hub.DisconnectUser(userID, d.Reason)
		}
		return closed
	}

	seen := make(map[string]struct{})
	delivered := 0
	for _, group := range d.Groups {
		for _, c := range b.hub.Snapshot(group, d.Channel) {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}

			if err := c.Enqueue(d.Frame); err != nil {
				if errors.Is(err, ws.ErrSendBufferFull) {
					log.Ctx(ctx).Warn().Str(log.FieldConnID, c.ID).Str(log.FieldGroup, group).Msg("slow consumer dropped")
					b.hub.Drop(c, err)
				}
				continue
			}
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) fallback(ctx context.Context, event models.DomainEvent, users []int, report *Report) {
	n, ok := push.NotificationFromEvent(event)
	if !ok {
		for range users {
			observability.IncBroadcast(string(event.Kind), "none")
		}
		return
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.concurrency)

	for _, userID := range users {
		subs, err := b.store.ListActive(ctx, userID)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Int(log.FieldUserID, userID).Msg("list push subscriptions")
			continue
		}
		if len(subs) == 0 {
			observability.IncBroadcast(string(event.Kind), "none")
			continue
		}
		observability.IncBroadcast(string(event.Kind), "push")

		for _, sub := range subs {
			sub := sub
			g.Go(func() error {
				result := b.sendOne(ctx, sub, n)
				mu.Lock()
				report.PushAttempted++
				switch result {
				case resultGone:
					report.PushGone++
				case resultFailed:
					report.PushFailed++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
}

type sendResult int

const (
	resultSent sendResult = iota
	resultGone
	resultFailed
)

func (b *Broadcaster) sendOne(ctx context.Context, sub models.PushSubscription, n models.PushNotification) sendResult {
	l := log.Ctx(ctx).With().Int(log.FieldUserID, sub.UserID).Int(log.FieldSubscription, sub.ID).Logger()

	err := b.sender.Send(ctx, sub, n)
	switch {
	case err == nil:
		if err := b.store.MarkUsed(ctx, sub.ID); err != nil {
			l.Warn().Err(err).Msg("mark subscription used")
		}
		return resultSent
	case errors.Is(err, push.ErrEndpointGone):
		if err := b.store.Deactivate(ctx, sub.ID); err != nil {
			l.Error().Err(err).Msg("deactivate gone subscription")
		} else {
			l.Info().Msg("push endpoint gone, subscription deactivated")
		}
		return resultGone
	default:
		l.Warn().Err(err).Str("kind", string(sub.Kind)).Msg("push send failed")
		return resultFailed
	}
}

func uniqueUsers(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
