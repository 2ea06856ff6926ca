package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"realtime-service/internal/models"
)

// MessageFeed holds the visible message sequence of each chat.
// Live events and poll results both land here; ids are never duplicated.
type MessageFeed struct {
	mu    sync.RWMutex
	chats map[int][]models.Message
}

func NewMessageFeed() *MessageFeed {
	return &MessageFeed{chats: make(map[int][]models.Message)}
}

// ApplyLive appends msg unless the chat already shows a message with the same id.
func (f *MessageFeed) ApplyLive(msg models.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.chats[msg.ChatID] {
		if m.ID == msg.ID {
			return false
		}
	}
	f.chats[msg.ChatID] = append(f.chats[msg.ChatID], msg)
	return true
}

// ApplyPoll replaces the chat's sequence with a fetched page.
func (f *MessageFeed) ApplyPoll(chatID int, page []models.Message) {
	seen := make(map[int]struct{}, len(page))
	out := make([]models.Message, 0, len(page))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[chatID] = out
}

// Remove drops a deleted message.
func (f *MessageFeed) Remove(chatID, messageID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.chats[chatID]
	for i, m := range msgs {
		if m.ID == messageID {
			f.chats[chatID] = append(msgs[:i:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the chat's sequence.
func (f *MessageFeed) Messages(chatID int) []models.Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]models.Message(nil), f.chats[chatID]...)
}

// ReadMarker confirms read state with the server.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, notificationID int) error
	MarkAllAsRead(ctx context.Context) error
}

// NotificationFeed is the newest-first notification list with its unread counter.
type NotificationFeed struct {
	marker ReadMarker
	logger zerolog.Logger

	mu     sync.RWMutex
	items  []models.Notification
	unread int
	// ids read on this device; a later echo or poll page may still carry is_read=false
	readLocally map[int]struct{}
}

func NewNotificationFeed(marker ReadMarker, logger zerolog.Logger) *NotificationFeed {
	return &NotificationFeed{marker: marker, logger: logger, readLocally: make(map[int]struct{})}
}

// ApplyLive puts n at the front. An id already in the list is moved, not duplicated.
// The counter always equals the unread items in the list.
func (f *NotificationFeed) ApplyLive(n models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.readLocally[n.ID]; ok {
		n.IsRead = true
	}

	listed := false
	for i, existing := range f.items {
		if existing.ID == n.ID {
			listed = true
			switch {
			case existing.IsRead:
				n.IsRead = true
			case n.IsRead:
				f.decrementLocked(1)
			}
			f.items = append(f.items[:i:i], f.items[i+1:]...)
			break
		}
	}
	f.items = append([]models.Notification{n}, f.items...)

	if !listed && !n.IsRead {
		f.unread++
	}
}

// ApplyPoll replaces the list and recomputes the unread count.
func (f *NotificationFeed) ApplyPoll(page []models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items = f.items[:0:0]
	f.unread = 0
	listed := make(map[int]struct{}, len(page))
	for _, n := range page {
		if _, dup := listed[n.ID]; dup {
			continue
		}
		listed[n.ID] = struct{}{}
		if n.IsRead {
			delete(f.readLocally, n.ID)
		} else if _, ok := f.readLocally[n.ID]; ok {
			n.IsRead = true
		}
		f.items = append(f.items, n)
		if !n.IsRead {
			f.unread++
		}
	}
}

// MarkAsRead flips one notification locally, then confirms with the server.
func (f *NotificationFeed) MarkAsRead(ctx context.Context, id int) error {
	f.mu.Lock()
	for i := range f.items {
		if f.items[i].ID == id && !f.items[i].IsRead {
			f.items[i].IsRead = true
			f.decrementLocked(1)
			break
		}
	}
	f.readLocally[id] = struct{}{}
	f.mu.Unlock()

	if f.marker == nil {
		return nil
	}
	if err := f.marker.MarkAsRead(ctx, id); err != nil {
		f.logger.Warn().Err(err).Int("notification_id", id).Msg("mark as read failed")
		return err
	}
	return nil
}

// MarkAllAsRead flips every notification locally, then confirms with the server.
func (f *NotificationFeed) MarkAllAsRead(ctx context.Context) error {
	f.mu.Lock()
	for i := range f.items {
		f.items[i].IsRead = true
		f.readLocally[f.items[i].ID] = struct{}{}
	}
	f.decrementLocked(f.unread)
	f.mu.Unlock()

	if f.marker == nil {
		return nil
	}
	if err := f.marker.MarkAllAsRead(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("mark all as read failed")
		return err
	}
	return nil
}

func (f *NotificationFeed) decrementLocked(n int) {
	f.unread -= n
	if f.unread < 0 {
		f.unread = 0
	}
}

// UnreadCount never goes below zero.
func (f *NotificationFeed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.unread
}

// Items returns a copy of the list, newest first.
func (f *NotificationFeed) Items() []models.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]models.Notification(nil), f.items...)
}
