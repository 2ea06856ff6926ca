package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"realtime-service/internal/log"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
)

var ErrUnknownConnection = errors.New("unknown connection")

const presenceTimeout = 2 * time.Second

// PresenceTracker mirrors local membership into a shared presence store.
type PresenceTracker interface {
	Track(ctx context.Context, userID int, connID string) error
	Untrack(ctx context.Context, userID int, connID string) error
}

// Hub is the connection registry: live connections and the groups they belong to.
type Hub struct {
	clients map[string]*Client
	groups  map[string]map[string]*Client
	tracker PresenceTracker
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
	}
}

// SetTracker installs a presence tracker. Must be called before connections arrive.
func (h *Hub) SetTracker(tracker PresenceTracker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracker = tracker
}

// OnConnect registers a connection. Authenticated connections join their user group;
// unauthenticated ones stay ungrouped.
func (h *Hub) OnConnect(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	if c.UserID != 0 {
		h.addLocked(c, models.UserGroup(c.UserID))
	}
	tracker := h.tracker
	h.mu.Unlock()

	if tracker == nil || c.UserID == 0 {
		return
	}
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	// a disconnect that already ran must not be followed by a Track
	if !h.registered(c.ID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := tracker.Track(ctx, c.UserID, c.ID); err != nil {
		log.L().Warn().Err(err).Str(log.FieldConnID, c.ID).Msg("presence track failed")
	}
	c.tracked = true
}

func (h *Hub) registered(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// OnDisconnect removes a connection from every group and closes its send queue.
// It reports whether the connection was still registered.
func (h *Hub) OnDisconnect(connID string) bool {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	for group := range c.groups {
		h.removeLocked(c, group)
	}
	delete(h.clients, connID)
	tracker := h.tracker
	h.mu.Unlock()

	c.closeSend()

	if tracker != nil && c.UserID != 0 {
		c.presenceMu.Lock()
		if c.tracked {
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			if err := tracker.Untrack(ctx, c.UserID, c.ID); err != nil {
				log.L().Warn().Err(err).Str(log.FieldConnID, c.ID).Msg("presence untrack failed")
			}
			cancel()
			c.tracked = false
		}
		c.presenceMu.Unlock()
	}
	return true
}

// JoinResourceGroup adds the connection to the chat group.
// Callers are expected to have checked that the user may access the chat.
func (h *Hub) JoinResourceGroup(connID string, chatID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.addLocked(c, models.ChatGroup(chatID))
	return nil
}

// LeaveResourceGroup removes the connection from the chat group.
func (h *Hub) LeaveResourceGroup(connID string, chatID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.removeLocked(c, models.ChatGroup(chatID))
	return nil
}

// Snapshot returns the connections currently in group. An empty channel matches every channel.
func (h *Hub) Snapshot(group string, channel models.Channel) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.groups[group]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		if channel == "" || c.Channel == channel {
			out = append(out, c)
		}
	}
	return out
}

// Groups lists the groups a connection belongs to, sorted.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// LiveCount reports how many live connections the user has on any channel.
func (h *Hub) LiveCount(_ context.Context, userID int) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[models.UserGroup(userID)]), nil
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DisconnectUser force-closes every connection of the user and returns how many were closed.
func (h *Hub) DisconnectUser(userID int, reason string) int {
	clients := h.Snapshot(models.UserGroup(userID), "")
	for _, c := range clients {
		c.closeWithReason(reason)
		if h.OnDisconnect(c.ID) {
			observability.IncWSEvent(string(c.Channel), "ws_forced_disconnect")
		}
	}
	if len(clients) > 0 {
		log.L().Info().Int(log.FieldUserID, userID).Int("connections", len(clients)).Str("reason", reason).Msg("user disconnected")
	}
	return len(clients)
}

// Drop removes a connection that failed or fell behind and reports it as a ws_error.
func (h *Hub) Drop(c *Client, err error) {
	c.closeWithReason(err.Error())
	if h.OnDisconnect(c.ID) {
		publishLifecycle(context.Background(), c, "ws_error", err.Error())
	}
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.OnDisconnect(id)
	}
}

func (h *Hub) addLocked(c *Client, group string) {
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]*Client)
	}
	h.groups[group][c.ID] = c
	c.groups[group] = struct{}{}
}

func (h *Hub) removeLocked(c *Client, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(c.groups, group)
}
