package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/config"
	"realtime-service/internal/models"
)

func newTestClient(id string, channel models.Channel, userID int) *Client {
	return NewClient(nil, channel, ConnInfo{ConnID: id, UserID: userID}, config.WebSocketConfig{SendBuffer: 4})
}

func TestHubConnectJoinsUserGroup(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c1", models.ChannelChat, 7)

	hub.OnConnect(c)

	assert.Equal(t, []string{"user:7"}, hub.Groups("c1"))
	n, err := hub.LiveCount(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHubAnonymousConnectionStaysUngrouped(t *testing.T) {
	hub := NewHub()
	hub.OnConnect(newTestClient("anon", models.ChannelChat, 0))

	assert.Equal(t, 1, hub.Count())
	assert.Empty(t, hub.Groups("anon"))
}

func TestHubJoinAndLeaveResourceGroup(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c1", models.ChannelChat, 7)
	hub.OnConnect(c)

	require.NoError(t, hub.JoinResourceGroup("c1", 3))
	assert.Equal(t, []string{"chat:3", "user:7"}, hub.Groups("c1"))
	assert.Len(t, hub.Snapshot("chat:3", models.ChannelChat), 1)

	require.NoError(t, hub.LeaveResourceGroup("c1", 3))
	assert.Equal(t, []string{"user:7"}, hub.Groups("c1"))
	assert.Empty(t, hub.Snapshot("chat:3", ""))

	assert.ErrorIs(t, hub.JoinResourceGroup("missing", 3), ErrUnknownConnection)
}

func TestHubDisconnectIsIdempotent(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c1", models.ChannelChat, 7)
	hub.OnConnect(c)
	require.NoError(t, hub.JoinResourceGroup("c1", 3))

	assert.True(t, hub.OnDisconnect("c1"))
	assert.False(t, hub.OnDisconnect("c1"))

	assert.Zero(t, hub.Count())
	assert.Empty(t, hub.Snapshot("user:7", ""))
	assert.Empty(t, hub.Snapshot("chat:3", ""))
	assert.ErrorIs(t, c.Enqueue([]byte("x")), ErrClientClosed)
}

func TestHubSnapshotFiltersChannel(t *testing.T) {
	hub := NewHub()
	hub.OnConnect(newTestClient("chat", models.ChannelChat, 7))
	hub.OnConnect(newTestClient("notif", models.ChannelNotifications, 7))

	assert.Len(t, hub.Snapshot("user:7", ""), 2)
	only := hub.Snapshot("user:7", models.ChannelNotifications)
	require.Len(t, only, 1)
	assert.Equal(t, "notif", only[0].ID)
}

func TestHubConcurrentJoinLeaveNetEffect(t *testing.T) {
	hub := NewHub()
	const conns = 20
	for i := 0; i < conns; i++ {
		hub.OnConnect(newTestClient(fmt.Sprintf("c%d", i), models.ChannelChat, i+1))
	}

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		id := fmt.Sprintf("c%d", i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				_ = hub.JoinResourceGroup(id, 1)
				_ = hub.JoinResourceGroup(id, 2)
				_ = hub.LeaveResourceGroup(id, 1)
				_ = hub.Snapshot("chat:2", models.ChannelChat)
			}
			// odd connections end outside chat 2
			if i%2 == 1 {
				_ = hub.LeaveResourceGroup(id, 2)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, hub.Snapshot("chat:1", ""))
	assert.Len(t, hub.Snapshot("chat:2", ""), conns/2)
	for i := 0; i < conns; i++ {
		groups := hub.Groups(fmt.Sprintf("c%d", i))
		assert.Contains(t, groups, models.UserGroup(i+1))
	}
}

func TestHubDisconnectUserClosesEveryConnection(t *testing.T) {
	hub := NewHub()
	a := newTestClient("a", models.ChannelChat, 7)
	b := newTestClient("b", models.ChannelNotifications, 7)
	hub.OnConnect(a)
	hub.OnConnect(b)
	hub.OnConnect(newTestClient("c", models.ChannelChat, 8))

	assert.Equal(t, 2, hub.DisconnectUser(7, "banned"))
	assert.Equal(t, 1, hub.Count())
	assert.Zero(t, hub.DisconnectUser(7, "banned"))
}

type recordingTracker struct {
	mu      sync.Mutex
	tracked map[string]int
}

func (r *recordingTracker) Track(_ context.Context, userID int, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[connID] = userID
	return nil
}

func (r *recordingTracker) Untrack(_ context.Context, _ int, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, connID)
	return nil
}

func TestHubMirrorsPresence(t *testing.T) {
	tracker := &recordingTracker{tracked: map[string]int{}}
	hub := NewHub()
	hub.SetTracker(tracker)

	hub.OnConnect(newTestClient("a", models.ChannelChat, 7))
	hub.OnConnect(newTestClient("anon", models.ChannelChat, 0))
	assert.Equal(t, map[string]int{"a": 7}, tracker.tracked)

	hub.OnDisconnect("a")
	assert.Empty(t, tracker.tracked)
}

type gatedTracker struct {
	recordingTracker
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTracker) Track(ctx context.Context, userID int, connID string) error {
	close(g.entered)
	<-g.release
	return g.recordingTracker.Track(ctx, userID, connID)
}

func TestHubUntrackWaitsForInFlightTrack(t *testing.T) {
	tracker := &gatedTracker{
		recordingTracker: recordingTracker{tracked: map[string]int{}},
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	hub := NewHub()
	hub.SetTracker(tracker)

	connected := make(chan struct{})
	go func() {
		hub.OnConnect(newTestClient("a", models.ChannelChat, 7))
		close(connected)
	}()
	<-tracker.entered

	disconnected := make(chan struct{})
	go func() {
		hub.OnDisconnect("a")
		close(disconnected)
	}()
	time.Sleep(20 * time.Millisecond)
	close(tracker.release)
	<-connected
	<-disconnected

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.tracked)
}

func TestHubPresenceMatchesRegistryUnderChurn(t *testing.T) {
	tracker := &recordingTracker{tracked: map[string]int{}}
	hub := NewHub()
	hub.SetTracker(tracker)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("c%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.OnConnect(newTestClient(id, models.ChannelChat, 7))
		}()
		go func() {
			defer wg.Done()
			hub.OnDisconnect(id)
		}()
	}
	wg.Wait()

	hub.mu.RLock()
	registered := make(map[string]struct{}, len(hub.clients))
	for id := range hub.clients {
		registered[id] = struct{}{}
	}
	hub.mu.RUnlock()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	require.Len(t, tracker.tracked, len(registered))
	for id := range tracker.tracked {
		assert.Contains(t, registered, id)
	}
}

func TestClientEnqueueFullBuffer(t *testing.T) {
	c := NewClient(nil, models.ChannelChat, ConnInfo{ConnID: "x", UserID: 1}, config.WebSocketConfig{SendBuffer: 1})

	require.NoError(t, c.Enqueue([]byte("1")))
	assert.ErrorIs(t, c.Enqueue([]byte("2")), ErrSendBufferFull)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})

	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/ws/chat", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("https://app.example.com")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, originChecker(nil)(req("https://anything.example.com")))
}

func TestNewConnInfoFromHandshake(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "/ws/chat?device_id=phone-1", nil)
	require.NoError(t, err)
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	r.Header.Set("X-Request-Id", "req-header")

	info := newConnInfo(r, 7, "", "trace-1")

	assert.NotEmpty(t, info.ConnID)
	assert.Equal(t, 7, info.UserID)
	assert.Equal(t, "phone-1", info.DeviceID)
	assert.Equal(t, "10.0.0.1", info.IP)
	assert.Equal(t, "req-header", info.RequestID)
	assert.Equal(t, map[string]interface{}{"user_id": 7, "device_id": "phone-1", "ip": "10.0.0.1"}, info.identity())
	assert.Equal(t, "trace-1", info.headers()["trace_id"])

	assert.Equal(t, "req-gin", newConnInfo(r, 7, "req-gin", "").RequestID)
	assert.Zero(t, ConnInfo{}.Age())
}

func TestTruncateReasonKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))

	ascii := strings.Repeat("a", 200)
	assert.Len(t, truncateReason(ascii), maxCloseReason)

	// é spans bytes 119 and 120
	split := strings.Repeat("a", 119) + "é" + strings.Repeat("b", 10)
	got := truncateReason(split)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 119), got)

	euros := strings.Repeat("€", 60)
	got = truncateReason(euros)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxCloseReason)
	assert.Equal(t, strings.Repeat("€", 40), got)
}
