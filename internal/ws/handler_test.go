package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/auth"
	"realtime-service/internal/broadcaster"
	"realtime-service/internal/config"
	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/ws"
)

type fixture struct {
	hub      *ws.Hub
	server   *httptest.Server
	verifier *auth.JWTVerifier
	bans     *mocks.BanCheckerMock
	chats    *mocks.ChatAccessMock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		hub:      ws.NewHub(),
		verifier: auth.NewJWTVerifier("test-secret", ""),
		bans:     new(mocks.BanCheckerMock),
		chats:    new(mocks.ChatAccessMock),
	}
	handler := ws.NewHandler(f.hub, f.verifier, f.bans, f.chats, config.WebSocketConfig{
		SendBuffer:   16,
		JoinRate:     100,
		JoinBurst:    100,
		PingInterval: time.Second,
	})
	router := gin.New()
	handler.Register(router)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) token(t *testing.T, userID int) string {
	t.Helper()
	token, err := f.verifier.IssueToken(userID, time.Minute)
	require.NoError(t, err)
	return token
}

func (f *fixture) dial(t *testing.T, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (f *fixture) connID(t *testing.T, userID int, channel models.Channel) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		clients := f.hub.Snapshot(models.UserGroup(userID), channel)
		if len(clients) == 0 {
			return false
		}
		id = clients[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt models.ServerEvent
	require.NoError(t, json.Unmarshal(raw, &evt))
	return evt
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	_, resp, err := f.dial(t, "/ws/chat", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)

	_, resp, err := f.dial(t, "/ws/chat", "not-a-jwt")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsBannedUser(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(true, nil).Once()

	_, resp, err := f.dial(t, "/ws/notifications", f.token(t, 7))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, f.hub.Count())
}

func TestHandshakeBanLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, assert.AnError).Once()

	_, resp, err := f.dial(t, "/ws/chat", f.token(t, 7))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandshakeAcceptsAuthorizationHeader(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, nil).Once()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/chat"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, 7))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	f.connID(t, 7, models.ChannelChat)
}

func TestJoinChatRequiresParticipation(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, nil)
	f.chats.On("IsParticipant", mock.Anything, 4, 7).Return(true, nil).Once()
	f.chats.On("IsParticipant", mock.Anything, 5, 7).Return(false, nil).Once()

	conn, _, err := f.dial(t, "/ws/chat", f.token(t, 7))
	require.NoError(t, err)
	id := f.connID(t, 7, models.ChannelChat)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.ClientFrameJoinChat, ChatID: 4}))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"chat:4", "user:7"}, f.hub.Groups(id))
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.ClientFrameJoinChat, ChatID: 5}))
	evt := readEvent(t, conn)
	assert.Equal(t, models.ServerEventError, evt.Event)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(evt.Data, &data))
	assert.Equal(t, 5, data.ChatID)
	assert.Equal(t, []string{"chat:4", "user:7"}, f.hub.Groups(id))

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.ClientFrameLeaveChat, ChatID: 4}))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"user:7"}, f.hub.Groups(id))
	}, 2*time.Second, 10*time.Millisecond)
	f.chats.AssertExpectations(t)
}

func TestJoinChatOnNotificationChannelIsRejected(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, nil)

	conn, _, err := f.dial(t, "/ws/notifications", f.token(t, 7))
	require.NoError(t, err)
	f.connID(t, 7, models.ChannelNotifications)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.ClientFrameJoinChat, ChatID: 4}))
	assert.Equal(t, models.ServerEventError, readEvent(t, conn).Event)
	f.chats.AssertNotCalled(t, "IsParticipant", mock.Anything, mock.Anything, mock.Anything)
}

func TestMalformedFrameGetsErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, nil)

	conn, _, err := f.dial(t, "/ws/chat", f.token(t, 7))
	require.NoError(t, err)
	f.connID(t, 7, models.ChannelChat)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, models.ServerEventError, readEvent(t, conn).Event)
}

func TestLiveDeliveryEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 2).Return(false, nil)
	store := new(mocks.PushStoreMock)
	b := broadcaster.New(f.hub, store, new(mocks.SenderMock))

	conn, _, err := f.dial(t, "/ws/chat", f.token(t, 2))
	require.NoError(t, err)
	f.connID(t, 2, models.ChannelChat)

	payload, _ := json.Marshal(models.Message{ID: 99, ChatID: 4, SenderID: 1, Content: "hello"})
	report := b.Broadcast(context.Background(), models.DomainEvent{Kind: models.EventMessageCreated, TargetUserIDs: []int{2}, ChatID: 4, Payload: payload})
	assert.Equal(t, 1, report.LiveDelivered)

	evt := readEvent(t, conn)
	assert.Equal(t, models.ServerEventReceiveMessage, evt.Event)
	var msg models.Message
	require.NoError(t, json.Unmarshal(evt.Data, &msg))
	assert.Equal(t, "hello", msg.Content)
	store.AssertNotCalled(t, "ListActive", mock.Anything, mock.Anything)
}

func TestBannedUserIsForceDisconnected(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 3).Return(false, nil)
	b := broadcaster.New(f.hub, new(mocks.PushStoreMock), new(mocks.SenderMock))

	chat, _, err := f.dial(t, "/ws/chat", f.token(t, 3))
	require.NoError(t, err)
	notif, _, err := f.dial(t, "/ws/notifications", f.token(t, 3))
	require.NoError(t, err)
	f.connID(t, 3, models.ChannelChat)
	f.connID(t, 3, models.ChannelNotifications)

	report := b.Broadcast(context.Background(), models.DomainEvent{Kind: models.EventUserBanned, TargetUserIDs: []int{3}})
	assert.Equal(t, 2, report.Disconnected)

	for _, conn := range []*websocket.Conn{chat, notif} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	}
	assert.Zero(t, f.hub.Count())
}

func TestClientCloseUnregisters(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, nil)

	conn, _, err := f.dial(t, "/ws/chat", f.token(t, 7))
	require.NoError(t, err)
	f.connID(t, 7, models.ChannelChat)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	f := newFixture(t)
	f.bans.On("IsBanned", mock.Anything, 7).Return(false, nil)

	publisher := new(mocks.EventPublisherMock)
	observability.SetPublisher(publisher)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	named := func(name string) interface{} {
		return mock.MatchedBy(func(e observability.EventEnvelope) bool {
			return e.EventType == "ws_events" && e.EventName == name && !e.OccurredAt.IsZero()
		})
	}
	publisher.On("PublishJSON", mock.Anything, "ws_events.chat", named("ws_connect"), mock.Anything).Return(nil).Once()
	disconnected := make(chan struct{})
	publisher.On("PublishJSON", mock.Anything, "ws_events.chat", named("ws_disconnect"), mock.Anything).
		Run(func(mock.Arguments) { close(disconnected) }).Return(nil).Once()

	conn, _, err := f.dial(t, "/ws/chat", f.token(t, 7))
	require.NoError(t, err)
	f.connID(t, 7, models.ChannelChat)
	require.NoError(t, conn.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("ws_disconnect not published")
	}
	publisher.AssertExpectations(t)
}
