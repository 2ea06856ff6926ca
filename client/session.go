package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"realtime-service/internal/models"
)

// SessionConfig describes how to reach the realtime service.
type SessionConfig struct {
	// BaseURL is the websocket origin, e.g. wss://api.example.com.
	BaseURL string
	Token   func() string
	Dialer  Dialer
	Marker  ReadMarker
	Logger  zerolog.Logger

	OnStateChange func(channel models.Channel, from, to State)
	// OnTerminal fires when a channel gives up; the application should show an offline state.
	OnTerminal func(channel models.Channel, err error)
}

// Session owns the chat and notification channels and the feeds they fill.
// The two channels reconnect independently.
type Session struct {
	Chat          *Channel
	Notifications *Channel
	Messages      *MessageFeed
	Inbox         *NotificationFeed
	Dispatcher    *Dispatcher

	mu     sync.Mutex
	joined map[int]struct{}
	cancel context.CancelFunc
}

func NewSession(cfg SessionConfig) *Session {
	messages := NewMessageFeed()
	inbox := NewNotificationFeed(cfg.Marker, cfg.Logger)
	s := &Session{
		Messages:   messages,
		Inbox:      inbox,
		Dispatcher: NewDispatcher(messages, inbox, cfg.Logger),
		joined:     make(map[int]struct{}),
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	s.Chat = NewChannel(s.channelOptions(cfg, models.ChannelChat, base+"/ws/chat"))
	s.Notifications = NewChannel(s.channelOptions(cfg, models.ChannelNotifications, base+"/ws/notifications"))
	return s
}

func (s *Session) channelOptions(cfg SessionConfig, channel models.Channel, url string) ChannelOptions {
	return ChannelOptions{
		Name:      string(channel),
		URL:       url,
		Token:     cfg.Token,
		Dialer:    cfg.Dialer,
		Logger:    cfg.Logger,
		OnMessage: func(frame []byte) { s.Dispatcher.Enqueue(frame) },
		OnStateChange: func(from, to State) {
			if channel == models.ChannelChat && to == StateConnected {
				s.rejoin()
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(channel, from, to)
			}
		},
		OnTerminal: func(err error) {
			if cfg.OnTerminal != nil {
				cfg.OnTerminal(channel, err)
			}
		},
	}
}

// Start runs the dispatcher and opens both channels.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() { _ = s.Dispatcher.Run(ctx) }()
	s.Chat.Start(ctx)
	s.Notifications.Start(ctx)
}

// Stop closes both channels and the dispatcher.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.Chat.Stop()
	s.Notifications.Stop()
	if cancel != nil {
		cancel()
	}
}

// JoinChat subscribes to live events of a chat. The membership is replayed after every reconnect.
func (s *Session) JoinChat(chatID int) error {
	s.mu.Lock()
	s.joined[chatID] = struct{}{}
	s.mu.Unlock()
	return s.sendFrame(models.ClientFrameJoinChat, chatID)
}

// LeaveChat stops live events of a chat.
func (s *Session) LeaveChat(chatID int) error {
	s.mu.Lock()
	delete(s.joined, chatID)
	s.mu.Unlock()
	return s.sendFrame(models.ClientFrameLeaveChat, chatID)
}

func (s *Session) rejoin() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.sendFrame(models.ClientFrameJoinChat, id); err != nil {
			return
		}
	}
}

func (s *Session) sendFrame(frameType string, chatID int) error {
	frame, err := json.Marshal(models.ClientFrame{Type: frameType, ChatID: chatID})
	if err != nil {
		return err
	}
	return s.Chat.Send(frame)
}
