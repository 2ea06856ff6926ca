package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"realtime-service/internal/config"
	"realtime-service/internal/log"
	"realtime-service/internal/models"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Client is one live duplex connection.
type Client struct {
	ID      string
	Channel models.Channel
	UserID  int
	Info    ConnInfo

	conn    *websocket.Conn
	send    chan []byte
	groups  map[string]struct{} // guarded by Hub.mu
	limiter *rate.Limiter
	cfg     config.WebSocketConfig

	mu     sync.Mutex
	closed bool

	// orders Track before Untrack for this connection
	presenceMu sync.Mutex
	tracked    bool
}

// NewClient builds a client. conn may be nil for connections that are driven in-process.
func NewClient(conn *websocket.Conn, channel models.Channel, info ConnInfo, cfg config.WebSocketConfig) *Client {
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	limit := rate.Limit(cfg.JoinRate)
	if cfg.JoinRate <= 0 {
		limit = rate.Inf
	}
	return &Client{
		ID:      info.ConnID,
		Channel: channel,
		UserID:  info.UserID,
		Info:    info,
		conn:    conn,
		send:    make(chan []byte, buffer),
		groups:  make(map[string]struct{}),
		limiter: rate.NewLimiter(limit, max(cfg.JoinBurst, 1)),
		cfg:     cfg,
	}
}

// Enqueue queues an encoded frame without blocking.
func (c *Client) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendEvent encodes and queues a named event.
func (c *Client) SendEvent(name string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(models.ServerEvent{Event: name, Data: raw})
	if err != nil {
		return err
	}
	return c.Enqueue(frame)
}

// Outbound exposes the queue the write pump drains.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeWithReason(reason string) {
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(c.writeWait())
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncateReason(reason))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

// ReadPump reads client frames until the connection fails. handle runs on the read goroutine.
func (c *Client) ReadPump(handle func(*Client, []byte)) error {
	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.L().Debug().Err(err).Str(log.FieldConnID, c.ID).Msg("websocket read error")
			}
			return err
		}
		handle(c, message)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) pongWait() time.Duration {
	if c.cfg.PongWait > 0 {
		return c.cfg.PongWait
	}
	return 60 * time.Second
}

func (c *Client) writeWait() time.Duration {
	if c.cfg.WriteWait > 0 {
		return c.cfg.WriteWait
	}
	return 10 * time.Second
}

const maxCloseReason = 120

// truncateReason fits reason into a control frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
