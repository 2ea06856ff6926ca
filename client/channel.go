package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrChannelStopped   = errors.New("channel stopped")
	ErrNotConnected     = errors.New("channel not connected")
)

// MaxRetries is how many automatic reconnect attempts follow a failure.
const MaxRetries = 5

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it with a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewBackOff returns the reconnect schedule: 1s, 2s, 4s, 8s, 16s, then stop.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, MaxRetries)
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Name   string
	URL    string
	Token  func() string
	Dialer Dialer

	OnMessage     func([]byte)
	OnStateChange func(from, to State)
	OnTerminal    func(error)

	AfterFunc  AfterFunc
	NewBackOff func() backoff.BackOff
	Logger     zerolog.Logger
}

type transition struct {
	from, to State
}

// Channel keeps one logical duplex channel open, reconnecting with backoff.
// State only changes from dial results and read-loop exits; callers can only Start and Stop.
type Channel struct {
	opts    ChannelOptions
	backoff backoff.BackOff

	mu            sync.Mutex
	writeMu       sync.Mutex
	state         State
	gen           uint64
	retries       int
	lastConnected time.Time
	conn          Conn
	timer         Timer
	release       func() bool
	pending       []transition
	terminal      error
}

func NewChannel(opts ChannelOptions) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = NewBackOff
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	return &Channel{opts: opts, backoff: opts.NewBackOff()}
}

// State reports the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries reports consecutive reconnect attempts since the last successful connect.
func (c *Channel) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// LastConnected is the time of the last successful connect.
func (c *Channel) LastConnected() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnected
}

// Start begins connecting. It is a no-op unless the channel is disconnected.
// Cancelling ctx has the same effect as Stop.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.retries = 0
	c.backoff.Reset()
	c.release = context.AfterFunc(ctx, c.Stop)
	c.setStateLocked(StateConnecting)
	c.unlockAndNotify()

	go c.dial(ctx, gen)
}

// Stop tears down the connection and cancels any pending reconnect. Safe to call repeatedly.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.release != nil {
		c.release()
		c.release = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.unlockAndNotify()

	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes a text frame on the live connection.
func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil {
		if state == StateDisconnected {
			return ErrChannelStopped
		}
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) dial(ctx context.Context, gen uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	conn, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL, c.opts.Token())
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.opts.Logger.Debug().Err(err).Str("channel", c.opts.Name).Int("retries", c.retries).Msg("dial failed")
		c.scheduleRetryLocked(ctx, gen)
		c.unlockAndNotify()
		return
	}

	c.conn = conn
	c.retries = 0
	c.backoff.Reset()
	c.lastConnected = time.Now()
	c.setStateLocked(StateConnected)
	c.unlockAndNotify()

	go c.readLoop(ctx, gen, conn)
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.opts.Logger.Debug().Err(err).Str("channel", c.opts.Name).Msg("connection dropped")
			_ = conn.Close()
			c.conn = nil
			c.scheduleRetryLocked(ctx, gen)
			c.unlockAndNotify()
			return
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Channel) scheduleRetryLocked(ctx context.Context, gen uint64) {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.gen++
		if c.release != nil {
			c.release()
			c.release = nil
		}
		c.setStateLocked(StateDisconnected)
		c.terminal = ErrRetriesExhausted
		return
	}
	c.setStateLocked(StateReconnecting)
	c.timer = c.opts.AfterFunc(delay, func() { c.retry(ctx, gen) })
}

func (c *Channel) retry(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.retries++
	c.mu.Unlock()

	c.dial(ctx, gen)
}

func (c *Channel) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.pending = append(c.pending, transition{from: c.state, to: to})
	c.state = to
}

// unlockAndNotify releases c.mu and then runs callbacks, so observers may call back into the channel.
func (c *Channel) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	terminal := c.terminal
	c.terminal = nil
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		for _, t := range pending {
			c.opts.OnStateChange(t.from, t.to)
		}
	}
	if terminal != nil {
		c.opts.Logger.Warn().Str("channel", c.opts.Name).Msg("giving up reconnecting")
		if c.opts.OnTerminal != nil {
			c.opts.OnTerminal(terminal)
		}
	}
}
