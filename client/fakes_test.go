package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the oldest pending timer and returns its delay.
func (c *fakeClock) fire() time.Duration {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		return 0
	}
	next.fired = true
	c.mu.Unlock()

	next.f()
	return next.d
}

type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return 1, m, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// dialStep is one scripted dial outcome. A nil conn with nil err means failure.
type dialStep struct {
	conn *fakeConn
	gate chan struct{}
}

type fakeDialer struct {
	mu       sync.Mutex
	steps    []dialStep
	attempts int
	urls     []string
	tokens   []string
	// byURL answers dials whose url ends with the key, once steps are exhausted.
	byURL map[string]*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	d.mu.Lock()
	d.attempts++
	d.urls = append(d.urls, rawURL)
	d.tokens = append(d.tokens, token)
	var step dialStep
	if len(d.steps) > 0 {
		step = d.steps[0]
		d.steps = d.steps[1:]
	} else {
		for suffix, conn := range d.byURL {
			if strings.HasSuffix(rawURL, suffix) {
				step.conn = conn
			}
		}
	}
	d.mu.Unlock()

	if step.gate != nil {
		select {
		case <-step.gate:
		case <-ctx.Done():
		}
	}
	if step.conn == nil {
		return nil, errors.New("connection refused")
	}
	return step.conn, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	terminal    []error
}

func (r *recorder) onState(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) onTerminal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = append(r.terminal, err)
}

func (r *recorder) snapshot() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...), append([]error(nil), r.terminal...)
}
