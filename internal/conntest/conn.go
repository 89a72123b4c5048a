// Package conntest provides an in-memory kephaschat.Conn for tests.
package conntest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/kephaschat"
)

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = errors.New(kephaschat.ErrConnectionClosed)

// Conn is a scripted connection. Inbound frames are pushed with Push and
// outbound frames are recorded.
type Conn struct {
	id     string
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan []byte

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
	sendErr   error
	block     chan struct{}
	notify    chan struct{}
	hangup    sync.Once
}

// NewConn creates an open connection with the given ID.
func NewConn(id string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     id,
		addr:   "10.0.0.1:" + id,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan []byte, 64),
		notify: make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string               { return c.id }
func (c *Conn) RemoteAddr() string       { return c.addr }
func (c *Conn) Context() context.Context { return c.ctx }

// Receive returns the next pushed frame, io.EOF after Hangup, or ErrClosed
// after Close.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbox:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Send records data, or fails as configured with FailSends or BlockSends.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

func (c *Conn) CloseWithCode(_ context.Context, code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.cancel()
	return nil
}

func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Push queues an inbound frame.
func (c *Conn) Push(data string) {
	c.inbox <- []byte(data)
}

// PushJSON queues v encoded as an inbound frame.
func (c *Conn) PushJSON(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal inbound frame: %v", err)
	}
	c.inbox <- data
}

// Hangup ends the inbound stream; Receive returns io.EOF once drained.
func (c *Conn) Hangup() {
	c.hangup.Do(func() { close(c.inbox) })
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// BlockSends makes later Sends wait until the returned release is called or
// their context ends.
func (c *Conn) BlockSends() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.block = ch
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Sent returns a copy of every recorded outbound frame.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether the connection was closed and with which code.
func (c *Conn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Envelope is a decoded outbound frame.
type Envelope map[string]any

// Type returns the envelope type field.
func (e Envelope) Type() string {
	s, _ := e["type"].(string)
	return s
}

// Field returns a string field.
func (e Envelope) Field(key string) string {
	s, _ := e[key].(string)
	return s
}

// Users returns the users field.
func (e Envelope) Users() []string {
	raw, _ := e["users"].([]any)
	users := make([]string, 0, len(raw))
	for _, u := range raw {
		if s, ok := u.(string); ok {
			users = append(users, s)
		}
	}
	return users
}

// Envelopes decodes every recorded outbound frame.
func (c *Conn) Envelopes(t testing.TB) []Envelope {
	t.Helper()

	frames := c.Sent()
	out := make([]Envelope, 0, len(frames))
	for _, frame := range frames {
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("outbound frame %q is not JSON: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

// WaitSent waits until at least n frames were sent, failing the test after
// timeout.
func (c *Conn) WaitSent(t testing.TB, n int, timeout time.Duration) []Envelope {
	t.Helper()

	deadline := time.After(timeout)
	for {
		if len(c.Sent()) >= n {
			return c.Envelopes(t)
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("conn %s: got %d frames, want at least %d", c.id, len(c.Sent()), n)
			return nil
		}
	}
}
