package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat"
)

// sendBufferSize is the per-client outbound queue length
const sendBufferSize = 256

// ClientConfig holds the per-connection keepalive and size limits.
type ClientConfig struct {
	// PingInterval is the period between pings
	PingInterval time.Duration
	// PingTimeout is how long after a ping the peer may stay silent
	PingTimeout time.Duration
	// WriteTimeout bounds every single frame write
	WriteTimeout time.Duration
	// MaxMessageSize is the inbound frame size limit in bytes
	MaxMessageSize int64
}

// DefaultClientConfig returns 30s pings, a 60s pong timeout, 10s writes and
// a 1MiB frame limit
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:   30 * time.Second,
		PingTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return cfg
}

// Client implements the kephaschat.Conn interface over a gorilla connection
type Client struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	mu         sync.RWMutex
	closed     bool

	pingInterval time.Duration
	readWait     time.Duration
	writeTimeout time.Duration

	// set once a Receive was abandoned; later pongs must not extend the
	// deadline used to interrupt it
	interrupted atomic.Bool

	logger *zap.Logger
}

var _ kephaschat.Conn = (*Client)(nil)

// NewClient wraps conn and starts its write pump
func NewClient(conn *websocket.Conn, remoteAddr string, cfg ClientConfig, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		id:           uuid.New().String(),
		conn:         conn,
		remoteAddr:   remoteAddr,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, sendBufferSize),
		pingInterval: cfg.PingInterval,
		readWait:     cfg.PingInterval + cfg.PingTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	client.logger = logger.With(zap.String("client_id", client.id), zap.String("remote_addr", remoteAddr))

	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(client.readWait))
	conn.SetPongHandler(func(string) error {
		if client.interrupted.Load() {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(client.readWait))
	})

	go client.writePump()

	return client
}

// ID returns a unique identifier for the connected client
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Receive blocks for the next inbound frame. Only one goroutine may call it.
// Cancelling ctx interrupts the read and leaves the connection unusable for
// further reads.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.IsAlive() {
		return nil, errors.New(kephaschat.ErrConnectionClosed)
	}

	stop := context.AfterFunc(ctx, func() {
		c.interrupted.Store(true)
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
			c.logger.Debug("unexpected websocket close", zap.Error(err))
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	return data, nil
}

// Send queues data as one text frame. It blocks while the queue is full,
// until ctx ends or the client closes.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.New(kephaschat.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New(kephaschat.ErrContextCancelled)
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
// Only the first call has an effect.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	// release blocked senders before taking the write lock
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	message := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		c.logger.Debug("close frame not sent", zap.Int("code", code), zap.Error(err))
	}

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.CloseWithCode(context.Background(), websocket.CloseGoingAway, "write failed")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.CloseWithCode(context.Background(), websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}
