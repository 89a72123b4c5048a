// Package broadcast fans one envelope out to every registered connection.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/protocol"
	"github.com/luciancaetano/kephaschat/internal/registry"
)

// Directory is the view of the registry the engine needs.
type Directory interface {
	Snapshot() []registry.Entry
	Unregister(conn kephaschat.Conn) (string, bool)
}

// Config tunes delivery.
type Config struct {
	// SendTimeout bounds each single delivery
	SendTimeout time.Duration
	// Concurrency caps the deliveries in flight per broadcast
	Concurrency int
}

// DefaultConfig returns the default delivery configuration
// 5s per delivery, 128 deliveries in flight
func DefaultConfig() Config {
	return Config{
		SendTimeout: 5 * time.Second,
		Concurrency: 128,
	}
}

// Engine delivers envelopes concurrently. A delivery failure evicts the
// failing connection and never affects the other recipients.
type Engine struct {
	dir         Directory
	sendTimeout time.Duration
	concurrency int
	logger      *zap.Logger
}

// New creates an engine over dir. Zero config fields take their defaults.
func New(dir Directory, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dir:         dir,
		sendTimeout: cfg.SendTimeout,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// Broadcast encodes env once and delivers it to every registered connection
// except those in exclude. It returns when every delivery has finished.
//
// Deliveries are detached from ctx cancellation so that a sender going away
// mid-broadcast does not fail the other recipients; ctx values still flow.
func (e *Engine) Broadcast(ctx context.Context, env protocol.Envelope, exclude ...kephaschat.Conn) {
	data, err := protocol.Encode(env)
	if err != nil {
		e.logger.Error("failed to encode broadcast", zap.String("type", env.EnvelopeType()), zap.Error(err))
		return
	}

	recipients := e.recipients(exclude)
	if len(recipients) == 0 {
		return
	}

	errs := e.deliver(context.WithoutCancel(ctx), recipients, data)

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	e.logger.Debug("broadcast delivered",
		zap.String("type", env.EnvelopeType()),
		zap.Int("recipients", len(recipients)),
		zap.Int("failed", failed))
}

// Send delivers env to a single connection. It does not evict on failure;
// the caller owns that connection.
func (e *Engine) Send(ctx context.Context, conn kephaschat.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return e.sendOne(ctx, conn, data)
}

// recipients filters a registry snapshot by connection ID
func (e *Engine) recipients(exclude []kephaschat.Conn) []registry.Entry {
	snapshot := e.dir.Snapshot()
	if len(exclude) == 0 {
		return snapshot
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, conn := range exclude {
		if conn != nil {
			excluded[conn.ID()] = struct{}{}
		}
	}

	recipients := snapshot[:0]
	for _, entry := range snapshot {
		if _, skip := excluded[entry.Conn.ID()]; !skip {
			recipients = append(recipients, entry)
		}
	}
	return recipients
}

// deliver sends data to every recipient concurrently and returns one error
// slot per recipient. Failed recipients are evicted as soon as they fail.
func (e *Engine) deliver(ctx context.Context, recipients []registry.Entry, data []byte) []error {
	errs := make([]error, len(recipients))
	semaphore := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, entry := range recipients {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(i int, entry registry.Entry) {
			defer func() {
				<-semaphore
				wg.Done()
			}()

			if err := e.sendOne(ctx, entry.Conn, data); err != nil {
				errs[i] = err
				e.evict(entry, err)
			}
		}(i, entry)
	}

	wg.Wait()
	return errs
}

func (e *Engine) sendOne(ctx context.Context, conn kephaschat.Conn, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	return conn.Send(sendCtx, data)
}

// evict drops a connection that failed delivery. No departure notice is
// broadcast for it.
func (e *Engine) evict(entry registry.Entry, cause error) {
	if nickname, ok := e.dir.Unregister(entry.Conn); ok {
		e.logger.Warn("evicted connection after failed delivery",
			zap.String("client_id", entry.Conn.ID()),
			zap.String("nickname", nickname),
			zap.Error(cause))
	}

	if err := entry.Conn.CloseWithCode(context.Background(), websocket.CloseGoingAway, "delivery failed"); err != nil {
		e.logger.Debug("close after failed delivery",
			zap.String("client_id", entry.Conn.ID()),
			zap.Error(err))
	}
}
