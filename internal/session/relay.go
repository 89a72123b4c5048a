// Package session drives the per-connection chat protocol.
package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/protocol"
)

// Registry is the nickname registry a session mutates.
type Registry interface {
	Reserve(conn kephaschat.Conn, nickname string) error
	Activate(conn kephaschat.Conn) bool
	Unregister(conn kephaschat.Conn) (string, bool)
	Nicknames() []string
}

// Broadcaster delivers envelopes.
type Broadcaster interface {
	Broadcast(ctx context.Context, env protocol.Envelope, exclude ...kephaschat.Conn)
	Send(ctx context.Context, conn kephaschat.Conn, env protocol.Envelope) error
}

// DefaultCommands are the @command tokens recognized in chat text.
var DefaultCommands = []string{"@电影", "@小科比"}

// Config configures a Relay.
type Config struct {
	// Commands are the recognized @command tokens; nil means DefaultCommands
	Commands []string
	// Clock stamps outbound envelopes; nil means time.Now
	Clock func() time.Time
}

// Relay runs one Session per connection. It implements kephaschat.Handler.
type Relay struct {
	registry    Registry
	broadcaster Broadcaster
	commands    map[string]struct{}
	now         func() time.Time
	logger      *zap.Logger
}

var _ kephaschat.Handler = (*Relay)(nil)

// NewRelay creates a relay over the given registry and broadcaster.
func NewRelay(registry Registry, broadcaster Broadcaster, cfg Config, logger *zap.Logger) *Relay {
	if cfg.Commands == nil {
		cfg.Commands = DefaultCommands
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	commands := make(map[string]struct{}, len(cfg.Commands))
	for _, cmd := range cfg.Commands {
		if cmd = strings.ToLower(strings.TrimSpace(cmd)); cmd != "" {
			commands[cmd] = struct{}{}
		}
	}

	return &Relay{
		registry:    registry,
		broadcaster: broadcaster,
		commands:    commands,
		now:         cfg.Clock,
		logger:      logger,
	}
}

// ServeConn runs the chat protocol on conn until it closes.
func (r *Relay) ServeConn(ctx context.Context, conn kephaschat.Conn) {
	newSession(r, conn).run(ctx)
}
