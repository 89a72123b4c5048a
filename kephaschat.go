package kephaschat

import "context"

// RelayServer defines the interface of the chat relay server.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephaschat/ws"
//
//	cfg, _ := config.Load()
//	server := ws.New(cfg, logger)
//
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop(ctx)
type RelayServer interface {
	// Start binds the listening address and begins accepting connections.
	// It returns once the listener is up, or with the bind error.
	//
	// Returns an error if the server is already running.
	Start(ctx context.Context) error

	// Stop closes every client connection and shuts the listener down.
	// Calling Stop on a server that is not running is a no-op.
	Stop(ctx context.Context) error

	// Addr returns the bound listen address, or the configured one before Start.
	Addr() string

	// Users returns the nicknames currently online, sorted.
	Users() []string
}

// Conn represents one live bidirectional message stream.
//
// Each connection has a unique identifier. The core never owns a Conn; it
// only keeps references keyed by ID while the connection is registered.
type Conn interface {
	// ID returns a unique identifier for the connection.
	//
	// The ID is generated when the connection is accepted and remains
	// constant for its lifetime.
	ID() string

	// RemoteAddr returns the peer network address, e.g. "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the connection lifecycle context.
	//
	// It is cancelled when the connection closes.
	Context() context.Context

	// Receive blocks until the next whole inbound frame arrives.
	//
	// Any error is final: the connection is closed or broken.
	Receive(ctx context.Context) ([]byte, error)

	// Send queues one outbound text frame.
	//
	// Send blocks only while the outbound queue is full, and at most until
	// ctx is done. Returns an error if the connection is closed.
	Send(ctx context.Context, data []byte) error

	// Close closes the connection gracefully.
	//
	// This is equivalent to calling CloseWithCode with a normal closure code.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close code
	// and optional reason. Closing an already closed connection is a no-op.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true while the connection is open.
	IsAlive() bool
}

// Handler serves one accepted connection.
//
// ServeConn is called on its own goroutine for each connection and returns
// when the connection is done. The transport closes the connection after
// ServeConn returns.
type Handler interface {
	ServeConn(ctx context.Context, conn Conn)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(ctx context.Context, conn Conn)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn Conn) {
	f(ctx, conn)
}
