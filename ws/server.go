// Package ws assembles the chat relay on top of the WebSocket transport.
package ws

import (
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/broadcast"
	"github.com/luciancaetano/kephaschat/internal/config"
	"github.com/luciancaetano/kephaschat/internal/registry"
	"github.com/luciancaetano/kephaschat/internal/session"
	"github.com/luciancaetano/kephaschat/internal/websocket"
)

type CheckOriginFn = websocket.CheckOriginFn

// relayServer is a transport serving the chat session handler over a shared
// registry.
type relayServer struct {
	*websocket.Server
	registry *registry.Registry
}

var _ kephaschat.RelayServer = (*relayServer)(nil)

// New wires the registry, broadcast engine and session relay behind a
// WebSocket server configured from cfg. A nil cfg means config.Default()
// and a nil logger discards everything.
//
// Example:
//
//	cfg, err := config.Load()
//	...
//	server := ws.New(cfg, logger)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg *config.Config, logger *zap.Logger) kephaschat.RelayServer {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(logger.Named("registry"))
	engine := broadcast.New(reg, broadcast.Config{
		SendTimeout: cfg.SendTimeout,
		Concurrency: cfg.BroadcastConcurrency,
	}, logger.Named("broadcast"))
	relay := session.NewRelay(reg, engine, session.Config{
		Commands: cfg.Commands,
	}, logger.Named("session"))

	transportLogger := logger.Named("websocket")
	transport := websocket.New(&websocket.ServerConfig{
		Addr:           cfg.Addr,
		Handler:        relay,
		CheckOrigin:    AllowOrigins(cfg.AllowedOrigins, transportLogger),
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         transportLogger,
		Stats:          reg.Len,
	})

	return &relayServer{
		Server:   transport,
		registry: reg,
	}
}

// Users returns the logged-in nicknames, sorted
func (s *relayServer) Users() []string {
	return s.registry.Nicknames()
}

// AllOrigins returns the checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return websocket.AllOrigins()
}

// AllowOrigins returns a checkOrigin function allowing only the listed
// origins; "*" allows all
func AllowOrigins(origins []string, logger *zap.Logger) CheckOriginFn {
	return websocket.AllowOrigins(origins, logger)
}
