package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// StatsFn reports the number of logged-in users for the health endpoint.
type StatsFn = func() int

// ServerConfig configures a Server. Zero durations and sizes take the
// DefaultClientConfig values, a nil CheckOrigin allows every origin.
type ServerConfig struct {
	Addr           string
	Handler        kephaschat.Handler
	CheckOrigin    CheckOriginFn
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Logger         *zap.Logger
	Stats          StatsFn
}

// Server accepts WebSocket connections and hands each one to the Handler on
// its own goroutine.
type Server struct {
	addr         string
	handler      kephaschat.Handler
	stats        StatsFn
	clientConfig ClientConfig
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	router       *gin.Engine

	clients sync.Map // map[string]*Client
	conns   sync.WaitGroup

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	server   *http.Server
	serveCtx context.Context
	cancel   context.CancelFunc
}

// New creates a server from cfg. It does not listen until Start.
func New(cfg *ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = AllOrigins()
	}
	handler := cfg.Handler
	if handler == nil {
		handler = kephaschat.HandlerFunc(func(ctx context.Context, conn kephaschat.Conn) {
			conn.CloseWithCode(ctx, websocket.CloseTryAgainLater, "no handler")
		})
	}
	stats := cfg.Stats
	if stats == nil {
		stats = func() int { return 0 }
	}

	s := &Server{
		addr:    cfg.Addr,
		handler: handler,
		stats:   stats,
		clientConfig: ClientConfig{
			PingInterval:   cfg.PingInterval,
			PingTimeout:    cfg.PingTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
		}.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	s.router = s.routes()
	return s
}

var releaseMode sync.Once

func (s *Server) routes() *gin.Engine {
	releaseMode.Do(func() { gin.SetMode(gin.ReleaseMode) })

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/", s.handleWebSocket)
	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)
	return router
}

// Start binds the listener and serves in the background. A bind failure is
// returned; cancelling ctx afterwards stops the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(kephaschat.ErrServerAlreadyRunning)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.running = true
	s.listener = listener
	s.serveCtx, s.cancel = context.WithCancel(context.Background())
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}(s.server)

	go func(serveCtx context.Context) {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				s.logger.Warn("stop after context cancellation", zap.Error(err))
			}
		case <-serveCtx.Done():
		}
	}(s.serveCtx)

	s.logger.Info("websocket server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop closes every client and shuts the HTTP server down. It waits for the
// running handlers until ctx ends. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.server
	s.cancel()
	s.mu.Unlock()

	err := server.Shutdown(ctx)

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.logger.Info("websocket server stopped")
	return err
}

// Addr returns the bound address while running, the configured one otherwise
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running && s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleWebSocket upgrades the request and starts serving the client
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Info("websocket upgrade rejected",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.String("origin", c.Request.Header.Get("Origin")),
			zap.Error(err))
		return
	}

	s.mu.RLock()
	serveCtx, running := s.serveCtx, s.running
	if running {
		s.conns.Add(1)
	}
	s.mu.RUnlock()

	client := NewClient(conn, c.Request.RemoteAddr, s.clientConfig, s.logger)
	if !running {
		client.CloseWithCode(context.Background(), websocket.CloseGoingAway, "server shutting down")
		return
	}

	s.clients.Store(client.ID(), client)
	client.logger.Debug("client connected")

	go s.handleClient(serveCtx, client)
}

// handleClient runs the handler and releases the client once it returns
func (s *Server) handleClient(ctx context.Context, client *Client) {
	defer func() {
		s.clients.Delete(client.ID())
		client.Close(context.Background())
		client.logger.Debug("client disconnected")
		s.conns.Done()
	}()

	s.handler.ServeConn(ctx, client)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"users":  s.stats(),
	})
}

// GetClient returns a client by ID
func (s *Server) GetClient(id string) (*Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Client), true
	}
	return nil, false
}

// requestLogger logs every HTTP request at debug level
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)))
	}
}
