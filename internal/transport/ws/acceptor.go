package ws

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/config"
	"github.com/cory-johannsen/blockbattle/internal/observability"
)

const healthTimeout = 2 * time.Second

// SessionHandler processes one upgraded connection.
// Implementations run the message loop for a single client.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// Acceptor serves the websocket endpoint plus health, readiness, and metrics
// routes, and dispatches each upgraded connection to a SessionHandler.
type Acceptor struct {
	cfg      config.ServerConfig
	handler  SessionHandler
	health   HealthChecker
	logger   *zap.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine
	started  time.Time

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
	conns    map[*Conn]struct{}
}

// NewAcceptor creates an acceptor with the given configuration.
//
// Precondition: cfg must have a valid port and path; handler and logger must
// be non-nil. health may be nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, handler SessionHandler, health HealthChecker, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		health:  health,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients are native programs, not browser pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quit:  make(chan struct{}),
		conns: make(map[*Conn]struct{}),
	}
	a.engine = a.routes()
	return a
}

// Handler returns the HTTP handler serving every route.
func (a *Acceptor) Handler() http.Handler { return a.engine }

func (a *Acceptor) routes() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())

	// Upgraded connections log their own lifecycle in handleConn.
	r.GET(a.cfg.Path, a.serveWS)

	probes := r.Group("/", observability.RequestLogger(a.logger), observability.RequestMetrics())
	probes.GET("/health", a.serveHealth)
	probes.GET("/ready", a.serveReady)
	probes.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// ListenAndServe opens the listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = srv
	a.running = true
	a.started = time.Now()
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	err = srv.Serve(listener)
	select {
	case <-a.quit:
		return nil
	default:
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serving http: %w", err)
}

func (a *Acceptor) serveWS(c *gin.Context) {
	raw, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := NewConn(raw, ConnOptions{
		ReadLimit:    a.cfg.ReadLimit,
		PingInterval: a.cfg.PingInterval,
		PongWait:     a.cfg.PongWait,
		WriteTimeout: a.cfg.WriteTimeout,
		SendBuffer:   a.cfg.SendBuffer,
	})
	if !a.track(conn) {
		conn.Close()
		<-conn.Done()
		return
	}
	defer a.wg.Done()
	defer a.untrack(conn)

	a.handleConn(conn)
}

// handleConn runs the session handler for one connection.
func (a *Acceptor) handleConn(conn *Conn) {
	start := time.Now()
	addr := conn.RemoteAddr()
	observability.ConnectionOpened()
	defer observability.ConnectionClosed()

	a.logger.Info("client connected",
		zap.String("remote_addr", addr),
		zap.String("conn_id", conn.ID()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel context when quit signal received
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := a.handler.HandleSession(ctx, conn)
	conn.Close()
	<-conn.Done()

	if err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	a.logger.Info("session ended cleanly",
		zap.String("remote_addr", addr),
		zap.String("conn_id", conn.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

func (a *Acceptor) track(conn *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(conn *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn)
}

func (a *Acceptor) serveHealth(c *gin.Context) {
	if a.health != nil {
		if err := a.health.Health(c.Request.Context(), healthTimeout); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(a.startedAt()).String(),
	})
}

func (a *Acceptor) serveReady(c *gin.Context) {
	if !a.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "connections": a.ConnCount()})
}

func (a *Acceptor) startedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Stop closes the listener, closes every live connection after flushing its
// queued frames, and waits for all sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	srv := a.server
	live := make([]*Conn, 0, len(a.conns))
	for c := range a.conns {
		live = append(live, c)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	for _, c := range live {
		c.Close()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

func (a *Acceptor) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout > 0 {
		return a.cfg.ShutdownTimeout
	}
	return 10 * time.Second
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// ConnCount returns the number of live websocket sessions.
func (a *Acceptor) ConnCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}
