// Package ws handles WebSocket connection management for the realtime
// server: upgrading HTTP connections, maintaining active connections, and
// dispatching incoming events to the application layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pulse/social-app/internal/metrics"
	"github.com/pulse/social-app/internal/protocol"
	"github.com/pulse/social-app/internal/ratelimit"
	"github.com/pulse/social-app/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket transport built on gobwas/ws and a Linux epoll
// readiness loop. It upgrades HTTP connections, registers them with the
// poller, and dispatches ready connections to a bounded worker pool for
// frame reading. Application semantics (presence, rooms, messages) live in
// the realtime hub; the server only moves frames.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	sessionStore *session.Store      // optional Redis mirror of connection state
	limiter      *ratelimit.Limiter  // optional per-IP connection throttle
	workerPool   chan struct{}       // semaphore limiting concurrent read workers
	onEvent      func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
	shutdownOnce sync.Once
}

// NewServer creates a Server with the given configuration. The onEvent
// function is called from a worker goroutine whenever a complete WebSocket
// text frame is received from a client. sessionStore and limiter may be nil.
func NewServer(config ServerConfig, sessionStore *session.Store, limiter *ratelimit.Limiter, onEvent func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		limiter:      limiter,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onEvent:      onEvent,
		done:         make(chan struct{}),
	}
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the readiness loop in a
// background goroutine and blocks on http.Server.ListenAndServe. The extra
// handlers (e.g. /metrics) are mounted on the same mux.
func (s *Server) Start(extra map[string]http.Handler) error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for path, h := range extra {
		mux.Handle(path, h)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers the connection, and sends the
// connected event carrying the assigned connection id.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Per-IP connection throttle; fails open when Redis is down.
	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ok, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect); !ok {
			http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	c := &Connection{
		ID:         connID,
		Conn:       conn,
		Fd:         socketFD(conn),
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	// Mirror the connection into Redis (best effort).
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, connID); err != nil {
			log.Printf("ws: failed to mirror conn %s to redis: %v", connID, err)
		}
	}

	hello, err := protocol.NewServerEvent(protocol.TypeConnected, protocol.ConnectedEvent{
		ConnID: connID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected event for %s: %v", connID, err)
	} else if err := c.WriteEvent(hello); err != nil {
		log.Printf("ws: failed to send connected event for %s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s fd=%d (total=%d)", connID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from the poller and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered readiness.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch).
		// The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastActive = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onEvent != nil {
		s.onEvent(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It runs before the
// Redis mirror entry is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from both the poller and the
// connection manager, and closes the underlying network connection. It is
// exported so the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager, so racing
	// removals (read error + heartbeat timeout) don't run cleanup twice.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis mirror for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendTo writes a WebSocket text frame to the connection identified by
// connID. Sending to a connection that has since disconnected returns an
// error that callers treat as a no-op, not a failure.
func (s *Server) SendTo(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteEvent(data)

	// Clear the deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Broadcast sends an event to every connected client.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop to exit, closes all active connections, and cleans up the
// poller. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		log.Println("ws: shutting down server...")

		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("ws: http shutdown error: %v", err)
			}
		}

		for _, c := range s.conns.All() {
			if s.sessionStore != nil {
				delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = s.sessionStore.Delete(delCtx, c.ID)
				delCancel()
			}
			_ = s.poller.Remove(c.Conn)
			c.Close()
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}

		log.Printf("ws: server stopped, all connections closed")
	})
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
