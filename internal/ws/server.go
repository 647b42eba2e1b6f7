// Package ws accepts WebSocket connections for the chat service. Each
// accepted connection gets its own goroutine running the session handler;
// the server only deals with upgrade, connection caps, and lifecycle.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/chatmind/chat-service/internal/metrics"
)

// SessionHandler owns one connection from accept to close. It is expected to
// authenticate the token and drive the session loop.
type SessionHandler func(ctx context.Context, conn *Connection, sessionID, token string) error

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // per-frame read deadline (0 disables)
	WriteTimeout   time.Duration // per-frame write deadline
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		ReadTimeout:    0, // sessions idle legitimately while reading replies
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP requests on /ws/<session_id> to WebSocket connections
// and hands each one to the session handler. It also serves /health and
// /metrics.
type Server struct {
	config  ServerConfig
	handler SessionHandler

	httpServer *http.Server
	baseCtx    context.Context
	cancel     context.CancelFunc

	mu        sync.Mutex
	conns     map[*Connection]struct{}
	active    atomic.Int64
	startedAt time.Time
}

// NewServer creates a Server with the given configuration and handler.
func NewServer(config ServerConfig, handler SessionHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		handler: handler,
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[*Connection]struct{}),
	}
}

// Start begins accepting connections. It blocks until Shutdown is called or
// the listener fails.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade validates the session path and token parameter, upgrades the
// request, and runs the session handler on a dedicated goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	if int(s.active.Load()) >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	conn := NewConnection(netConn, s.config.ReadTimeout, s.config.WriteTimeout)
	s.track(conn)

	go func() {
		defer s.untrack(conn)
		defer conn.Close()

		if err := s.handler(s.baseCtx, conn, sessionID, token); err != nil {
			log.Printf("ws: session %s ended: %v", sessionID, err)
		}
	}()
}

func (s *Server) track(conn *Connection) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.active.Add(1)
}

func (s *Server) untrack(conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Add(-1)
}

// handleHealth reports liveness, uptime, and the live connection count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"uptime_s":    int(time.Since(s.startedAt).Seconds()),
		"connections": s.active.Load(),
	})
}

// Shutdown stops accepting new connections, closes live ones, and waits for
// the HTTP server to drain within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
