// Package gateway is the WebSocket front door: it upgrades VTT client
// connections, routes inbound frames, and owns the outbound write path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/config"
	"github.com/tableforge/arbiter/internal/orchestrator"
	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/internal/session"
	"github.com/tableforge/arbiter/internal/settings"
	"github.com/tableforge/arbiter/pkg/protocol"
)

// ErrClientNotConnected is returned by Send when no live connection exists
// for the client id.
var ErrClientNotConnected = errors.New("gateway: client not connected")

// TurnRunner executes one chat turn. Implemented by the orchestrator.
type TurnRunner interface {
	Run(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// Server is the WebSocket gateway. It satisfies tools.Sender: tool handlers
// reach the frontend through Send.
type Server struct {
	cfg       *config.Config
	collector *collector.Collector
	sessions  *session.Store
	settings  *settings.Store
	pending   *pending.Registry
	turns     TurnRunner
	log       *slog.Logger

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, col *collector.Collector, sessions *session.Store, set *settings.Store, pend *pending.Registry, log *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		collector: col,
		sessions:  sessions,
		settings:  set,
		pending:   pend,
		log:       log.With("component", "gateway"),
		clients:   make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetTurnRunner wires the orchestrator in. Must be called before Start; the
// two are constructed in opposite dependency order because tool handlers
// need the server as their frame sender.
func (s *Server) SetTurnRunner(t TurnRunner) { s.turns = t }

// checkOrigin validates the Origin header against the configured whitelist.
// No configuration means allow all; an empty Origin (non-browser client) is
// always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.log.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux. Call before Start when the mux
// is needed for additional listeners (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.log.Info("gateway.listening", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("gateway.upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	client := newClient(conn, s)
	client.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"clients":%d}`, protocol.ProtocolVersion, n)
}

// register claims a client id for a connection. A second connection with the
// same id is rejected: the first link stays authoritative until it closes.
func (s *Server) register(c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.clients[c.id]; taken {
		return fmt.Errorf("client id %q already connected", c.id)
	}
	s.clients[c.id] = c
	s.log.Info("gateway.client_connected", "client", c.id, "total", len(s.clients))
	return nil
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	current, ok := s.clients[c.id]
	if ok && current == c {
		delete(s.clients, c.id)
	}
	total := len(s.clients)
	s.mu.Unlock()
	if !ok || current != c {
		return
	}
	s.log.Info("gateway.client_disconnected", "client", c.id, "total", total)

	// Fail every tool call suspended on this client immediately; keep the
	// inbox and settings for a grace window in case this is a page reload.
	s.pending.CancelClient(c.id)

	grace := s.cfg.ClientGrace()
	if grace <= 0 {
		s.collector.Clear(c.id)
		s.settings.Drop(c.id)
		return
	}
	time.AfterFunc(grace, func() {
		if s.isConnected(c.id) {
			return
		}
		s.collector.Clear(c.id)
		s.settings.Drop(c.id)
		s.log.Debug("gateway.client_state_cleared", "client", c.id)
	})
}

func (s *Server) isConnected(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// Send delivers one frame to a connected client. Implements tools.Sender.
func (s *Server) Send(clientID string, f *protocol.Frame) error {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return ErrClientNotConnected
	}
	return c.send(f)
}

// ClientCount reports connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartTestServer binds a random localhost port and returns its address.
// Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)
	return ln.Addr().String(), nil
}
