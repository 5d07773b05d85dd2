package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// IdentityBinder resolves the identity a connection acts as, typically from
// a bearer token on the upgrade request. An empty identity is anonymous.
type IdentityBinder interface {
	IdentityFromRequest(r *http.Request) (string, error)
}

// StatsSource exposes counters for the health endpoint.
type StatsSource interface {
	ConnectionCount() int
	SubscriptionCount() int
}

// ServerConfig bounds the websocket front door.
type ServerConfig struct {
	MaxConnections    int
	MessagesPerSecond float64
}

// Server accepts websocket upgrades and runs one Session per connection.
type Server struct {
	publisher Publisher
	subs      SubscriptionTable
	binder    IdentityBinder
	stats     StatsSource
	cfg       ServerConfig
	upgrader  websocket.Upgrader
	log       *slog.Logger

	active atomic.Int64
}

// NewServer wires the websocket front door.
func NewServer(publisher Publisher, subs SubscriptionTable, binder IdentityBinder, stats StatsSource, cfg ServerConfig) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 20
	}
	return &Server{
		publisher: publisher,
		subs:      subs,
		binder:    binder,
		stats:     stats,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay serves browser clients from any origin; event
			// authenticity comes from signatures, not the origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: slog.Default().With("component", "server"),
	}
}

// Handler returns the HTTP mux: websocket endpoint at / and health at /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	identity, err := s.binder.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if s.active.Load() >= int64(s.cfg.MaxConnections) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	s.active.Add(1)
	s.log.Info("connection accepted", "connection", connID, "remote", r.RemoteAddr, "identity", identity)

	go func() {
		defer s.active.Add(-1)
		session := NewSession(connID, identity, conn, s.publisher, s.subs, s.cfg.MessagesPerSecond)
		session.Run(context.Background())
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"connections":   s.stats.ConnectionCount(),
		"subscriptions": s.stats.SubscriptionCount(),
	})
}
