// Package relay is the clipboard relay server: it accepts WebSocket
// connections, runs each through the guard and the authentication handshake,
// and routes clipboard frames from authenticated sessions to the hub.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/cliprelay/internal/auth"
	"go.klb.dev/cliprelay/internal/guard"
	"go.klb.dev/cliprelay/internal/hub"
	"go.klb.dev/cliprelay/internal/message"
	"go.klb.dev/cliprelay/internal/normalize"
	"go.klb.dev/cliprelay/internal/wire"
)

const (
	DefaultAuthTimeout = 30 * time.Second

	// LocalUser is the from_user of updates published through the IPC socket.
	LocalUser = "relay"
)

// Config holds per-connection limits. Zero values select the defaults.
type Config struct {
	MaxMessageSize int64
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustProxy     bool
}

// Status is what the IPC status endpoint reports.
type Status struct {
	Started  time.Time   `json:"started"`
	Sessions []hub.Info  `json:"sessions"`
	Guard    guard.Stats `json:"guard"`
}

// Server is an http.Handler serving the relay WebSocket endpoint.
type Server struct {
	cfg   Config
	creds *auth.Credentials
	guard *guard.Guard
	hub   *hub.Hub
	norm  *normalize.Normalizer
	log   *slog.Logger

	started time.Time
	ctx     context.Context
	stop    context.CancelFunc
}

// New wires a Server from its collaborators.
func New(cfg Config, creds *auth.Credentials, g *guard.Guard, h *hub.Hub, log *slog.Logger) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = normalize.DefaultMaxSize
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wire.DefaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		creds:   creds,
		guard:   g,
		hub:     h,
		norm:    normalize.New(int(cfg.MaxMessageSize)),
		log:     log,
		started: time.Now(),
		ctx:     ctx,
		stop:    stop,
	}
}

// Handler returns the HTTP handler for the relay endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/", s.ServeWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.hub.Len(),
	})
}

// ServeWS upgrades the request and runs the connection to completion.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	addr := SourceAddr(r, s.cfg.TrustProxy)
	conn, err := wire.Accept(w, r, s.cfg.MaxMessageSize)
	if err != nil {
		s.log.Warn("upgrade failed", "addr", addr, "err", err)
		return
	}
	conn.SetWriteTimeout(s.cfg.WriteTimeout)

	p := newPeer(uuid.NewString(), addr, conn, s)
	p.serve(r.Context())
}

// Status snapshots sessions and guard state.
func (s *Server) Status() Status {
	return Status{
		Started:  s.started,
		Sessions: s.hub.Sessions(),
		Guard:    s.guard.Stats(),
	}
}

// PublishLocal normalizes text as if a client had sent it and delivers it to
// every session.
func (s *Server) PublishLocal(ctx context.Context, text string) (hub.Result, error) {
	u, err := s.norm.Normalize(message.Sync(message.Update{
		ContentType: message.ContentText,
		Payload:     text,
	}), LocalUser)
	if err != nil {
		return hub.Result{}, err
	}
	return s.hub.Publish(ctx, u, ""), nil
}

// Shutdown closes every session normally and aborts connections still in
// the handshake. The relay stays unusable afterwards.
func (s *Server) Shutdown() {
	s.stop()
	s.hub.CloseAll("Server shutting down")
}
