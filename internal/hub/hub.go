// Package hub implements the session registry and broadcast fanout.
// It is transport-agnostic: the relay registers authenticated sessions and
// publishes canonical updates; the hub delivers them to everyone else.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.klb.dev/cliprelay/internal/message"
)

// DefaultSendTimeout bounds delivery of one broadcast to one session.
const DefaultSendTimeout = 5 * time.Second

// ErrFull is returned by Register when MaxSessions is reached.
var ErrFull = errors.New("hub: session capacity reached")

// Info is the metadata the status endpoint reports per session.
type Info struct {
	ID    string    `json:"id"`
	User  string    `json:"user"`
	Addr  string    `json:"addr"`
	Since time.Time `json:"since"`
}

// Session is one authenticated connection.
type Session interface {
	ID() string
	Info() Info
	// Send delivers one encoded frame. It must honour ctx.
	Send(ctx context.Context, frame []byte) error
	// Close tears the connection down. Must be safe to call repeatedly.
	Close(reason string)
}

// Config holds hub limits. Zero values select the defaults.
type Config struct {
	// MaxSessions caps concurrent sessions; 0 means unlimited.
	MaxSessions int
	SendTimeout time.Duration
}

// Result summarises one Publish.
type Result struct {
	Delivered int
	Evicted   []string
}

// Hub tracks live sessions keyed by connection ID. A user may hold any number
// of sessions; each is registered, served and evicted independently.
type Hub struct {
	maxSessions int
	sendTimeout time.Duration
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
}

// New returns an empty Hub.
func New(cfg Config, log *slog.Logger) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		maxSessions: cfg.MaxSessions,
		sendTimeout: cfg.SendTimeout,
		log:         log,
		sessions:    make(map[string]Session),
	}
}

// Register adds s. It fails with ErrFull when the hub is at capacity.
func (h *Hub) Register(s Session) error {
	h.mu.Lock()
	if h.maxSessions > 0 && len(h.sessions) >= h.maxSessions {
		h.mu.Unlock()
		return ErrFull
	}
	h.sessions[s.ID()] = s
	total := len(h.sessions)
	h.mu.Unlock()

	info := s.Info()
	h.log.Info("session registered",
		"conn", info.ID,
		"user", info.User,
		"addr", info.Addr,
		"total", total,
	)
	return nil
}

// Unregister removes the session with id and reports whether it was present.
// Removing an unknown id is a no-op, so eviction and disconnect may race.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	total := len(h.sessions)
	h.mu.Unlock()

	if ok {
		info := s.Info()
		h.log.Info("session unregistered",
			"conn", id,
			"user", info.User,
			"total", total,
		)
	}
	return ok
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns metadata for every session, oldest first.
func (h *Hub) Sessions() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Info())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID < out[j].ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// snapshot copies every session except originID.
func (h *Hub) snapshot(originID string) []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == originID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Publish delivers u to every session except originID (pass "" to reach
// everyone). Sends run concurrently outside the registry lock, each bounded
// by the send timeout. A session whose send fails is unregistered and closed;
// the other deliveries are unaffected.
func (h *Hub) Publish(ctx context.Context, u message.Update, originID string) Result {
	frame, err := message.Encode(message.BroadcastOf(u))
	if err != nil {
		h.log.Error("encode broadcast", "err", err)
		return Result{}
	}

	targets := h.snapshot(originID)
	LogUpdate(h.log, "broadcast", u, len(targets))

	var (
		g   errgroup.Group
		mu  sync.Mutex
		res Result
	)
	for _, s := range targets {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			defer cancel()

			if err := s.Send(sctx, frame); err != nil {
				h.log.Warn("evicting session after failed send",
					"conn", s.ID(),
					"user", s.Info().User,
					"err", err,
				)
				h.Unregister(s.ID())
				s.Close("send failed")

				mu.Lock()
				res.Evicted = append(res.Evicted, s.ID())
				mu.Unlock()
				return nil
			}

			mu.Lock()
			res.Delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Evicted)
	return res
}

// CloseAll closes and removes every session. Used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]Session)
	h.mu.Unlock()

	for _, s := range all {
		s.Close(reason)
	}
	if len(all) > 0 {
		h.log.Info("closed all sessions", "count", len(all), "reason", reason)
	}
}
