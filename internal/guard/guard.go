// Package guard implements the relay's pre-authentication abuse protection:
// a per-address sliding-window connection rate limit and a failed-login
// counter that permanently blocks an address once it reaches a threshold.
//
// Everything is keyed by source address, never by user identity, because the
// checks run before the peer has authenticated. Blocks last for the process
// lifetime; there is no unblock.
package guard

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultMaxRequestsPerMinute = 30
	DefaultMaxFailedAttempts    = 5

	// Window is the trailing period the rate limit is evaluated over.
	Window = time.Minute

	// pruneThreshold bounds how many rate windows are kept before expired
	// ones are swept.
	pruneThreshold = 10000
)

// Verdict is the outcome of Admit.
type Verdict int

const (
	Allowed Verdict = iota
	Blocked
	RateLimited
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case RateLimited:
		return "rate limited"
	default:
		return "unknown"
	}
}

// Config holds the guard thresholds. Zero values select the defaults.
type Config struct {
	MaxRequestsPerMinute int
	MaxFailedAttempts    int
}

// Stats is a point-in-time summary for the status endpoint.
type Stats struct {
	TrackedAddrs int      `json:"tracked_addrs"`
	FailingAddrs int      `json:"failing_addrs"`
	Blocked      []string `json:"blocked"`
}

// Guard is safe for concurrent use by every connection handler.
type Guard struct {
	maxRequests int
	maxFailures int
	now         func() time.Time
	log         *slog.Logger

	mu       sync.Mutex
	windows  map[string][]time.Time
	failures map[string]int
	blocked  map[string]struct{}
}

// New returns a Guard configured by cfg.
func New(cfg Config, log *slog.Logger) *Guard {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		maxRequests: cfg.MaxRequestsPerMinute,
		maxFailures: cfg.MaxFailedAttempts,
		now:         time.Now,
		log:         log,
		windows:     make(map[string][]time.Time),
		failures:    make(map[string]int),
		blocked:     make(map[string]struct{}),
	}
}

// SetClock replaces the time source. Tests only.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Admit decides whether a new connection from addr may proceed. Blocked
// addresses are rejected before the rate window is consulted, so they do
// not consume budget. An allowed attempt is recorded in the same critical
// section as the check.
func (g *Guard) Admit(addr string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.blocked[addr]; ok {
		g.log.Warn("blocked address attempted connection", "addr", addr)
		return Blocked
	}

	now := g.now()
	cutoff := now.Add(-Window)

	if len(g.windows) > pruneThreshold {
		g.pruneLocked(cutoff)
	}

	recent := g.windows[addr][:0]
	for _, t := range g.windows[addr] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= g.maxRequests {
		g.windows[addr] = recent
		g.log.Warn("rate limit exceeded", "addr", addr, "attempts", len(recent))
		return RateLimited
	}

	g.windows[addr] = append(recent, now)
	return Allowed
}

// RecordFailure counts a failed login from addr and reports whether the
// address is now blocked.
func (g *Guard) RecordFailure(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures[addr]++
	if g.failures[addr] >= g.maxFailures {
		if _, already := g.blocked[addr]; !already {
			g.blocked[addr] = struct{}{}
			g.log.Warn("address blocked", "addr", addr, "failures", g.failures[addr])
		}
		return true
	}
	return false
}

// RecordSuccess clears the failure count for addr. It does not unblock.
func (g *Guard) RecordSuccess(addr string) {
	g.mu.Lock()
	delete(g.failures, addr)
	g.mu.Unlock()
}

// IsBlocked reports whether addr is in the block set.
func (g *Guard) IsBlocked(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[addr]
	return ok
}

// Stats returns a snapshot of what the guard is tracking.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		TrackedAddrs: len(g.windows),
		FailingAddrs: len(g.failures),
		Blocked:      make([]string, 0, len(g.blocked)),
	}
	for addr := range g.blocked {
		s.Blocked = append(s.Blocked, addr)
	}
	sort.Strings(s.Blocked)
	return s
}

// pruneLocked deletes windows whose newest attempt is older than cutoff.
// Such a window behaves exactly like an absent one. Must be called with
// g.mu held.
func (g *Guard) pruneLocked(cutoff time.Time) {
	for addr, times := range g.windows {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(g.windows, addr)
		}
	}
}
