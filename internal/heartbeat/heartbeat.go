// Package heartbeat sends periodic application-level pings and detects idle
// peers. Both the relay and the client run one Monitor per connection.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultIdleTimeout = 90 * time.Second
)

// ErrIdle is returned by Run when nothing was heard from the peer for the
// idle timeout.
var ErrIdle = errors.New("heartbeat: peer idle")

// Monitor tracks liveness of one connection.
type Monitor struct {
	interval time.Duration
	idle     time.Duration
	ping     func(context.Context) error

	last atomic.Int64 // unix nanos of the most recent inbound frame
}

// New returns a Monitor that calls ping every interval and gives up after
// idle without a Touch. Zero durations select the defaults.
func New(interval, idle time.Duration, ping func(context.Context) error) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	m := &Monitor{interval: interval, idle: idle, ping: ping}
	m.Touch()
	return m
}

// Touch records inbound traffic. Any frame counts, not just pong.
func (m *Monitor) Touch() {
	m.last.Store(time.Now().UnixNano())
}

// Idle returns how long ago the peer was last heard from.
func (m *Monitor) Idle() time.Duration {
	return time.Since(time.Unix(0, m.last.Load()))
}

// Run blocks until ctx is done, a ping fails, or the peer goes idle.
func (m *Monitor) Run(ctx context.Context) error {
	pings := time.NewTicker(m.interval)
	defer pings.Stop()
	deadline := time.NewTimer(m.idle)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pings.C:
			if err := m.ping(ctx); err != nil {
				return fmt.Errorf("heartbeat ping: %w", err)
			}

		case <-deadline.C:
			since := m.Idle()
			if since >= m.idle {
				return fmt.Errorf("%w for %s", ErrIdle, since.Round(time.Second))
			}
			deadline.Reset(m.idle - since)
		}
	}
}
