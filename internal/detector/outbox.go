package detector

import (
	"context"
	"sync"

	"go.klb.dev/cliprelay/internal/message"
)

// DefaultOutboxSize is how many outbound updates may wait for the network.
const DefaultOutboxSize = 8

// Outbox hands updates from the poller to the network writer. It is bounded
// and drops the oldest pending update when full, since a newer clipboard
// value supersedes an older one anyway. While closed (disconnected) it
// refuses everything.
type Outbox struct {
	size int

	mu      sync.Mutex
	open    bool
	pending []message.Update
	dropped int
	ready   chan struct{}
}

// NewOutbox returns a closed outbox holding at most size updates.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{size: size, ready: make(chan struct{}, 1)}
}

// Open starts accepting updates.
func (o *Outbox) Open() {
	o.mu.Lock()
	o.open = true
	o.mu.Unlock()
}

// Close stops accepting updates and discards anything pending.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.open = false
	o.pending = nil
	o.mu.Unlock()
}

// Offer queues u and reports whether it was accepted.
func (o *Outbox) Offer(u message.Update) bool {
	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return false
	}
	if len(o.pending) >= o.size {
		o.pending = o.pending[1:]
		o.dropped++
	}
	o.pending = append(o.pending, u)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an update is pending or ctx is done.
func (o *Outbox) Next(ctx context.Context) (message.Update, error) {
	for {
		o.mu.Lock()
		if len(o.pending) > 0 {
			u := o.pending[0]
			o.pending = o.pending[1:]
			o.mu.Unlock()
			return u, nil
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return message.Update{}, ctx.Err()
		case <-o.ready:
		}
	}
}

// Len returns the number of pending updates.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Dropped returns how many updates were discarded for being oldest.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
