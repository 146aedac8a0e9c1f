package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.klb.dev/cliprelay/internal/guard"
	"go.klb.dev/cliprelay/internal/heartbeat"
	"go.klb.dev/cliprelay/internal/hub"
	"go.klb.dev/cliprelay/internal/message"
	"go.klb.dev/cliprelay/internal/normalize"
	"go.klb.dev/cliprelay/internal/wire"
)

// Status frame texts.
const (
	msgInvalidFormat      = "Invalid message format"
	msgAuthRequired       = "First message must be authentication"
	msgMissingCredentials = "Missing credentials"
	msgInvalidCredentials = "Invalid credentials"
	msgServerFull         = "Server full"
)

// peer is one accepted connection. Once authenticated it is also the
// hub.Session for that connection.
type peer struct {
	id    string
	addr  string
	conn  *wire.Conn
	srv   *Server
	log   *slog.Logger
	state atomic.Int32

	// writeMu orders frames: the auth reply is written before any broadcast
	// can reach the connection.
	writeMu sync.Mutex

	mu     sync.RWMutex
	user   string
	since  time.Time
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newPeer(id, addr string, conn *wire.Conn, srv *Server) *peer {
	p := &peer{
		id:   id,
		addr: addr,
		conn: conn,
		srv:  srv,
		log:  srv.log.With("conn", id, "addr", addr),
	}
	p.setState(StateAccepted)
	return p
}

func (p *peer) ID() string { return p.id }

func (p *peer) Info() hub.Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return hub.Info{ID: p.id, User: p.user, Addr: p.addr, Since: p.since}
}

func (p *peer) State() State { return State(p.state.Load()) }

func (p *peer) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.log.Debug("state", "from", prev, "to", s)
	}
}

// Send implements hub.Session.
func (p *peer) Send(ctx context.Context, frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteRaw(ctx, frame)
}

func (p *peer) write(ctx context.Context, v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Write(ctx, v)
}

// Close implements hub.Session. It is safe to call from any goroutine, any
// number of times.
func (p *peer) Close(reason string) {
	p.closeOnce.Do(func() {
		_ = p.conn.CloseNormal(reason)
		p.mu.RLock()
		cancel := p.cancel
		p.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	})
}

// serve drives the connection through the state machine and always leaves
// it Closed with its session released.
func (p *peer) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(p.srv.ctx, cancel)
	defer stop()

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	start := time.Now()
	p.log.Info("new connection")
	defer func() {
		p.srv.hub.Unregister(p.id)
		p.Close("")
		p.setState(StateClosed)
		p.log.Info("connection closed", "user", p.Info().User, "duration", time.Since(start).Round(time.Millisecond))
	}()

	switch p.srv.guard.Admit(p.addr) {
	case guard.Blocked:
		_ = p.conn.ClosePolicy(wire.ReasonBlocked)
		return
	case guard.RateLimited:
		_ = p.conn.ClosePolicy(wire.ReasonRateLimited)
		return
	}

	if !p.authenticate(ctx) {
		return
	}
	p.run(ctx)
}

// authenticate waits for the single auth frame and answers it. On success
// the peer is registered with the hub.
func (p *peer) authenticate(ctx context.Context) bool {
	p.setState(StateAwaitingCredentials)

	actx, cancel := context.WithTimeout(ctx, p.srv.cfg.AuthTimeout)
	raw, err := p.conn.ReadRaw(actx)
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			p.log.Warn("auth timeout", "after", p.srv.cfg.AuthTimeout)
		} else {
			p.log.Info("disconnected before auth", "err", err)
		}
		return false
	}

	env, err := message.Decode(raw)
	if err != nil {
		p.log.Warn("malformed auth frame", "err", err)
		p.reply(ctx, message.TypeError, msgInvalidFormat)
		return false
	}
	if env.Type != message.TypeAuth {
		p.log.Warn("first frame was not auth", "type", env.Type)
		p.reply(ctx, message.TypeError, msgAuthRequired)
		return false
	}

	user := strings.TrimSpace(env.UserID)
	password := strings.TrimSpace(env.Password)
	if user == "" || password == "" {
		p.reply(ctx, message.TypeAuthError, msgMissingCredentials)
		return false
	}

	if err := p.srv.creds.Verify(user, password); err != nil {
		blocked := p.srv.guard.RecordFailure(p.addr)
		p.log.Warn("authentication failed", "user", user, "blocked", blocked)
		p.setState(StateRejected)
		p.reply(ctx, message.TypeAuthFailed, msgInvalidCredentials)
		return false
	}
	p.srv.guard.RecordSuccess(p.addr)

	p.mu.Lock()
	p.user = user
	p.since = time.Now()
	p.mu.Unlock()
	p.log = p.log.With("user", user)

	// Hold the write lock across registration so no broadcast overtakes
	// auth_success.
	p.writeMu.Lock()
	if err := p.srv.hub.Register(p); err != nil {
		p.writeMu.Unlock()
		if errors.Is(err, hub.ErrFull) {
			p.log.Warn("rejecting login, server full")
			p.reply(ctx, message.TypeAuthError, msgServerFull)
		}
		return false
	}
	welcome := message.Status(message.TypeAuthSuccess, fmt.Sprintf("Welcome %s! Clipboard sync active.", user))
	err = p.conn.Write(ctx, welcome)
	p.writeMu.Unlock()
	if err != nil {
		p.log.Warn("send auth_success", "err", err)
		return false
	}

	p.setState(StateAuthenticated)
	p.log.Info("authenticated")
	return true
}

// reply sends a status frame; failures are irrelevant since the connection
// is about to close anyway.
func (p *peer) reply(ctx context.Context, t message.Type, msg string) {
	if err := p.write(ctx, message.Status(t, msg)); err != nil {
		p.log.Debug("send status frame", "type", t, "err", err)
	}
}

// run is the Authenticated read loop. It returns when the connection closes
// for any reason, including heartbeat idle timeout.
func (p *peer) run(ctx context.Context) {
	hb := heartbeat.New(p.srv.cfg.PingInterval, p.srv.cfg.IdleTimeout, func(ctx context.Context) error {
		return p.write(ctx, message.Ping())
	})
	go func() {
		err := hb.Run(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Info("heartbeat stopped", "err", err)
			p.Close("Idle timeout")
		}
	}()

	for {
		raw, err := p.conn.ReadRaw(ctx)
		if err != nil {
			if wire.IsClosed(err) || ctx.Err() != nil {
				p.log.Debug("read loop done", "err", err)
			} else {
				p.log.Info("connection lost", "err", err)
			}
			return
		}
		hb.Touch()
		p.handle(ctx, raw)
	}
}

func (p *peer) handle(ctx context.Context, raw []byte) {
	switch t := message.PeekType(raw); t {
	case message.TypeClipboardSync, message.TypeClipboardUpdate:
		env, err := message.Decode(raw)
		if err != nil {
			p.log.Warn("malformed clipboard frame", "err", err)
			return
		}
		u, err := p.srv.norm.Normalize(env, p.Info().User)
		switch {
		case errors.Is(err, normalize.ErrEmpty):
			p.log.Debug("empty clipboard frame ignored")
			return
		case err != nil:
			p.log.Warn("clipboard update rejected", "err", err, "size_bytes", len(raw))
			return
		}
		p.srv.hub.Publish(p.srv.ctx, u, p.id)

	case message.TypePing:
		if err := p.write(ctx, message.Pong()); err != nil {
			p.log.Debug("send pong", "err", err)
		}

	case message.TypePong:
		// liveness already refreshed

	case "":
		if _, err := message.Decode(raw); err != nil {
			p.log.Warn("malformed frame ignored", "err", err)
			return
		}
		p.log.Debug("untyped frame ignored")

	default:
		p.log.Debug("unexpected frame type ignored", "type", t)
	}
}
