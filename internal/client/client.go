// Package client connects a local clipboard to a relay. A Client owns the
// change detector and outbox for the lifetime of the process; each Session is
// one authenticated connection. Detector markers survive reconnects, and the
// outbox refuses updates while no session is serving.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"go.klb.dev/cliprelay/internal/clip"
	"go.klb.dev/cliprelay/internal/detector"
	"go.klb.dev/cliprelay/internal/heartbeat"
	"go.klb.dev/cliprelay/internal/message"
	"go.klb.dev/cliprelay/internal/normalize"
	"go.klb.dev/cliprelay/internal/wire"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultAuthTimeout = 30 * time.Second
)

var (
	// ErrAuthFailed wraps every auth_failed / auth_error / error reply.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrRejected means the relay's guard closed the connection (blocked
	// or rate limited) before authentication.
	ErrRejected = errors.New("connection rejected by relay")
)

// Config describes how to reach the relay.
type Config struct {
	URL            string
	TLS            *tls.Config
	MaxMessageSize int64
	DialTimeout    time.Duration
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	PollInterval   time.Duration
	OutboxSize     int
}

// Client ties a clipboard driver to relay sessions.
type Client struct {
	cfg Config
	drv clip.Driver
	det *detector.Detector
	out *detector.Outbox
	log *slog.Logger
}

// New returns a Client for drv. Nothing is dialled until Connect.
func New(cfg Config, drv clip.Driver, log *slog.Logger) *Client {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = normalize.DefaultMaxSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		drv: drv,
		det: detector.New(drv, int(cfg.MaxMessageSize), log),
		out: detector.NewOutbox(cfg.OutboxSize),
		log: log,
	}
}

// Prime records the current clipboard as already sent.
func (c *Client) Prime() { c.det.Prime() }

// Detector exposes the change detector, mainly for status output.
func (c *Client) Detector() *detector.Detector { return c.det }

// Watch polls the local clipboard until ctx is done. It runs independently
// of sessions; while disconnected, changes simply wait for the next session.
func (c *Client) Watch(ctx context.Context) error {
	return c.det.Run(ctx, c.cfg.PollInterval, c.out)
}

// Session is one authenticated relay connection.
type Session struct {
	c       *Client
	conn    *wire.Conn
	Welcome string
}

// Connect dials the relay and authenticates. The returned error wraps
// ErrAuthFailed or ErrRejected when the relay refused us.
func (c *Client) Connect(ctx context.Context, user, password string) (*Session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := wire.Dial(dctx, c.cfg.URL, c.cfg.TLS, c.cfg.MaxMessageSize)
	cancel()
	if err != nil {
		return nil, err
	}

	if err := conn.Write(ctx, message.Auth(user, password)); err != nil {
		_ = conn.CloseNormal("")
		return nil, rejection(err, "send auth")
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	raw, err := conn.ReadRaw(actx)
	cancel()
	if err != nil {
		_ = conn.CloseNormal("")
		return nil, rejection(err, "await auth reply")
	}

	e, err := message.Decode(raw)
	if err != nil {
		_ = conn.CloseNormal("")
		return nil, fmt.Errorf("auth reply: %w", err)
	}
	switch e.Type {
	case message.TypeAuthSuccess:
		c.log.Info("authenticated", "user", user, "relay", c.cfg.URL)
		return &Session{c: c, conn: conn, Welcome: e.Message}, nil
	case message.TypeAuthFailed, message.TypeAuthError, message.TypeError:
		_ = conn.CloseNormal("")
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
	default:
		_ = conn.CloseNormal("")
		return nil, fmt.Errorf("auth reply: unexpected frame type %q", e.Type)
	}
}

// rejection maps a policy-violation close to ErrRejected.
func rejection(err error, op string) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusPolicyViolation {
		return fmt.Errorf("%w: %s", ErrRejected, ce.Reason)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Serve runs the session until the connection drops or ctx is done. It
// returns nil only when ctx ended it.
func (s *Session) Serve(ctx context.Context) error {
	s.c.out.Open()
	defer s.c.out.Close()
	defer s.conn.CloseNormal("")

	hb := heartbeat.New(s.c.cfg.PingInterval, s.c.cfg.IdleTimeout, func(ctx context.Context) error {
		return s.conn.Write(ctx, message.Ping())
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, hb) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return hb.Run(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("connection lost: %w", err)
}

// Close ends the session from outside Serve.
func (s *Session) Close() {
	_ = s.conn.CloseNormal("")
}

func (s *Session) readLoop(ctx context.Context, hb *heartbeat.Monitor) error {
	for {
		raw, err := s.conn.ReadRaw(ctx)
		if err != nil {
			return err
		}
		hb.Touch()
		s.handle(ctx, raw)
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) {
	log := s.c.log
	e, err := message.Decode(raw)
	if err != nil {
		log.Warn("malformed frame from relay", "err", err)
		return
	}

	switch e.Type {
	case message.TypeClipboardSync:
		u, ok := e.UpdateOf()
		if !ok {
			log.Debug("empty clipboard_sync ignored")
			return
		}
		if _, err := s.c.det.Apply(u); err != nil {
			log.Warn("apply remote clipboard", "from", u.OriginUser, "err", err)
		}

	case message.TypePing:
		if err := s.conn.Write(ctx, message.Pong()); err != nil {
			log.Debug("send pong", "err", err)
		}

	case message.TypePong:

	case message.TypeError, message.TypeAuthError, message.TypeAuthFailed:
		log.Warn("relay reported error", "type", e.Type, "message", e.Message)

	default:
		log.Debug("unexpected frame type ignored", "type", e.Type)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		u, err := s.c.out.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.conn.Write(ctx, message.Sync(u)); err != nil {
			return fmt.Errorf("send update: %w", err)
		}
	}
}
