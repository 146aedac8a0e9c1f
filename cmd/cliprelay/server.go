package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go.klb.dev/cliprelay/internal/auth"
	"go.klb.dev/cliprelay/internal/guard"
	"go.klb.dev/cliprelay/internal/heartbeat"
	"go.klb.dev/cliprelay/internal/hub"
	"go.klb.dev/cliprelay/internal/ipc"
	"go.klb.dev/cliprelay/internal/normalize"
	"go.klb.dev/cliprelay/internal/relay"
	"go.klb.dev/cliprelay/internal/tlsconf"
)

const (
	defaultPort     = "8765"
	shutdownTimeout = 5 * time.Second
)

func newServerCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the clipboard relay",
		Long: `Starts the relay. Every authenticated session receives the clipboard
updates of every other session.

Users come from USER<n>_NAME / USER<n>_PASS (environment or .env), the [users]
table of the config file, or --users alice:secret,bob:$2a$... Secrets that look
like bcrypt hashes are verified as such.

Precedence (lowest → highest): defaults → config file → .env → CLIPRELAY_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runServer(cmd, v) },
	}

	f := cmd.Flags()
	f.String("addr", "0.0.0.0:"+defaultPort, "listen address (PORT from the environment overrides the default port)")
	f.String("users", "", "comma-separated user:secret pairs")
	f.Int("max-sessions", 0, "concurrent session cap (0 = unlimited)")
	f.Int64("max-message-size", normalize.DefaultMaxSize, "largest accepted clipboard content in bytes")
	f.Duration("auth-timeout", relay.DefaultAuthTimeout, "time allowed for the auth frame")
	f.Duration("ping-interval", heartbeat.DefaultInterval, "interval between pings")
	f.Duration("idle-timeout", heartbeat.DefaultIdleTimeout, "close sessions silent for this long")
	f.Int("rate-limit", guard.DefaultMaxRequestsPerMinute, "connections per source address per minute")
	f.Int("max-failures", guard.DefaultMaxFailedAttempts, "failed logins before an address is blocked")
	f.Bool("trust-proxy", false, "take the source address from X-Forwarded-For / X-Real-IP when the peer is a private or loopback address")
	f.String("tls-passphrase", "", "serve wss:// with a certificate derived from this passphrase")
	f.String("socket", ipc.SocketPath(), "IPC socket path for status/copy")
	f.Bool("no-ipc", false, "disable the IPC socket")
	addLoggingFlags(cmd)
	addConfigFlags(cmd)

	return cmd
}

func runServer(cmd *cobra.Command, v *viper.Viper) error {
	setupLogging(v)
	log := slog.Default()

	users, err := loadUsers(v)
	if err != nil {
		return err
	}
	creds, err := auth.New(users)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	var tlsCfg *tls.Config
	if pass := v.GetString("tls-passphrase"); pass != "" {
		tlsCfg, err = tlsconf.ServerConfig(pass)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	g := guard.New(guard.Config{
		MaxRequestsPerMinute: v.GetInt("rate-limit"),
		MaxFailedAttempts:    v.GetInt("max-failures"),
	}, log)
	h := hub.New(hub.Config{MaxSessions: v.GetInt("max-sessions")}, log)
	srv := relay.New(relay.Config{
		MaxMessageSize: v.GetInt64("max-message-size"),
		AuthTimeout:    v.GetDuration("auth-timeout"),
		PingInterval:   v.GetDuration("ping-interval"),
		IdleTimeout:    v.GetDuration("idle-timeout"),
		TrustProxy:     v.GetBool("trust-proxy"),
	}, creds, g, h, log)

	addr := listenAddr(cmd, v)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	log.Info("cliprelay server starting",
		"version", Version,
		"addr", ln.Addr(),
		"users", len(creds.Users()),
		"tls", tlsCfg != nil,
		"max_sessions", v.GetInt("max-sessions"),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if !v.GetBool("no-ipc") {
		path := v.GetString("socket")
		ipcLn, err := ipc.Listen(path)
		if err != nil {
			log.Warn("IPC socket unavailable", "err", err)
		} else {
			log.Info("IPC socket listening", "path", path)
			defer os.Remove(path)
			b := &relayBackend{srv: srv, addr: ln.Addr().String(), tls: tlsCfg != nil}
			grp.Go(func() error { return ipc.Serve(gctx, ipcLn, b) })
		}
	}

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "sessions", h.Len())
		srv.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	return grp.Wait()
}

// listenAddr honours PORT (as written by the setup wizard's .env) when the
// address was not configured explicitly.
func listenAddr(cmd *cobra.Command, v *viper.Viper) string {
	addr := v.GetString("addr")
	if cmd.Flags().Changed("addr") || v.InConfig("addr") || os.Getenv("CLIPRELAY_ADDR") != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}
	return addr
}

// loadUsers merges USER<n>_* pairs with the configured users, which are
// either a [users] table or a "user:secret,..." string (flag or env).
func loadUsers(v *viper.Viper) (map[string]string, error) {
	fromEnv, err := auth.FromEnv(os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	var configured map[string]string
	if s, ok := v.Get("users").(string); ok {
		configured, err = auth.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("--users: %w", err)
		}
	} else {
		configured = v.GetStringMapString("users")
	}

	users := auth.Merge(fromEnv, configured)
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: set USER1_NAME/USER1_PASS, a [users] table or --users", auth.ErrNoUsers)
	}
	return users, nil
}

// relayBackend exposes the relay on the IPC socket.
type relayBackend struct {
	srv  *relay.Server
	addr string
	tls  bool
}

func (b *relayBackend) Status() any {
	return statusReport{
		Version: Version,
		Addr:    b.addr,
		TLS:     b.tls,
		Status:  b.srv.Status(),
	}
}

func (b *relayBackend) Copy(ctx context.Context, text string) (any, error) {
	res, err := b.srv.PublishLocal(ctx, text)
	if err != nil {
		return nil, err
	}
	slog.Info("local copy published", "delivered", res.Delivered, "evicted", len(res.Evicted))
	return copyResult{Delivered: res.Delivered, Evicted: res.Evicted}, nil
}
