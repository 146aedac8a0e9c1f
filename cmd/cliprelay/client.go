package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"go.klb.dev/cliprelay/internal/clip"
	"go.klb.dev/cliprelay/internal/client"
	"go.klb.dev/cliprelay/internal/detector"
	"go.klb.dev/cliprelay/internal/heartbeat"
	"go.klb.dev/cliprelay/internal/normalize"
	"go.klb.dev/cliprelay/internal/tlsconf"
)

func newClientCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a relay and sync the local clipboard",
		Long: `Connects to a relay and keeps the local clipboard in sync with every
other session. Whatever is on the clipboard at startup is treated as already
shared.

The user ID and password are prompted for unless set via --user and
CLIPRELAY_PASSWORD. When the connection drops the client asks before
reconnecting and prompts for credentials again.

Precedence (lowest → highest): defaults → config file → .env → CLIPRELAY_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runClient(cmd, v) },
	}

	f := cmd.Flags()
	f.String("url", "ws://localhost:"+defaultPort+"/ws", "relay URL (ws:// or wss://)")
	f.String("user", "", "user ID (prompted when empty)")
	f.String("tls-passphrase", "", "relay TLS passphrase; the relay certificate must derive from it")
	f.Bool("headless", false, "use an in-memory clipboard instead of the system one")
	f.Duration("poll-interval", detector.DefaultPollInterval, "clipboard poll interval")
	f.Int64("max-message-size", normalize.DefaultMaxSize, "largest clipboard content sent or accepted, in bytes")
	f.Duration("ping-interval", heartbeat.DefaultInterval, "interval between pings")
	f.Duration("idle-timeout", heartbeat.DefaultIdleTimeout, "reconnect when the relay is silent for this long")
	addLoggingFlags(cmd)
	addConfigFlags(cmd)

	return cmd
}

func runClient(cmd *cobra.Command, v *viper.Viper) error {
	setupLogging(v)
	log := slog.Default()

	url := v.GetString("url")
	var tlsCfg *tls.Config
	if pass := v.GetString("tls-passphrase"); pass != "" {
		var err error
		tlsCfg, err = tlsconf.ClientConfig(pass)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		if strings.HasPrefix(url, "ws://") {
			url = "wss://" + strings.TrimPrefix(url, "ws://")
		}
	}

	var drv clip.Driver
	if v.GetBool("headless") {
		drv = clip.NewMemory()
	} else {
		drv = clip.New()
	}

	c := client.New(client.Config{
		URL:            url,
		TLS:            tlsCfg,
		MaxMessageSize: v.GetInt64("max-message-size"),
		PingInterval:   v.GetDuration("ping-interval"),
		IdleTimeout:    v.GetDuration("idle-timeout"),
		PollInterval:   v.GetDuration("poll-interval"),
	}, drv, log)
	c.Prime()

	log.Info("cliprelay client starting",
		"version", Version,
		"url", url,
		"clipboard", drv.Name(),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := c.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("clipboard watcher stopped", "err", err)
		}
	}()

	p := newPrompter(os.Stdin, cmd.ErrOrStderr())
	user, password := v.GetString("user"), v.GetString("password")
	for {
		var err error
		if user, password, err = p.credentials(ctx, user, password); err != nil {
			return quietCancel(err)
		}

		sess, err := c.Connect(ctx, user, password)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, client.ErrAuthFailed):
			log.Error("authentication failed", "user", user, "err", err)
			if !p.interactive {
				return err
			}
			user, password = "", ""
			continue
		case err != nil:
			log.Error("connection failed", "url", url, "err", err)
			if !p.interactive {
				return err
			}
			if err := p.confirmReconnect(ctx); err != nil {
				return quietCancel(err)
			}
			continue
		}

		fmt.Fprintln(p.out, sess.Welcome)
		err = sess.Serve(ctx)
		if err == nil {
			return nil
		}
		log.Warn("disconnected", "err", err)
		if !p.interactive {
			return err
		}

		if err := p.confirmReconnect(ctx); err != nil {
			return quietCancel(err)
		}
		user, password = "", ""
	}
}

// quietCancel turns an interrupted prompt into a clean exit.
func quietCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// prompter asks for credentials on the controlling terminal.
type prompter struct {
	in          *bufio.Reader
	fd          int
	out         io.Writer
	interactive bool
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	fd := int(in.Fd())
	return &prompter{
		in:          bufio.NewReader(in),
		fd:          fd,
		out:         out,
		interactive: term.IsTerminal(fd),
	}
}

// credentials fills in whichever of user and password is empty.
func (p *prompter) credentials(ctx context.Context, user, password string) (string, string, error) {
	if user != "" && password != "" {
		return user, password, nil
	}
	if !p.interactive {
		return "", "", errors.New("no terminal to prompt for credentials; set --user and CLIPRELAY_PASSWORD")
	}

	var err error
	for user == "" {
		fmt.Fprint(p.out, "Enter your User ID: ")
		if user, err = p.line(ctx); err != nil {
			return "", "", err
		}
	}
	for password == "" {
		fmt.Fprint(p.out, "Enter your Password: ")
		if password, err = p.secret(ctx); err != nil {
			return "", "", err
		}
	}
	return user, password, nil
}

func (p *prompter) confirmReconnect(ctx context.Context) error {
	fmt.Fprint(p.out, "Connection lost. Press Enter to reconnect (Ctrl-C to quit): ")
	_, err := p.line(ctx)
	return err
}

func (p *prompter) line(ctx context.Context) (string, error) {
	return readCtx(ctx, func() (string, error) {
		s, err := p.in.ReadString('\n')
		if err != nil && (s == "" || !errors.Is(err, io.EOF)) {
			return "", err
		}
		return strings.TrimSpace(s), nil
	})
}

// secret reads without echo. The terminal state is restored if ctx ends
// while the read is still blocked.
func (p *prompter) secret(ctx context.Context) (string, error) {
	state, err := term.GetState(p.fd)
	if err != nil {
		return "", err
	}
	s, err := readCtx(ctx, func() (string, error) {
		b, err := term.ReadPassword(p.fd)
		return strings.TrimSpace(string(b)), err
	})
	fmt.Fprintln(p.out)
	if ctx.Err() != nil {
		_ = term.Restore(p.fd, state)
	}
	return s, err
}

// readCtx runs a blocking read and abandons it when ctx is done.
func readCtx(ctx context.Context, read func() (string, error)) (string, error) {
	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := read()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
