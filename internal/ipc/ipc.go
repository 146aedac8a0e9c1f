// Package ipc provides the local Unix-socket channel used by CLI tools
// (status/copy) to talk to a running relay instead of opening a WebSocket
// session of their own.
//
// The channel is plain HTTP/1.1 over a Unix domain socket readable only by
// the owner:
//
//	GET  /status  → relay status as JSON
//	POST /copy    → request body is published as a text update to every session
//
// AF_UNIX is available on Linux, macOS and Windows 10+, so there is a single
// implementation.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxCopyBody caps what POST /copy reads; the relay applies its own
// message-size ceiling on top.
const maxCopyBody = 64 << 20

// SocketPath returns the platform-appropriate path for the IPC socket.
//
//   - $CLIPRELAY_SOCKET if set
//   - $XDG_RUNTIME_DIR/cliprelay.sock on Linux desktops
//   - $TMPDIR/cliprelay.sock otherwise
func SocketPath() string {
	if s := os.Getenv("CLIPRELAY_SOCKET"); s != "" {
		return s
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "cliprelay.sock")
	}
	return filepath.Join(os.TempDir(), "cliprelay.sock")
}

// IsRunning reports whether something is listening on path. It does a cheap
// dial-and-close; no data is exchanged.
func IsRunning(path string) bool {
	c, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen creates a listener on path, removing any stale socket file from a
// previous (crashed) run, and restricts it to the owner.
func Listen(path string) (net.Listener, error) {
	if IsRunning(path) {
		return nil, fmt.Errorf("ipc: %s already in use", path)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("ipc chmod: %w", err)
	}
	return ln, nil
}

// Backend is what the IPC server exposes.
type Backend interface {
	// Status returns a JSON-serialisable snapshot.
	Status() any
	// Copy publishes text and returns a JSON-serialisable result.
	Copy(ctx context.Context, text string) (any, error)
}

// Handler serves the IPC endpoints for b.
func Handler(b Backend) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, b.Status())
	})
	mux.HandleFunc("POST /copy", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCopyBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := b.Copy(r.Context(), string(body))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
	return mux
}

// Serve runs the IPC HTTP server on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, b Backend) error {
	srv := &http.Server{
		Handler:           Handler(b),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ipc serve: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Client talks to an IPC server.
type Client struct {
	http *http.Client
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{http: &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}}
}

// Status decodes GET /status into out.
func (c *Client) Status(ctx context.Context, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://cliprelay/status", nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Copy posts text and decodes the result into out.
func (c *Client) Copy(ctx context.Context, text string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://cliprelay/copy", strings.NewReader(text))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ipc %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("ipc %s: %s", req.URL.Path, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ipc %s: decode: %w", req.URL.Path, err)
	}
	return nil
}
