// Package wire carries cliprelay JSON frames over a WebSocket connection.
//
// Every frame is one WebSocket text message holding one JSON object. Writes
// are bounded by a timeout; when it expires the underlying connection is torn
// down, which is exactly what the relay wants for a stuck recipient.
package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"go.klb.dev/cliprelay/internal/message"
)

const (
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second

	// readHeadroom is added on top of the doubled content ceiling to cover
	// the envelope and JSON escaping.
	readHeadroom = 1 << 20
)

// Close reasons sent with StatusPolicyViolation.
const (
	ReasonBlocked     = "Blocked"
	ReasonRateLimited = "Rate limited"
)

// ReadLimit returns the WebSocket read limit for a given content ceiling.
// It is deliberately larger than the ceiling so an oversized clipboard frame
// reaches the normalizer and is dropped there instead of killing the
// connection.
func ReadLimit(maxContent int64) int64 {
	return 2*maxContent + readHeadroom
}

// Conn wraps a *websocket.Conn with JSON framing.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// New wraps ws. maxContent is the clipboard payload ceiling.
func New(ws *websocket.Conn, maxContent int64) *Conn {
	ws.SetReadLimit(ReadLimit(maxContent))
	return &Conn{ws: ws, writeTimeout: DefaultWriteTimeout}
}

// SetWriteTimeout overrides DefaultWriteTimeout. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// Accept upgrades an HTTP request on the relay side.
func Accept(w http.ResponseWriter, r *http.Request, maxContent int64) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients are native programs, not browsers; there is no Origin to check.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return New(ws, maxContent), nil
}

// Dial connects to a relay. tlsCfg is used for wss:// URLs and may be nil.
func Dial(ctx context.Context, url string, tlsCfg *tls.Config, maxContent int64) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsCfg != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return New(ws, maxContent), nil
}

// ReadRaw blocks for the next message and returns its bytes. Binary messages
// are accepted too; the decoder decides whether they make sense.
func (c *Conn) ReadRaw(ctx context.Context) ([]byte, error) {
	_, b, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WriteRaw sends one pre-encoded frame.
func (c *Conn) WriteRaw(ctx context.Context, b []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// Write encodes v and sends it.
func (c *Conn) Write(ctx context.Context, v any) error {
	b, err := message.Encode(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(ctx, b)
}

// Close performs the closing handshake once; later calls return the first
// result.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(code, reason)
	})
	return c.closeErr
}

// CloseNormal closes with StatusNormalClosure.
func (c *Conn) CloseNormal(reason string) error {
	return c.Close(websocket.StatusNormalClosure, reason)
}

// ClosePolicy closes with StatusPolicyViolation (1008).
func (c *Conn) ClosePolicy(reason string) error {
	return c.Close(websocket.StatusPolicyViolation, reason)
}

// IsClosed reports whether err just means the peer or our side went away,
// as opposed to a protocol or I/O fault worth a warning.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}
