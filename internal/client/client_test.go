package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/cliprelay/internal/auth"
	"go.klb.dev/cliprelay/internal/clip"
	"go.klb.dev/cliprelay/internal/guard"
	"go.klb.dev/cliprelay/internal/hub"
	"go.klb.dev/cliprelay/internal/logging"
	"go.klb.dev/cliprelay/internal/relay"
)

func startRelay(t *testing.T, gcfg guard.Config) (string, *hub.Hub) {
	t.Helper()
	creds, err := auth.New(map[string]string{"alice": "admin123", "bob": "user123"})
	require.NoError(t, err)

	log := logging.Discard()
	h := hub.New(hub.Config{}, log)
	srv := relay.New(relay.Config{}, creds, guard.New(gcfg, log), h, log)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Shutdown)
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws", h
}

func newTestClient(url string, mem *clip.Memory) *Client {
	return New(Config{URL: url, PollInterval: 20 * time.Millisecond}, mem, logging.Discard())
}

// serve runs a session in the background and stops it on cleanup.
func serve(t *testing.T, c *Client, user, pw string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := c.Connect(ctx, user, pw)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Serve(ctx)
	}()
	go func() { _ = c.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConnect_Welcome(t *testing.T) {
	url, _ := startRelay(t, guard.Config{})
	c := newTestClient(url, clip.NewMemory())

	sess, err := c.Connect(context.Background(), "alice", "admin123")
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "Welcome alice! Clipboard sync active.", sess.Welcome)
}

func TestConnect_BadPassword(t *testing.T) {
	url, _ := startRelay(t, guard.Config{})
	c := newTestClient(url, clip.NewMemory())

	_, err := c.Connect(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Contains(t, err.Error(), "Invalid credentials")
}

func TestConnect_Blocked(t *testing.T) {
	url, _ := startRelay(t, guard.Config{MaxFailedAttempts: 1})
	c := newTestClient(url, clip.NewMemory())

	_, err := c.Connect(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrAuthFailed)

	_, err = c.Connect(context.Background(), "alice", "admin123")
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Blocked")
}

func TestTwoClientsSyncWithoutEcho(t *testing.T) {
	url, h := startRelay(t, guard.Config{})

	memA, memB := clip.NewMemory(), clip.NewMemory()
	a, b := newTestClient(url, memA), newTestClient(url, memB)
	serve(t, a, "alice", "admin123")
	serve(t, b, "bob", "user123")
	require.Eventually(t, func() bool { return h.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, memA.WriteText("copied on A"))
	require.Eventually(t, func() bool {
		text, _ := memB.ReadText()
		return text == "copied on A"
	}, 5*time.Second, 10*time.Millisecond)

	// B applied it and must not bounce it back as its own change.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "copied on A", b.Detector().State().LastAppliedText)
	assert.Empty(t, b.Detector().State().LastSentText)

	require.NoError(t, memB.WriteText("reply from B"))
	require.Eventually(t, func() bool {
		text, _ := memA.ReadText()
		return text == "reply from B"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPrimeSuppressesStaleContent(t *testing.T) {
	url, h := startRelay(t, guard.Config{})

	memA, memB := clip.NewMemory(), clip.NewMemory()
	require.NoError(t, memA.WriteText("stale"))

	a, b := newTestClient(url, memA), newTestClient(url, memB)
	a.Prime()
	serve(t, b, "bob", "user123")
	serve(t, a, "alice", "admin123")
	require.Eventually(t, func() bool { return h.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	text, _ := memB.ReadText()
	assert.Empty(t, text)
}

func TestOutboxRefusesWhileDisconnected(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1", clip.NewMemory())
	mem := c.drv.(*clip.Memory)
	require.NoError(t, mem.WriteText("offline change"))

	c.det.Poll(c.out)
	assert.Empty(t, c.det.State().LastSentText)
	assert.Zero(t, c.out.Len())
}
