//go:build darwin || windows || linux

package clip

import (
	"errors"
	"log/slog"

	"golang.design/x/clipboard"
)

var errWriteLost = errors.New("clipboard write was replaced before it landed")

type desktopDriver struct{}

// New returns the system clipboard driver, or the in-memory driver if the
// display environment is unavailable (a headless server without X11 or
// Wayland, or a CGO_ENABLED=0 build). clipboard.Init is called here rather
// than in init() so that the relay and the IPC sub-commands never touch the
// display.
func New() Driver {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return NewMemory()
	}
	return desktopDriver{}
}

func (desktopDriver) Name() string { return "system clipboard" }

func (desktopDriver) ReadText() (string, error) {
	return string(clipboard.Read(clipboard.FmtText)), nil
}

func (desktopDriver) ReadImage() ([]byte, error) {
	return clipboard.Read(clipboard.FmtImage), nil
}

func (desktopDriver) WriteText(text string) error {
	return wait(clipboard.Write(clipboard.FmtText, []byte(text)))
}

func (desktopDriver) WriteImage(png []byte) error {
	return wait(clipboard.Write(clipboard.FmtImage, png))
}

// wait reports a write as failed only if the returned channel is already
// closed, meaning another writer took ownership immediately. The channel
// otherwise stays open until someone else writes, which may be never.
func wait(changed <-chan struct{}) error {
	if changed == nil {
		return errWriteLost
	}
	select {
	case <-changed:
		return errWriteLost
	default:
		return nil
	}
}
