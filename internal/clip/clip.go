// Package clip provides a unified interface to the system clipboard across
// platforms. Build constraints select the appropriate implementation:
//
//	clip_desktop.go: macOS, Windows and Linux via golang.design/x/clipboard
//	clip_other.go:   everything else falls back to the in-memory driver
//
// The change detector polls the driver, so no platform change notification
// is needed.
package clip

//go:generate go tool mockgen -source=clip.go -destination=mock_driver.go -package=clip

// Driver reads and writes the local clipboard. A nil/empty result with a nil
// error means the clipboard holds nothing of that kind.
type Driver interface {
	// Name returns a human-readable name for the driver.
	Name() string

	// ReadText returns the clipboard text, or "" when there is none.
	ReadText() (string, error)

	// ReadImage returns the clipboard image as PNG bytes, or nil.
	ReadImage() ([]byte, error)

	// WriteText replaces the clipboard contents with text.
	WriteText(text string) error

	// WriteImage replaces the clipboard contents with a PNG image.
	WriteImage(png []byte) error
}
