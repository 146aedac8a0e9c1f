// Package normalize turns the two historical clipboard frame shapes into a
// single canonical message.Update.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"go.klb.dev/cliprelay/internal/message"
)

// DefaultMaxSize is the payload ceiling used when none is configured (10 MiB).
const DefaultMaxSize = 10 * 1024 * 1024

var (
	// ErrEmpty means the frame carried no usable content. Callers treat it
	// as a silent no-op.
	ErrEmpty = errors.New("no clipboard content")

	ErrTooLarge           = errors.New("content exceeds maximum size")
	ErrInvalidImage       = errors.New("image is not a base64 data URI")
	ErrUnknownContentType = errors.New("unknown content type")
	ErrNotClipboard       = errors.New("not a clipboard frame")
)

// dropInvalid removes ill-formed UTF-8. runes.Remove maps every invalid byte
// to utf8.RuneError before consulting the predicate, so they are dropped too.
var dropInvalid = runes.Remove(runes.Predicate(func(r rune) bool { return r == utf8.RuneError }))

// Normalizer validates clipboard frames against a size ceiling.
type Normalizer struct {
	MaxSize int
}

// New returns a Normalizer with the given ceiling; maxSize <= 0 selects
// DefaultMaxSize.
func New(maxSize int) *Normalizer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Normalizer{MaxSize: maxSize}
}

// Normalize converts a clipboard_update or clipboard_sync frame from origin
// into a canonical update. Any error other than ErrEmpty describes content
// that should be dropped with a warning.
func (n *Normalizer) Normalize(e *message.Envelope, origin string) (message.Update, error) {
	var (
		u   message.Update
		err error
	)
	switch e.Type {
	case message.TypeClipboardUpdate:
		u, err = n.legacy(e)
	case message.TypeClipboardSync:
		u, err = n.current(e)
	default:
		return message.Update{}, fmt.Errorf("%w: %q", ErrNotClipboard, e.Type)
	}
	if err != nil {
		return message.Update{}, err
	}
	u.OriginUser = origin
	return u, nil
}

// legacy handles {text, image}. A valid image wins; otherwise a valid text.
func (n *Normalizer) legacy(e *message.Envelope) (message.Update, error) {
	image := strings.TrimSpace(e.Image)
	text := e.Text
	if image == "" && strings.TrimSpace(text) == "" {
		return message.Update{}, ErrEmpty
	}

	var imgErr error
	if image != "" {
		payload, err := n.image(image)
		if err == nil {
			return message.Update{ContentType: message.ContentImage, Payload: payload}, nil
		}
		imgErr = err
	}

	payload, err := n.text(text)
	if err == nil {
		return message.Update{ContentType: message.ContentText, Payload: payload}, nil
	}
	if imgErr != nil && errors.Is(err, ErrEmpty) {
		return message.Update{}, imgErr
	}
	return message.Update{}, err
}

// current handles {content_type, content}.
func (n *Normalizer) current(e *message.Envelope) (message.Update, error) {
	switch e.ContentType {
	case message.ContentText:
		payload, err := n.text(e.Content)
		if err != nil {
			return message.Update{}, err
		}
		return message.Update{ContentType: message.ContentText, Payload: payload}, nil
	case message.ContentImage:
		content := strings.TrimSpace(e.Content)
		if content == "" {
			return message.Update{}, ErrEmpty
		}
		payload, err := n.image(content)
		if err != nil {
			return message.Update{}, err
		}
		return message.Update{ContentType: message.ContentImage, Payload: payload}, nil
	case "":
		if strings.TrimSpace(e.Content) == "" {
			return message.Update{}, ErrEmpty
		}
	}
	return message.Update{}, fmt.Errorf("%w: %q", ErrUnknownContentType, e.ContentType)
}

func (n *Normalizer) image(s string) (string, error) {
	if !message.IsImageData(s) {
		return "", ErrInvalidImage
	}
	if len(s) > n.MaxSize {
		return "", fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, len(s), n.MaxSize)
	}
	return s, nil
}

func (n *Normalizer) text(s string) (string, error) {
	s = Recover(s)
	if strings.TrimSpace(s) == "" {
		return "", ErrEmpty
	}
	if len(s) > n.MaxSize {
		return "", fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, len(s), n.MaxSize)
	}
	return s, nil
}

// Recover drops invalid UTF-8 sequences from s, along with the U+FFFD
// replacement characters a lenient upstream decoder left in their place.
func Recover(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, utf8.RuneError) {
		return s
	}
	out, _, err := transform.String(dropInvalid, s)
	if err != nil {
		return strings.ToValidUTF8(s, "")
	}
	return out
}
