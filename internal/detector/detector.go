// Package detector decides when a local clipboard change should be sent and
// when an incoming update should be written locally, suppressing the echo
// loops that would otherwise form between devices.
//
// Four markers drive the decision: the last text and image digest this
// client sent, and the last text and image digest it applied from the relay.
// Sending a value clears the applied marker of the same kind; applying one
// clears the sent marker. Observing that the clipboard no longer holds a kind
// at all clears both markers of that kind, so re-copying an old value after
// copying something else is a real change.
package detector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.klb.dev/cliprelay/internal/clip"
	"go.klb.dev/cliprelay/internal/logging"
	"go.klb.dev/cliprelay/internal/message"
)

// DefaultPollInterval is how often the local clipboard is sampled.
const DefaultPollInterval = 500 * time.Millisecond

const pngPrefix = "data:image/png;base64,"

var ErrBadImage = errors.New("detector: undecodable image payload")

// Digest identifies image contents. The zero value means "none".
type Digest [sha256.Size]byte

func digestOf(b []byte) Digest { return sha256.Sum256(b) }

// State is the echo-suppression memory.
type State struct {
	LastSentText     string
	LastAppliedText  string
	LastSentImage    Digest
	LastAppliedImage Digest
}

// Sink accepts outbound updates. Offer reports whether the handoff happened.
type Sink interface {
	Offer(message.Update) bool
}

// Detector polls a clip.Driver and applies remote updates to it. Poll and
// Apply are serialised, so an update is fully applied before the next poll
// observes the clipboard.
type Detector struct {
	drv     clip.Driver
	maxSize int
	log     *slog.Logger

	mu    sync.Mutex
	state State

	// oversize remembers content already reported as too large so the
	// warning is not repeated every tick.
	oversizeText  string
	oversizeImage Digest
}

// New returns a Detector for drv. maxSize is the outbound payload ceiling.
func New(drv clip.Driver, maxSize int, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{drv: drv, maxSize: maxSize, log: log}
}

// State returns a copy of the current markers.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Prime records the current clipboard as already sent, so that joining a
// session does not broadcast stale content.
func (d *Detector) Prime() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if text, err := d.drv.ReadText(); err == nil && text != "" {
		d.state.LastSentText = text
	}
	if img, err := d.drv.ReadImage(); err == nil && len(img) > 0 {
		d.state.LastSentImage = digestOf(img)
	}
}

// Run polls every interval until ctx is done.
func (d *Detector) Run(ctx context.Context, interval time.Duration, sink Sink) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.Poll(sink)
		}
	}
}

// Poll samples the clipboard once and offers any new text or image to sink.
// Driver errors are logged and treated as transient.
func (d *Detector) Poll(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollText(sink)
	d.pollImage(sink)
}

func (d *Detector) pollText(sink Sink) {
	text, err := d.drv.ReadText()
	if err != nil {
		d.log.Warn("read clipboard text", "err", err)
		return
	}
	if text == "" {
		d.state.LastSentText, d.state.LastAppliedText = "", ""
		return
	}
	if strings.TrimSpace(text) == "" || message.IsImageData(text) {
		return
	}
	if text == d.state.LastSentText || text == d.state.LastAppliedText {
		return
	}
	if len(text) > d.maxSize {
		if text != d.oversizeText {
			d.oversizeText = text
			d.log.Warn("clipboard text too large to sync", "size_bytes", len(text), "max_bytes", d.maxSize)
		}
		return
	}

	if !sink.Offer(message.Update{ContentType: message.ContentText, Payload: text}) {
		return
	}
	d.state.LastSentText = text
	d.state.LastAppliedText = ""
	d.log.Info("text sent", "size_bytes", len(text))
	if logging.DebugEnabled(d.log) {
		d.log.Debug("clipboard text", "preview", logging.Preview(text))
	}
}

func (d *Detector) pollImage(sink Sink) {
	img, err := d.drv.ReadImage()
	if err != nil {
		d.log.Warn("read clipboard image", "err", err)
		return
	}
	if len(img) == 0 {
		d.state.LastSentImage, d.state.LastAppliedImage = Digest{}, Digest{}
		return
	}

	sum := digestOf(img)
	if sum == d.state.LastSentImage || sum == d.state.LastAppliedImage {
		return
	}
	payload := pngPrefix + base64.StdEncoding.EncodeToString(img)
	if len(payload) > d.maxSize {
		if sum != d.oversizeImage {
			d.oversizeImage = sum
			d.log.Warn("clipboard image too large to sync", "size_bytes", len(payload), "max_bytes", d.maxSize)
		}
		return
	}

	if !sink.Offer(message.Update{ContentType: message.ContentImage, Payload: payload}) {
		return
	}
	d.state.LastSentImage = sum
	d.state.LastAppliedImage = Digest{}
	d.log.Info("image sent", "size_bytes", len(payload))
}

// Apply writes a remote update to the clipboard unless it equals the last
// value sent or applied. It reports whether the clipboard was written.
func (d *Detector) Apply(u message.Update) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch u.ContentType {
	case message.ContentImage:
		return d.applyImage(u)
	default:
		return d.applyText(u)
	}
}

func (d *Detector) applyText(u message.Update) (bool, error) {
	if u.Payload == "" || u.Payload == d.state.LastSentText || u.Payload == d.state.LastAppliedText {
		return false, nil
	}
	if err := d.drv.WriteText(u.Payload); err != nil {
		return false, fmt.Errorf("write clipboard text: %w", err)
	}
	d.state.LastAppliedText = u.Payload
	d.state.LastSentText = ""
	d.log.Info("text received", "from", u.OriginUser, "size_bytes", len(u.Payload))
	if logging.DebugEnabled(d.log) {
		d.log.Debug("clipboard text", "preview", logging.Preview(u.Payload))
	}
	return true, nil
}

func (d *Detector) applyImage(u message.Update) (bool, error) {
	raw, err := DecodeImage(u.Payload)
	if err != nil {
		return false, err
	}
	sum := digestOf(raw)
	if sum == d.state.LastSentImage || sum == d.state.LastAppliedImage {
		return false, nil
	}
	if err := d.drv.WriteImage(raw); err != nil {
		return false, fmt.Errorf("write clipboard image: %w", err)
	}
	d.state.LastAppliedImage = sum
	d.state.LastSentImage = Digest{}
	d.log.Info("image received", "from", u.OriginUser, "size_bytes", len(raw))
	return true, nil
}

// DecodeImage turns a data URI into PNG bytes. PNG payloads are passed
// through untouched; JPEG and GIF are re-encoded since the clipboard driver
// only speaks PNG.
func DecodeImage(payload string) ([]byte, error) {
	i := strings.Index(payload, message.ImageMarker)
	if !message.IsImageData(payload) || i < 0 {
		return nil, ErrBadImage
	}
	raw, err := base64.StdEncoding.DecodeString(payload[i+len(message.ImageMarker):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if strings.HasPrefix(payload, pngPrefix) {
		return raw, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}
