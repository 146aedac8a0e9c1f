// Package message defines the cliprelay wire protocol.
//
// Every frame is a single JSON object carried in one WebSocket text message.
// The "type" field selects the kind of frame; field names are stable because
// older peers still speak the legacy clipboard_update shape.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Type identifies the kind of frame.
type Type string

const (
	TypeAuth            Type = "auth"
	TypeAuthSuccess     Type = "auth_success"
	TypeAuthFailed      Type = "auth_failed"
	TypeAuthError       Type = "auth_error"
	TypeError           Type = "error"
	TypeClipboardUpdate Type = "clipboard_update" // legacy client → server
	TypeClipboardSync   Type = "clipboard_sync"   // current client → server, and server → client broadcast
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// ContentType discriminates clipboard payloads.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// ImagePrefix and ImageMarker together identify an encoded image payload:
// data:image/<format>;base64,<data>
const (
	ImagePrefix = "data:image/"
	ImageMarker = "base64,"
)

// Envelope is the union of every field any frame may carry. Decoding into a
// single struct keeps the boundary simple; the normalizer decides which
// fields are meaningful for a given Type.
type Envelope struct {
	Type Type `json:"type"`

	// auth
	UserID   string `json:"user_id,omitempty"`
	Password string `json:"password,omitempty"`

	// auth_success, auth_failed, auth_error, error
	Message string `json:"message,omitempty"`

	// clipboard_sync (current shape, client → server)
	ContentType ContentType `json:"content_type,omitempty"`
	Content     string      `json:"content,omitempty"`

	// clipboard_update (legacy) and clipboard_sync broadcast
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`

	// clipboard_sync broadcast
	FromUser string `json:"from_user,omitempty"`
}

// Broadcast is the server → client clipboard_sync frame. It mirrors the legacy
// shape: text and image are always present, exactly one of them non-empty.
type Broadcast struct {
	Type        Type        `json:"type"`
	ContentType ContentType `json:"content_type"`
	Text        string      `json:"text"`
	Image       string      `json:"image"`
	FromUser    string      `json:"from_user"`
}

// Update is the canonical clipboard change every component past the wire
// boundary works with.
type Update struct {
	ContentType ContentType
	Payload     string
	OriginUser  string
}

// IsImageData reports whether s has the data-URI + base64 image shape.
func IsImageData(s string) bool {
	return strings.HasPrefix(s, ImagePrefix) && strings.Contains(s, ImageMarker)
}

// Encode serialises v to JSON without a trailing newline.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message encode: %w", err)
	}
	return b, nil
}

// Decode deserialises a frame. Anything other than a JSON object is an error.
func Decode(b []byte) (*Envelope, error) {
	if !gjson.ValidBytes(b) || !gjson.ParseBytes(b).IsObject() {
		return nil, fmt.Errorf("message decode: not a JSON object")
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("message decode: %w", err)
	}
	return &e, nil
}

// PeekType returns the "type" field of a raw frame without decoding the rest,
// which may be a multi-megabyte image payload.
func PeekType(b []byte) Type {
	return Type(gjson.GetBytes(b, "type").String())
}

// Auth builds the client's first frame.
func Auth(userID, password string) *Envelope {
	return &Envelope{Type: TypeAuth, UserID: userID, Password: password}
}

// Status builds one of the server's status frames (auth_success, auth_failed,
// auth_error, error).
func Status(t Type, msg string) *Envelope {
	return &Envelope{Type: t, Message: msg}
}

// Ping builds a heartbeat request.
func Ping() *Envelope { return &Envelope{Type: TypePing} }

// Pong answers a Ping.
func Pong() *Envelope { return &Envelope{Type: TypePong} }

// Sync builds the current-shape client → server frame for u.
func Sync(u Update) *Envelope {
	return &Envelope{Type: TypeClipboardSync, ContentType: u.ContentType, Content: u.Payload}
}

// BroadcastOf wraps u for delivery to other sessions.
func BroadcastOf(u Update) *Broadcast {
	b := &Broadcast{
		Type:        TypeClipboardSync,
		ContentType: u.ContentType,
		FromUser:    u.OriginUser,
	}
	if u.ContentType == ContentImage {
		b.Image = u.Payload
	} else {
		b.Text = u.Payload
	}
	return b
}

// UpdateOf extracts the update carried by a broadcast frame received by a
// client. ok is false when the frame carries no usable content.
func (e *Envelope) UpdateOf() (u Update, ok bool) {
	ct := e.ContentType
	if ct == "" {
		ct = ContentText
	}
	switch {
	case ct == ContentImage && e.Image != "":
		return Update{ContentType: ContentImage, Payload: e.Image, OriginUser: e.FromUser}, true
	case ct == ContentText && e.Text != "":
		return Update{ContentType: ContentText, Payload: e.Text, OriginUser: e.FromUser}, true
	}
	return Update{}, false
}
