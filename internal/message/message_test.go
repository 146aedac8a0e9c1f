package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_AuthFrame(t *testing.T) {
	e, err := Decode([]byte(`{"type":"auth","user_id":"alice","password":"pw"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeAuth, e.Type)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, "pw", e.Password)
}

func TestDecode_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2]`, `"auth"`, `42`, ``} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

func TestDecode_RejectsWrongFieldTypes(t *testing.T) {
	_, err := Decode([]byte(`{"type":"auth","user_id":7}`))
	assert.Error(t, err)
}

func TestPeekType(t *testing.T) {
	assert.Equal(t, TypePing, PeekType([]byte(`{"type":"ping"}`)))
	assert.Equal(t, TypeClipboardSync, PeekType([]byte(`{"content":"x","type":"clipboard_sync"}`)))
	assert.Equal(t, Type(""), PeekType([]byte(`{"content":"x"}`)))
	assert.Equal(t, Type(""), PeekType([]byte(`garbage`)))
}

func TestBroadcastOf_TextLeavesImageEmpty(t *testing.T) {
	b := BroadcastOf(Update{ContentType: ContentText, Payload: "abc", OriginUser: "A"})
	raw, err := Encode(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"clipboard_sync","content_type":"text","text":"abc","image":"","from_user":"A"}`, string(raw))
}

func TestBroadcastOf_ImageLeavesTextEmpty(t *testing.T) {
	img := "data:image/png;base64,AAAA"
	b := BroadcastOf(Update{ContentType: ContentImage, Payload: img, OriginUser: "B"})
	assert.Equal(t, img, b.Image)
	assert.Empty(t, b.Text)
	assert.Equal(t, ContentImage, b.ContentType)
}

func TestSync_UsesCurrentShape(t *testing.T) {
	raw, err := Encode(Sync(Update{ContentType: ContentText, Payload: "hello"}))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "clipboard_sync", m["type"])
	assert.Equal(t, "text", m["content_type"])
	assert.Equal(t, "hello", m["content"])
	assert.NotContains(t, m, "text")
}

func TestUpdateOf(t *testing.T) {
	tests := []struct {
		name string
		in   Envelope
		want Update
		ok   bool
	}{
		{
			name: "text",
			in:   Envelope{Type: TypeClipboardSync, ContentType: ContentText, Text: "hi", FromUser: "A"},
			want: Update{ContentType: ContentText, Payload: "hi", OriginUser: "A"},
			ok:   true,
		},
		{
			name: "missing content type defaults to text",
			in:   Envelope{Type: TypeClipboardSync, Text: "hi"},
			want: Update{ContentType: ContentText, Payload: "hi"},
			ok:   true,
		},
		{
			name: "image",
			in:   Envelope{Type: TypeClipboardSync, ContentType: ContentImage, Image: "data:image/png;base64,AA"},
			want: Update{ContentType: ContentImage, Payload: "data:image/png;base64,AA"},
			ok:   true,
		},
		{
			name: "image type without image field",
			in:   Envelope{Type: TypeClipboardSync, ContentType: ContentImage, Text: "hi"},
		},
		{
			name: "empty",
			in:   Envelope{Type: TypeClipboardSync},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.in.UpdateOf()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsImageData(t *testing.T) {
	assert.True(t, IsImageData("data:image/png;base64,iVBOR"))
	assert.False(t, IsImageData("data:image/png,iVBOR"))
	assert.False(t, IsImageData("iVBORw0KGgo"))
	assert.False(t, IsImageData("hello base64,"))
}
