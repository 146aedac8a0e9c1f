package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/cliprelay/internal/message"
)

const png = "data:image/png;base64,iVBORw0KGgo="

func TestNormalize_LegacyAndCurrentAreEquivalent(t *testing.T) {
	n := New(0)

	legacy, err := n.Normalize(&message.Envelope{Type: message.TypeClipboardUpdate, Text: "hello"}, "A")
	require.NoError(t, err)
	current, err := n.Normalize(&message.Envelope{
		Type:        message.TypeClipboardSync,
		ContentType: message.ContentText,
		Content:     "hello",
	}, "A")
	require.NoError(t, err)

	assert.Equal(t, legacy, current)
	assert.Equal(t, message.BroadcastOf(legacy), message.BroadcastOf(current))
	assert.Equal(t, message.Update{ContentType: message.ContentText, Payload: "hello", OriginUser: "A"}, current)
}

func TestNormalize_LegacyImageWinsOverText(t *testing.T) {
	u, err := New(0).Normalize(&message.Envelope{
		Type:  message.TypeClipboardUpdate,
		Text:  "caption",
		Image: png,
	}, "A")
	require.NoError(t, err)
	assert.Equal(t, message.ContentImage, u.ContentType)
	assert.Equal(t, png, u.Payload)
}

func TestNormalize_LegacyFallsBackToTextWhenImageInvalid(t *testing.T) {
	u, err := New(0).Normalize(&message.Envelope{
		Type:  message.TypeClipboardUpdate,
		Text:  "caption",
		Image: "not-an-image",
	}, "A")
	require.NoError(t, err)
	assert.Equal(t, message.ContentText, u.ContentType)
	assert.Equal(t, "caption", u.Payload)
}

func TestNormalize_LegacyInvalidImageOnly(t *testing.T) {
	_, err := New(0).Normalize(&message.Envelope{Type: message.TypeClipboardUpdate, Image: "iVBORw0KGgo="}, "A")
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestNormalize_EmptyIsSilent(t *testing.T) {
	n := New(0)
	for _, e := range []*message.Envelope{
		{Type: message.TypeClipboardUpdate},
		{Type: message.TypeClipboardUpdate, Text: "   \n\t"},
		{Type: message.TypeClipboardSync, ContentType: message.ContentText, Content: "  "},
		{Type: message.TypeClipboardSync, ContentType: message.ContentImage},
		{Type: message.TypeClipboardSync},
	} {
		_, err := n.Normalize(e, "A")
		assert.ErrorIs(t, err, ErrEmpty, "%+v", e)
	}
}

func TestNormalize_SizeCeiling(t *testing.T) {
	n := New(16)

	_, err := n.Normalize(&message.Envelope{
		Type:        message.TypeClipboardSync,
		ContentType: message.ContentText,
		Content:     strings.Repeat("x", 17),
	}, "A")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = n.Normalize(&message.Envelope{Type: message.TypeClipboardUpdate, Text: strings.Repeat("x", 17)}, "A")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = n.Normalize(&message.Envelope{
		Type:        message.TypeClipboardSync,
		ContentType: message.ContentImage,
		Content:     png,
	}, "A")
	assert.ErrorIs(t, err, ErrTooLarge)

	u, err := n.Normalize(&message.Envelope{Type: message.TypeClipboardUpdate, Text: strings.Repeat("x", 16)}, "A")
	require.NoError(t, err)
	assert.Len(t, u.Payload, 16)
}

func TestNormalize_CurrentImageMustBeDataURI(t *testing.T) {
	_, err := New(0).Normalize(&message.Envelope{
		Type:        message.TypeClipboardSync,
		ContentType: message.ContentImage,
		Content:     "iVBORw0KGgo=",
	}, "A")
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestNormalize_UnknownContentType(t *testing.T) {
	_, err := New(0).Normalize(&message.Envelope{
		Type:        message.TypeClipboardSync,
		ContentType: "files",
		Content:     "a.txt",
	}, "A")
	assert.ErrorIs(t, err, ErrUnknownContentType)
}

func TestNormalize_RejectsOtherTypes(t *testing.T) {
	_, err := New(0).Normalize(&message.Envelope{Type: message.TypePing}, "A")
	assert.ErrorIs(t, err, ErrNotClipboard)
}

func TestNormalize_PreservesSurroundingWhitespace(t *testing.T) {
	u, err := New(0).Normalize(&message.Envelope{
		Type:        message.TypeClipboardSync,
		ContentType: message.ContentText,
		Content:     "  indented\n",
	}, "A")
	require.NoError(t, err)
	assert.Equal(t, "  indented\n", u.Payload)
}

func TestRecover(t *testing.T) {
	assert.Equal(t, "héllo", Recover("héllo"))
	assert.Equal(t, "ab", Recover("a\xffb"))
	assert.Equal(t, "ab", Recover("a�b"))
	assert.Equal(t, "", Recover("\xc3"))
}

func TestNormalize_TextThatIsOnlyGarbageIsEmpty(t *testing.T) {
	_, err := New(0).Normalize(&message.Envelope{Type: message.TypeClipboardUpdate, Text: "\xff\xfe"}, "A")
	assert.ErrorIs(t, err, ErrEmpty)
}
