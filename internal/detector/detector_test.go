package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"go.klb.dev/cliprelay/internal/clip"
	"go.klb.dev/cliprelay/internal/logging"
	"go.klb.dev/cliprelay/internal/message"
)

const maxSize = 1 << 20

type recordingSink struct {
	mu     sync.Mutex
	refuse bool
	got    []message.Update
}

func (s *recordingSink) Offer(u message.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.got = append(s.got, u)
	return true
}

func (s *recordingSink) updates() []message.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Update(nil), s.got...)
}

func newMemDetector() (*Detector, *clip.Memory) {
	mem := clip.NewMemory()
	return New(mem, maxSize, logging.Discard()), mem
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPoll_SendsNewTextOnce(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{}

	require.NoError(t, mem.WriteText("hello"))
	d.Poll(sink)
	d.Poll(sink)

	require.Len(t, sink.updates(), 1)
	assert.Equal(t, message.Update{ContentType: message.ContentText, Payload: "hello"}, sink.updates()[0])
	assert.Equal(t, "hello", d.State().LastSentText)
}

func TestPoll_SkipsBlankImageLikeAndOversizedText(t *testing.T) {
	mem := clip.NewMemory()
	d := New(mem, 8, logging.Discard())
	sink := &recordingSink{}

	for _, text := range []string{"   \n", "data:image/png;base64,AAAA", strings.Repeat("x", 9)} {
		require.NoError(t, mem.WriteText(text))
		d.Poll(sink)
		d.Poll(sink)
	}
	assert.Empty(t, sink.updates())
}

func TestApply_NoEcho(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{}

	applied, err := d.Apply(message.Update{ContentType: message.ContentText, Payload: "from B", OriginUser: "B"})
	require.NoError(t, err)
	require.True(t, applied)

	text, _ := mem.ReadText()
	assert.Equal(t, "from B", text)

	d.Poll(sink)
	assert.Empty(t, sink.updates(), "applied value must not be sent back")
}

func TestApply_SuppressesOwnValue(t *testing.T) {
	ctrl := gomock.NewController(t)
	drv := clip.NewMockDriver(ctrl)
	d := New(drv, maxSize, logging.Discard())

	drv.EXPECT().ReadText().Return("mine", nil)
	drv.EXPECT().ReadImage().Return(nil, nil)
	d.Poll(&recordingSink{})

	// No WriteText expected: the relay echoed our own value.
	applied, err := d.Apply(message.Update{ContentType: message.ContentText, Payload: "mine"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApply_RepeatedUpdateWrittenOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	drv := clip.NewMockDriver(ctrl)
	d := New(drv, maxSize, logging.Discard())

	drv.EXPECT().WriteText("x").Return(nil).Times(1)

	u := message.Update{ContentType: message.ContentText, Payload: "x"}
	first, err := d.Apply(u)
	require.NoError(t, err)
	second, err := d.Apply(u)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestRecopyAfterRemoteUpdateIsSent(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{}

	require.NoError(t, mem.WriteText("A"))
	d.Poll(sink)

	_, err := d.Apply(message.Update{ContentType: message.ContentText, Payload: "B"})
	require.NoError(t, err)
	d.Poll(sink)

	require.NoError(t, mem.WriteText("A"))
	d.Poll(sink)

	got := sink.updates()
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Payload)
	assert.Equal(t, "A", got[1].Payload)
}

func TestPoll_RefusedHandoffDoesNotAdvanceMarkers(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{refuse: true}

	require.NoError(t, mem.WriteText("pending"))
	d.Poll(sink)
	assert.Empty(t, d.State().LastSentText)

	sink.refuse = false
	d.Poll(sink)
	require.Len(t, sink.updates(), 1)
	assert.Equal(t, "pending", sink.updates()[0].Payload)
}

func TestPoll_Image(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{}
	img := pngBytes(t, color.White)

	require.NoError(t, mem.WriteImage(img))
	d.Poll(sink)
	d.Poll(sink)

	got := sink.updates()
	require.Len(t, got, 1)
	assert.Equal(t, message.ContentImage, got[0].ContentType)
	assert.Equal(t, pngPrefix+base64.StdEncoding.EncodeToString(img), got[0].Payload)
	assert.Equal(t, digestOf(img), d.State().LastSentImage)
}

func TestApply_ImageNoEcho(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{}
	img := pngBytes(t, color.Black)
	payload := pngPrefix + base64.StdEncoding.EncodeToString(img)

	applied, err := d.Apply(message.Update{ContentType: message.ContentImage, Payload: payload})
	require.NoError(t, err)
	require.True(t, applied)

	got, _ := mem.ReadImage()
	assert.Equal(t, img, got)

	d.Poll(sink)
	assert.Empty(t, sink.updates())

	applied, err = d.Apply(message.Update{ContentType: message.ContentImage, Payload: payload})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApply_BadImage(t *testing.T) {
	d, _ := newMemDetector()
	_, err := d.Apply(message.Update{ContentType: message.ContentImage, Payload: "data:image/png;base64,!!!"})
	assert.ErrorIs(t, err, ErrBadImage)
}

func TestApply_WriteFailureLeavesMarkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	drv := clip.NewMockDriver(ctrl)
	d := New(drv, maxSize, logging.Discard())

	drv.EXPECT().WriteText("x").Return(errors.New("clipboard locked"))
	_, err := d.Apply(message.Update{ContentType: message.ContentText, Payload: "x"})
	require.Error(t, err)
	assert.Empty(t, d.State().LastAppliedText)
}

func TestPoll_DriverErrorsAreTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	drv := clip.NewMockDriver(ctrl)
	d := New(drv, maxSize, logging.Discard())
	sink := &recordingSink{}

	gomock.InOrder(
		drv.EXPECT().ReadText().Return("", errors.New("busy")),
		drv.EXPECT().ReadImage().Return(nil, errors.New("busy")),
		drv.EXPECT().ReadText().Return("later", nil),
		drv.EXPECT().ReadImage().Return(nil, nil),
	)
	d.Poll(sink)
	d.Poll(sink)

	require.Len(t, sink.updates(), 1)
	assert.Equal(t, "later", sink.updates()[0].Payload)
}

func TestPrime_RecordsCurrentContentAsSent(t *testing.T) {
	d, mem := newMemDetector()
	sink := &recordingSink{}

	require.NoError(t, mem.WriteText("stale"))
	d.Prime()
	d.Poll(sink)
	assert.Empty(t, sink.updates())

	require.NoError(t, mem.WriteText("fresh"))
	d.Poll(sink)
	require.Len(t, sink.updates(), 1)
}

func TestRun_PollsOnInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d, mem := newMemDetector()
		sink := &recordingSink{}

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- d.Run(ctx, DefaultPollInterval, sink) }()

		require.NoError(t, mem.WriteText("one"))
		time.Sleep(600 * time.Millisecond)
		synctest.Wait()
		require.Len(t, sink.updates(), 1)

		require.NoError(t, mem.WriteText("two"))
		time.Sleep(500 * time.Millisecond)
		synctest.Wait()
		require.Len(t, sink.updates(), 2)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestDecodeImage_ConvertsJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil))
	payload := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	out, err := DecodeImage(payload)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(out))
	assert.NoError(t, err)
}

func TestDecodeImage_RejectsNonDataURI(t *testing.T) {
	_, err := DecodeImage("iVBORw0KGgo=")
	assert.ErrorIs(t, err, ErrBadImage)
}
