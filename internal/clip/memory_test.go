package clip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TextReplacesImage(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.WriteImage([]byte{0x89, 'P', 'N', 'G'}))
	require.NoError(t, m.WriteText("hello"))

	text, err := m.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	img, err := m.ReadImage()
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestMemory_ImageIsCopied(t *testing.T) {
	m := NewMemory()
	src := []byte{1, 2, 3}
	require.NoError(t, m.WriteImage(src))
	src[0] = 9

	img, _ := m.ReadImage()
	assert.Equal(t, []byte{1, 2, 3}, img)

	text, _ := m.ReadText()
	assert.Empty(t, text)
}

func TestMemory_SatisfiesDriver(t *testing.T) {
	var d Driver = NewMemory()
	assert.Contains(t, d.Name(), "headless")
}
