package clip

import (
	"bytes"
	"sync"
)

// Memory is a process-local clipboard for environments without a display
// server (headless Linux servers, containers, CI). Remote updates land here
// and nothing is ever read from the OS.
type Memory struct {
	mu    sync.Mutex
	text  string
	image []byte
}

// NewMemory returns an empty in-memory clipboard.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Name() string { return "headless (in-memory)" }

func (m *Memory) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, nil
}

func (m *Memory) ReadImage() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.image), nil
}

// WriteText replaces the contents with text, dropping any image, the way a
// real clipboard does.
func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	m.text, m.image = text, nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) WriteImage(png []byte) error {
	m.mu.Lock()
	m.text, m.image = "", bytes.Clone(png)
	m.mu.Unlock()
	return nil
}
