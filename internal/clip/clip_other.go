//go:build !darwin && !windows && !linux

package clip

// New returns the in-memory driver; there is no system clipboard support on
// this platform.
func New() Driver {
	return NewMemory()
}
