package pipeline

import (
	"sync"

	"github.com/banshee-data/safespace/internal/vision"
)

// LatestFrame holds the most recent valid capture for snapshotting.
type LatestFrame struct {
	mu    sync.Mutex
	frame vision.Frame
	ok    bool
}

// Set replaces the held frame. The caller must not modify f afterwards.
func (l *LatestFrame) Set(f vision.Frame) {
	l.mu.Lock()
	l.frame = f
	l.ok = true
	l.mu.Unlock()
}

// Get returns a deep copy of the held frame.
func (l *LatestFrame) Get() (vision.Frame, bool) {
	l.mu.Lock()
	f, ok := l.frame, l.ok
	l.mu.Unlock()
	if !ok {
		return vision.Frame{}, false
	}
	f.Image = f.Image.Clone()
	return f, true
}
