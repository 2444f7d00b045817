package source

import (
	"sync"

	"github.com/banshee-data/safespace/internal/vision"
)

// Synthetic produces a moving gradient as a live camera would. The first
// WarmupFrames reads after each Start are black, like a sensor that has not
// begun streaming.
type Synthetic struct {
	Width, Height int
	WarmupFrames  int

	mu      sync.Mutex
	running bool
	n       int
}

// NewSynthetic creates a width x height RGB pattern source.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{Width: width, Height: height}
}

func (s *Synthetic) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.n = 0
	return nil
}

func (s *Synthetic) ReadFrame() (vision.Image, bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return vision.Image{}, false
	}
	n := s.n
	s.n++
	s.mu.Unlock()

	im := vision.NewImage(s.Width, s.Height, 3)
	if n < s.WarmupFrames {
		return im, true
	}
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			i := (y*s.Width + x) * 3
			im.Pix[i] = uint8(x + n)
			im.Pix[i+1] = uint8(y + n)
			im.Pix[i+2] = 128
		}
	}
	return im, true
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}
