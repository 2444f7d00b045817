package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/safespace/internal/vision"
)

func validImage() vision.Image {
	im := vision.NewImage(4, 4, 3)
	for i := range im.Pix {
		im.Pix[i] = uint8(i + 1)
	}
	return im
}

func blankImage() vision.Image {
	return vision.NewImage(4, 4, 3)
}

// scriptedSource replays a fixed sequence of reads, then reports no frame.
type scriptedSource struct {
	mu        sync.Mutex
	frames    []vision.Image
	pos       int
	starts    int
	stops     int
	startErrs []error // consumed per Start call
	onEmpty   func()
}

func (s *scriptedSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if len(s.startErrs) > 0 {
		err := s.startErrs[0]
		s.startErrs = s.startErrs[1:]
		return err
	}
	return nil
}

func (s *scriptedSource) ReadFrame() (vision.Image, bool) {
	s.mu.Lock()
	if s.pos >= len(s.frames) {
		fn := s.onEmpty
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
		return vision.Image{}, false
	}
	im := s.frames[s.pos]
	s.pos++
	s.mu.Unlock()
	return im, true
}

func (s *scriptedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *scriptedSource) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

type detectorFunc func(ctx context.Context, img vision.Image, confidence float64) ([]vision.Object, error)

func (f detectorFunc) Detect(ctx context.Context, img vision.Image, confidence float64) ([]vision.Object, error) {
	return f(ctx, img, confidence)
}

func staticDetector(objects ...vision.Object) Detector {
	return detectorFunc(func(context.Context, vision.Image, float64) ([]vision.Object, error) {
		return objects, nil
	})
}

func failingDetector(msg string) Detector {
	return detectorFunc(func(context.Context, vision.Image, float64) ([]vision.Object, error) {
		return nil, errors.New(msg)
	})
}

type memorySnapshots struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (m *memorySnapshots) Save(img vision.Image, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	path := fmt.Sprintf("/snapshots/%s_%d.jpg", prefix, len(m.saved))
	m.saved = append(m.saved, path)
	return path, nil
}

// blockingSnapshots holds every Save until release is closed.
type blockingSnapshots struct {
	memorySnapshots
	entered chan struct{}
	release chan struct{}
}

func newBlockingSnapshots() *blockingSnapshots {
	return &blockingSnapshots{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingSnapshots) Save(img vision.Image, prefix string) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.memorySnapshots.Save(img, prefix)
}
