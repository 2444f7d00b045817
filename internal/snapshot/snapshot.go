// Package snapshot persists incident evidence frames as JPEG files and
// renders frames for the debug viewer.
package snapshot

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/safespace/internal/timeutil"
	"github.com/banshee-data/safespace/internal/vision"
)

const (
	DefaultQuality = 90
	timeLayout     = "20060102_150405"
)

// DirStore writes snapshots into a single directory.
type DirStore struct {
	dir      string
	quality  int
	maxWidth int
	clock    timeutil.Clock

	mu sync.Mutex
}

// Option customises a DirStore.
type Option func(*DirStore)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(s *DirStore) {
		if q > 0 && q <= 100 {
			s.quality = q
		}
	}
}

// WithMaxWidth downscales wider frames before encoding, preserving aspect.
func WithMaxWidth(w int) Option {
	return func(s *DirStore) { s.maxWidth = w }
}

// WithClock replaces the clock used to name files.
func WithClock(c timeutil.Clock) Option {
	return func(s *DirStore) { s.clock = c }
}

// NewDirStore creates the directory if needed.
func NewDirStore(dir string, opts ...Option) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot dir: %w", err)
	}
	s := &DirStore{dir: abs, quality: DefaultQuality, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute snapshot directory.
func (s *DirStore) Dir() string { return s.dir }

// Save encodes img as <prefix>_<YYYYmmdd_HHMMSS>.jpg and returns the path.
// A numeric suffix is added when a file for the same second exists.
func (s *DirStore) Save(img vision.Image, prefix string) (string, error) {
	src, err := img.ToNRGBA()
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	var out image.Image = src
	if s.maxWidth > 0 && src.Bounds().Dx() > s.maxWidth {
		out = imaging.Resize(src, s.maxWidth, 0, imaging.Lanczos)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := fmt.Sprintf("%s_%s", prefix, s.clock.Now().Format(timeLayout))
	path := filepath.Join(s.dir, base+".jpg")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%d.jpg", base, i))
	}
	if err := imaging.Save(out, path, imaging.JPEGQuality(s.quality)); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EncodeJPEG writes img to w as JPEG.
func EncodeJPEG(w io.Writer, img vision.Image, quality int) error {
	src, err := img.ToNRGBA()
	if err != nil {
		return err
	}
	return imaging.Encode(w, src, imaging.JPEG, imaging.JPEGQuality(quality))
}

// BoxAnnotator outlines every detected object.
type BoxAnnotator struct {
	Color     color.NRGBA
	Thickness int
}

// NewBoxAnnotator returns a red two-pixel outliner.
func NewBoxAnnotator() BoxAnnotator {
	return BoxAnnotator{Color: color.NRGBA{R: 255, A: 255}, Thickness: 2}
}

// Annotate draws object boxes onto img and returns a 3-channel result.
func (a BoxAnnotator) Annotate(img vision.Image, objects []vision.Object) vision.Image {
	canvas, err := img.ToNRGBA()
	if err != nil {
		return img
	}
	t := a.Thickness
	if t <= 0 {
		t = 1
	}
	bounds := canvas.Bounds()
	for _, o := range objects {
		r := o.Box.Intersect(bounds)
		if r.Empty() {
			continue
		}
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
			image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
			image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
			image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
		}
		for _, e := range edges {
			e = e.Intersect(r)
			if e.Empty() {
				continue
			}
			draw.Draw(canvas, e, image.NewUniform(a.Color), image.Point{}, draw.Src)
		}
	}
	return vision.FromImage(canvas)
}
