// Package source provides FrameSource implementations for development and
// replay: a directory of still images played back as a finite video, and a
// synthetic live pattern generator.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/safespace/internal/vision"
)

// ErrNoFrames is returned by Start when the directory holds no images.
var ErrNoFrames = errors.New("no image files found")

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// DirSource replays the images in a directory in lexical order. Each Start
// rewinds to the first image.
type DirSource struct {
	dir   string
	width int

	mu     sync.Mutex
	files  []string
	pos    int
	opened bool
}

// NewDirSource creates a source over dir. Frames wider than width are
// downscaled; zero keeps the native size.
func NewDirSource(dir string, width int) *DirSource {
	return &DirSource{dir: dir, width: width}
}

func (s *DirSource) Start() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("%w in %s", ErrNoFrames, s.dir)
	}
	sort.Strings(files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	s.pos = 0
	s.opened = true
	return nil
}

// ReadFrame decodes the next image. Undecodable files are returned as an
// empty image so the capture stage counts them as invalid.
func (s *DirSource) ReadFrame() (vision.Image, bool) {
	s.mu.Lock()
	if !s.opened || s.pos >= len(s.files) {
		s.mu.Unlock()
		return vision.Image{}, false
	}
	path := s.files[s.pos]
	s.pos++
	s.mu.Unlock()

	img, err := imaging.Open(path)
	if err != nil {
		return vision.Image{}, true
	}
	if s.width > 0 && img.Bounds().Dx() > s.width {
		img = imaging.Resize(img, s.width, 0, imaging.Lanczos)
	}
	return vision.FromImage(img), true
}

func (s *DirSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}
