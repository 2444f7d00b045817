package pipeline

import (
	"context"

	"github.com/banshee-data/safespace/internal/vision"
)

// FrameSource produces raw frames on demand.
type FrameSource interface {
	// Start opens the source. It is called again to reinitialise a stalled
	// source after Stop.
	Start() error
	// ReadFrame returns the next frame, or false when none is available.
	ReadFrame() (vision.Image, bool)
	Stop() error
}

// Detector turns a frame into zero or more scored objects at or above the
// confidence threshold. Implementations must not modify img.
type Detector interface {
	Detect(ctx context.Context, img vision.Image, confidence float64) ([]vision.Object, error)
}

// ModelBinding is one configured detector.
type ModelBinding struct {
	Name       string
	Detector   Detector
	Confidence float64
}

// Annotator draws detections onto an image. It receives a private copy of
// the frame and may modify it.
type Annotator interface {
	Annotate(img vision.Image, objects []vision.Object) vision.Image
}

// SnapshotStore persists incident evidence and returns its path.
type SnapshotStore interface {
	Save(img vision.Image, prefix string) (string, error)
}

// LaneResolver assigns a lane to an incident. d is nil for manual reports.
type LaneResolver interface {
	Lane(d *vision.Detection) string
}

// FixedLane reports every incident on the same lane.
type FixedLane string

func (l FixedLane) Lane(*vision.Detection) string { return string(l) }
