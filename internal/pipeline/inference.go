package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/queue"
	"github.com/banshee-data/safespace/internal/vision"
)

// DefaultTakeWait bounds every queue read so cancellation is seen promptly.
const DefaultTakeWait = 500 * time.Millisecond

// InferenceStage runs every configured detector over each frame and queues
// non-empty results for the decision stage.
type InferenceStage struct {
	models  []ModelBinding
	in      *queue.Bounded[vision.Frame]
	out     *queue.Bounded[vision.Detection]
	tracker *failures.Tracker
	log     *monitoring.Logger
	wait    time.Duration

	annotator Annotator
	viewer    *queue.Bounded[vision.Frame]

	frames     atomic.Uint64
	detections atomic.Uint64
	rejected   atomic.Uint64
	errors     atomic.Uint64
}

// InferenceStats counts inference activity.
type InferenceStats struct {
	Models     int    `json:"models"`
	Frames     uint64 `json:"frames"`
	Detections uint64 `json:"detections"`
	Rejected   uint64 `json:"rejected"`
	Errors     uint64 `json:"errors"`
}

// NewInferenceStage creates a stage. tracker may be nil.
func NewInferenceStage(models []ModelBinding, in *queue.Bounded[vision.Frame], out *queue.Bounded[vision.Detection], tracker *failures.Tracker, log *monitoring.Logger) *InferenceStage {
	return &InferenceStage{
		models:  models,
		in:      in,
		out:     out,
		tracker: tracker,
		log:     log.Named("inference"),
		wait:    DefaultTakeWait,
	}
}

// SetViewer publishes an annotated copy of every processed frame to viewer.
// The frame passed to the detectors and the decision stage is unchanged.
// Must be called before Run.
func (s *InferenceStage) SetViewer(viewer *queue.Bounded[vision.Frame], a Annotator) {
	s.viewer = viewer
	s.annotator = a
}

// Stats returns the inference counters.
func (s *InferenceStage) Stats() InferenceStats {
	return InferenceStats{
		Models:     len(s.models),
		Frames:     s.frames.Load(),
		Detections: s.detections.Load(),
		Rejected:   s.rejected.Load(),
		Errors:     s.errors.Load(),
	}
}

// Run processes frames until ctx is cancelled.
func (s *InferenceStage) Run(ctx context.Context) {
	s.log.Diagf("running with %d model(s)", len(s.models))
	defer s.log.Diagf("inference stage stopped")

	for ctx.Err() == nil {
		frame, ok := s.in.Take(ctx, s.wait)
		if !ok {
			continue
		}
		s.process(ctx, frame)
	}
}

func (s *InferenceStage) process(ctx context.Context, frame vision.Frame) {
	s.frames.Add(1)
	var found []vision.Object

	for _, m := range s.models {
		objects, err := s.detect(ctx, m, frame.Image)
		if err != nil {
			s.errors.Add(1)
			msg := fmt.Sprintf("model %q: %v", m.Name, err)
			s.log.Opsf("inference error in %s", msg)
			if s.tracker != nil {
				s.tracker.Record(failures.InferenceError, false, msg)
			}
			continue
		}
		if len(objects) == 0 {
			continue
		}
		found = append(found, objects...)

		d := vision.NewDetection(m.Name, objects, frame)
		s.log.Tracef("%s: %d object(s), max confidence %.2f", m.Name, len(objects), d.MaxConfidence)
		if _, err := s.out.Offer(d); err != nil {
			if errors.Is(err, queue.ErrFull) {
				s.rejected.Add(1)
				s.log.Opsf("detection queue full, dropping result from %s", m.Name)
			} else {
				s.log.Diagf("detection queue: %v", err)
			}
			continue
		}
		s.detections.Add(1)
	}

	if s.viewer != nil {
		view := frame
		view.Image = frame.Image.Clone()
		if s.annotator != nil && len(found) > 0 {
			view.Image = s.annotator.Annotate(view.Image, found)
		}
		_, _ = s.viewer.Offer(view)
	}
}

func (s *InferenceStage) detect(ctx context.Context, m ModelBinding, img vision.Image) (objects []vision.Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if m.Detector == nil {
		return nil, errors.New("no detector bound")
	}
	return m.Detector.Detect(ctx, img, m.Confidence)
}
