package pipeline

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/queue"
	"github.com/banshee-data/safespace/internal/vision"
)

func testFrame() vision.Frame {
	return vision.Frame{Image: validImage(), Timestamp: time.Unix(1700000000, 0), Source: vision.SourceCamera}
}

func TestInference_ErrorsAreIsolatedPerDetector(t *testing.T) {
	in := queue.New[vision.Frame]("frames", 2, queue.DropOldest)
	out := queue.New[vision.Detection]("detections", 5, queue.RejectNewest)
	tracker := failures.NewTracker(failures.Config{}, nil)
	var ops bytes.Buffer

	models := []ModelBinding{
		{Name: "broken", Detector: failingDetector("cuda oom")},
		{Name: "panics", Detector: detectorFunc(func(context.Context, vision.Image, float64) ([]vision.Object, error) {
			panic("index out of range")
		})},
		{Name: "unbound"},
		{Name: "accident_detection_v1", Confidence: 0.4, Detector: staticDetector(
			vision.Object{Label: "crash", Confidence: 0.7},
			vision.Object{Label: "crash", Confidence: 0.9},
		)},
	}
	stage := NewInferenceStage(models, in, out, tracker, monitoring.New("test", &ops, nil, nil))

	stage.process(context.Background(), testFrame())

	require.Equal(t, 1, out.Len())
	d, _ := out.TryTake()
	assert.Equal(t, "accident_detection_v1", d.ModelName)
	assert.Equal(t, 0.9, d.MaxConfidence)
	assert.Len(t, d.Objects, 2)

	assert.Equal(t, 3, tracker.Counts()[failures.InferenceError])
	assert.Contains(t, ops.String(), "cuda oom")
	assert.Contains(t, ops.String(), "index out of range")
	assert.Equal(t, uint64(3), stage.Stats().Errors)
}

func TestInference_EmptyResultsAreNotQueued(t *testing.T) {
	in := queue.New[vision.Frame]("frames", 2, queue.DropOldest)
	out := queue.New[vision.Detection]("detections", 5, queue.RejectNewest)
	stage := NewInferenceStage([]ModelBinding{{Name: "m", Detector: staticDetector()}}, in, out, nil, nil)

	stage.process(context.Background(), testFrame())
	assert.Equal(t, 0, out.Len())
}

func TestInference_FullDetectionQueueRejects(t *testing.T) {
	in := queue.New[vision.Frame]("frames", 2, queue.DropOldest)
	out := queue.New[vision.Detection]("detections", 5, queue.RejectNewest)
	var ops bytes.Buffer
	stage := NewInferenceStage([]ModelBinding{{Name: "accident", Detector: staticDetector(vision.Object{Confidence: 0.5})}},
		in, out, nil, monitoring.New("test", &ops, nil, nil))

	for i := 0; i < 6; i++ {
		stage.process(context.Background(), testFrame())
	}

	assert.Equal(t, 5, out.Len())
	assert.Equal(t, uint64(1), stage.Stats().Rejected)
	assert.Contains(t, ops.String(), "detection queue full")
}

func TestInference_DetectorsSeeOriginalFrame(t *testing.T) {
	in := queue.New[vision.Frame]("frames", 2, queue.DropOldest)
	out := queue.New[vision.Detection]("detections", 5, queue.RejectNewest)
	viewer := queue.New[vision.Frame]("viewer", 2, queue.DropOldest)

	frame := testFrame()
	orig := frame.Image.Clone()
	var seen [][]uint8
	record := detectorFunc(func(_ context.Context, img vision.Image, _ float64) ([]vision.Object, error) {
		seen = append(seen, append([]uint8(nil), img.Pix...))
		return []vision.Object{{Label: "crash", Confidence: 0.8}}, nil
	})

	stage := NewInferenceStage([]ModelBinding{{Name: "a", Detector: record}, {Name: "b", Detector: record}}, in, out, nil, nil)
	stage.SetViewer(viewer, paintAnnotator{})

	stage.process(context.Background(), frame)

	require.Len(t, seen, 2)
	assert.Equal(t, orig.Pix, seen[0])
	assert.Equal(t, orig.Pix, seen[1])
	assert.Equal(t, orig.Pix, frame.Image.Pix)

	d, _ := out.TryTake()
	assert.Equal(t, orig.Pix, d.Frame.Pix)

	annotated, ok := viewer.TryTake()
	require.True(t, ok)
	assert.Equal(t, uint8(255), annotated.Image.Pix[0])
}

// paintAnnotator marks the first sample so tests can tell annotated copies
// from the original.
type paintAnnotator struct{}

func (paintAnnotator) Annotate(img vision.Image, _ []vision.Object) vision.Image {
	img.Pix[0] = 255
	return img
}

func TestInference_RunStopsPromptly(t *testing.T) {
	in := queue.New[vision.Frame]("frames", 2, queue.DropOldest)
	out := queue.New[vision.Detection]("detections", 5, queue.RejectNewest)
	var calls atomic.Int32
	det := detectorFunc(func(context.Context, vision.Image, float64) ([]vision.Object, error) {
		calls.Add(1)
		return nil, nil
	})
	stage := NewInferenceStage([]ModelBinding{{Name: "m", Detector: det}}, in, out, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stage.Run(ctx)
		close(done)
	}()

	_, _ = in.Offer(testFrame())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("inference stage did not stop within 1s")
	}
	assert.Equal(t, uint64(1), stage.Stats().Frames)
}

func TestInference_PassesConfidence(t *testing.T) {
	in := queue.New[vision.Frame]("frames", 2, queue.DropOldest)
	out := queue.New[vision.Detection]("detections", 5, queue.RejectNewest)
	var got float64
	det := detectorFunc(func(_ context.Context, _ vision.Image, c float64) ([]vision.Object, error) {
		got = c
		return nil, nil
	})
	stage := NewInferenceStage([]ModelBinding{{Name: "m", Detector: det, Confidence: 0.35}}, in, out, nil, nil)

	stage.process(context.Background(), testFrame())
	assert.Equal(t, 0.35, got)
}
