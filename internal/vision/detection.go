package vision

import (
	"image"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Object is a single labelled, scored detection.
type Object struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// Detection is the result of running one model over one frame with at least
// one object found.
type Detection struct {
	ModelName     string
	Objects       []Object
	Frame         Image
	MaxConfidence float64
	Timestamp     time.Time
}

// NewDetection builds a Detection, computing the highest confidence in the
// batch. Negative scores are clamped so MaxConfidence is never below zero.
func NewDetection(model string, objects []Object, frame Frame) Detection {
	return Detection{
		ModelName:     model,
		Objects:       objects,
		Frame:         frame.Image,
		MaxConfidence: MaxConfidence(objects),
		Timestamp:     frame.Timestamp,
	}
}

// MaxConfidence returns the highest confidence among objects, or 0.
func MaxConfidence(objects []Object) float64 {
	if len(objects) == 0 {
		return 0
	}
	scores := make([]float64, len(objects))
	for i, o := range objects {
		scores[i] = o.Confidence
	}
	m := floats.Max(scores)
	if m < 0 {
		return 0
	}
	return m
}
