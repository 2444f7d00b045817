// Package detect adapts remote inference backends to the pipeline's
// Detector interface.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strconv"

	"github.com/banshee-data/safespace/internal/httputil"
	"github.com/banshee-data/safespace/internal/snapshot"
	"github.com/banshee-data/safespace/internal/vision"
)

const jpegQuality = 85

// HTTPDetector posts each frame as a JPEG to an inference endpoint.
//
// The request is POST <endpoint>?model=<model>&confidence=<c> with an
// image/jpeg body. The response is
//
//	{"objects": [{"label": "crash", "confidence": 0.91, "box": [x1, y1, x2, y2]}]}
//
// Objects below the confidence threshold are discarded even if the backend
// returned them.
type HTTPDetector struct {
	endpoint string
	model    string
	client   httputil.HTTPClient
}

// NewHTTPDetector creates a detector for one model served at endpoint.
func NewHTTPDetector(endpoint, model string, client httputil.HTTPClient) *HTTPDetector {
	return &HTTPDetector{endpoint: endpoint, model: model, client: client}
}

type wireObject struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type wireResponse struct {
	Objects []wireObject `json:"objects"`
}

// Detect implements pipeline.Detector.
func (d *HTTPDetector) Detect(ctx context.Context, img vision.Image, confidence float64) ([]vision.Object, error) {
	var body bytes.Buffer
	if err := snapshot.EncodeJPEG(&body, img, jpegQuality); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	q.Set("confidence", strconv.FormatFloat(confidence, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer httputil.DrainAndClose(resp)

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	objects := make([]vision.Object, 0, len(wr.Objects))
	for _, o := range wr.Objects {
		if o.Confidence < confidence {
			continue
		}
		objects = append(objects, vision.Object{
			Label:      o.Label,
			Confidence: o.Confidence,
			Box:        image.Rect(int(o.Box[0]), int(o.Box[1]), int(o.Box[2]), int(o.Box[3])),
		})
	}
	return objects, nil
}
