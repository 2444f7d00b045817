package detect

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safespace/internal/httputil"
	"github.com/banshee-data/safespace/internal/vision"
)

func frame() vision.Image {
	im := vision.NewImage(16, 8, 3)
	for i := range im.Pix {
		im.Pix[i] = uint8(i)
	}
	return im
}

func TestHTTPDetector_Detect(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"objects": [
		{"label": "crash", "confidence": 0.91, "box": [1, 2, 10, 7]},
		{"label": "car", "confidence": 0.2, "box": [0, 0, 3, 3]}
	]}`)
	d := NewHTTPDetector("http://inference.local:8500/detect", "accident_detection_v1", mock)

	objects, err := d.Detect(context.Background(), frame(), 0.5)
	require.NoError(t, err)

	want := []vision.Object{{Label: "crash", Confidence: 0.91, Box: image.Rect(1, 2, 10, 7)}}
	if diff := cmp.Diff(want, objects); diff != "" {
		t.Errorf("objects mismatch (-want +got):\n%s", diff)
	}

	req, body := mock.Request(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "image/jpeg", req.Header.Get("Content-Type"))
	assert.Equal(t, "accident_detection_v1", req.URL.Query().Get("model"))
	assert.Equal(t, "0.5", req.URL.Query().Get("confidence"))

	decoded, err := jpeg.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}

func TestHTTPDetector_EmptyResult(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"objects": []}`)
	objects, err := NewHTTPDetector("http://x/detect", "m", mock).Detect(context.Background(), frame(), 0.5)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestHTTPDetector_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*httputil.MockHTTPClient)
		img   vision.Image
	}{
		{name: "transport", setup: func(m *httputil.MockHTTPClient) { m.AddErrorResponse(errors.New("refused")) }, img: frame()},
		{name: "status", setup: func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusServiceUnavailable, "loading") }, img: frame()},
		{name: "bad json", setup: func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusOK, "{") }, img: frame()},
		{name: "bad frame", setup: func(*httputil.MockHTTPClient) {}, img: vision.Image{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := httputil.NewMockHTTPClient()
			tt.setup(mock)
			_, err := NewHTTPDetector("http://x/detect", "m", mock).Detect(context.Background(), tt.img, 0.5)
			assert.Error(t, err)
		})
	}
}

func TestHTTPDetector_StatusErrorIsTyped(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusBadGateway, "")
	_, err := NewHTTPDetector("http://x/detect", "m", mock).Detect(context.Background(), frame(), 0.5)

	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}
