package api

import (
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/vision"
)

// localHostRequest passes tsweb's loopback-only debug access check.
func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func serve(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(method, path))
	return w
}

func newTestMux(t *testing.T, opts Options) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewServer(opts).AttachAdminRoutes(mux)
	return mux
}

func TestNodeRoute(t *testing.T) {
	mux := newTestMux(t, Options{Status: func() any {
		return map[string]any{"gate": "idle", "connected": true}
	}})

	w := serve(mux, http.MethodGet, "/debug/node")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"gate":"idle","connected":true}`, w.Body.String())

	w = serve(mux, http.MethodPost, "/debug/node")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodGet, w.Header().Get("Allow"))
}

func TestFailuresRoute(t *testing.T) {
	tracker := failures.NewTracker(failures.Config{Threshold: 2}, nil)
	tracker.Record(failures.NetworkError, false, "heartbeat failed")
	tracker.Record(failures.NetworkError, false, "heartbeat failed")
	tracker.Record(failures.SourceError, true, "camera gone")
	mux := newTestMux(t, Options{Tracker: tracker})

	w := serve(mux, http.MethodGet, "/debug/failures?n=1")
	require.Equal(t, http.StatusOK, w.Code)

	var got failureReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, map[failures.Kind]int{failures.NetworkError: 2, failures.SourceError: 1}, got.Counts)
	assert.Equal(t, map[failures.Kind]bool{failures.NetworkError: true, failures.SourceError: false}, got.Exceeded)
	require.Len(t, got.Recent, 1)
	assert.Equal(t, failures.SourceError, got.Recent[0].Kind)

	w = serve(mux, http.MethodGet, "/debug/failures?n=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerAndShutdownRoutes(t *testing.T) {
	bus := eventbus.New(nil)
	var triggers []events.ManualTrigger
	var shutdowns []events.ShutdownRequested
	eventbus.On(bus, func(e events.ManualTrigger) error { triggers = append(triggers, e); return nil })
	eventbus.On(bus, func(e events.ShutdownRequested) error { shutdowns = append(shutdowns, e); return nil })
	mux := newTestMux(t, Options{Bus: bus})

	w := serve(mux, http.MethodGet, "/debug/trigger")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Empty(t, triggers)

	w = serve(mux, http.MethodPost, "/debug/trigger")
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerOrigin, triggers[0].Origin)
	assert.False(t, triggers[0].Time().IsZero())

	w = serve(mux, http.MethodPost, "/debug/shutdown")
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, shutdowns, 1)
	assert.Contains(t, shutdowns[0].Reason, "admin request")

	w = serve(mux, http.MethodGet, "/debug/bus")
	require.Equal(t, http.StatusOK, w.Code)
	var stats eventbus.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(2), stats.Published)
}

func TestFrameRoute(t *testing.T) {
	var frame vision.Image
	var ok bool
	mux := newTestMux(t, Options{Frame: func() (vision.Image, bool) { return frame, ok }})

	w := serve(mux, http.MethodGet, "/debug/frame.jpg")
	assert.Equal(t, http.StatusNotFound, w.Code)

	frame, ok = vision.NewImage(32, 24, 3), true
	for i := range frame.Pix {
		frame.Pix[i] = uint8(i)
	}
	w = serve(mux, http.MethodGet, "/debug/frame.jpg")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	img, err := jpeg.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())
}

func TestUnconfiguredRoutesAreAbsent(t *testing.T) {
	mux := newTestMux(t, Options{})
	for _, path := range []string{"/debug/node", "/debug/failures", "/debug/trigger", "/debug/frame.jpg"} {
		w := serve(mux, http.MethodGet, path)
		assert.NotEqual(t, http.StatusOK, w.Code, path)
	}
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	h := LoggingMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", h, ready, nil) }()

	addr := <-ready
	resp, err := http.Get("http://" + addr.String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	assert.Error(t, Serve(context.Background(), "256.0.0.1:bad", http.NotFoundHandler(), nil, nil))
}
