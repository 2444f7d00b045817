package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/httputil"
)

// fakeServer is a minimal coordinating server: it accepts incident reports
// and holds WebSocket clients so tests can push to them.
type fakeServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan Envelope
	reports  chan *http.Request
	forms    chan map[string][]string
	files    chan map[string][]byte
	status   int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{
		received: make(chan Envelope, 16),
		reports:  make(chan *http.Request, 4),
		forms:    make(chan map[string][]string, 4),
		files:    make(chan map[string][]byte, 4),
		status:   http.StatusCreated,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PushPath, s.handlePush)
	mux.HandleFunc(ReportPath, s.handleReport)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.received <- env
	}
}

func (s *fakeServer) handleReport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	files := map[string][]byte{}
	for _, fh := range r.MultipartForm.File["media"] {
		f, _ := fh.Open()
		b, _ := io.ReadAll(f)
		f.Close()
		files[fh.Filename] = b
	}
	s.reports <- r
	s.forms <- r.MultipartForm.Value
	s.files <- files
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	w.WriteHeader(status)
}

func (s *fakeServer) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	require.NoError(t, s.conns[len(s.conns)-1].WriteJSON(Envelope{Event: event, Data: raw}))
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func newTestReporter(serverURL, mediaDir string) *HTTPReporter {
	return NewHTTPReporter(HTTPReporterConfig{
		ServerURL: serverURL,
		MediaDir:  mediaDir,
		Backoff:   Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Attempts: 5},
	}, httputil.NewStandardClient(5*time.Second), nil)
}

func TestPushURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://central.local:3000", want: "ws://central.local:3000/ws"},
		{in: "https://central.example.com/", want: "wss://central.example.com/ws"},
		{in: "https://central.example.com/node-api", want: "wss://central.example.com/node-api/ws"},
		{in: "ftp://central", wantErr: true},
	}
	for _, tt := range tests {
		got, err := PushURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestHTTPReporter_ReportMultipart(t *testing.T) {
	srv := newFakeServer(t)
	mediaDir := t.TempDir()
	var media []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg", "f.jpg"} {
		p := filepath.Join(mediaDir, name)
		require.NoError(t, os.WriteFile(p, []byte("jpeg:"+name), 0o644))
		media = append(media, p)
	}
	outside := filepath.Join(t.TempDir(), "secret.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("nope"), 0o644))
	media = append([]string{outside, filepath.Join(mediaDir, "missing.jpg")}, media...)

	rep := newTestReporter(srv.URL, mediaDir)
	err := rep.Report(context.Background(), ReportPayload{NodeID: "n1", Lat: "1.5", Long: "-2.25", LaneNumber: "1"}, media)
	require.NoError(t, err)

	req := <-srv.reports
	assert.Equal(t, http.MethodPost, req.Method)
	form := <-srv.forms
	assert.Equal(t, []string{"n1"}, form["nodeId"])
	assert.Equal(t, []string{"1.5"}, form["lat"])
	assert.Equal(t, []string{"-2.25"}, form["long"])
	assert.Equal(t, []string{"1"}, form["laneNumber"])

	files := <-srv.files
	assert.Len(t, files, MaxMediaFiles)
	assert.Equal(t, []byte("jpeg:a.jpg"), files["a.jpg"])
	assert.NotContains(t, files, "secret.jpg")
	assert.NotContains(t, files, "f.jpg")
}

func TestHTTPReporter_ReportStatus(t *testing.T) {
	srv := newFakeServer(t)
	rep := newTestReporter(srv.URL, "")

	require.NoError(t, rep.Report(context.Background(), ReportPayload{NodeID: "n1"}, nil))
	<-srv.forms
	<-srv.files
	<-srv.reports

	srv.mu.Lock()
	srv.status = http.StatusInternalServerError
	srv.mu.Unlock()
	err := rep.Report(context.Background(), ReportPayload{NodeID: "n1"}, nil)
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
}

func TestHTTPReporter_HeartbeatAndInstructions(t *testing.T) {
	srv := newFakeServer(t)
	rep := newTestReporter(srv.URL, "")

	instructions := make(chan events.Instruction, 4)
	rep.OnInstruction(func(in events.Instruction) { instructions <- in })

	assert.ErrorIs(t, rep.EmitHeartbeat(context.Background(), "n1"), ErrNotConnected)

	require.NoError(t, rep.Connect(context.Background()))
	require.NoError(t, rep.Connect(context.Background()), "second connect is a no-op")
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, rep.EmitHeartbeat(context.Background(), "n1"))
	select {
	case env := <-srv.received:
		assert.Equal(t, EventHeartbeat, env.Event)
		assert.JSONEq(t, `{"nodeId":"n1","status":"active"}`, string(env.Data))
	case <-time.After(time.Second):
		t.Fatal("heartbeat not received")
	}

	srv.push(t, "chat_message", map[string]any{"isAccident": true})
	srv.push(t, EventRoadUpdate, map[string]any{"isAccident": true, "speedLimit": 60, "laneStates": []string{"blocked", "up"}})

	select {
	case in := <-instructions:
		assert.True(t, in.IsAccident())
		limit, ok := in.SpeedLimit()
		assert.True(t, ok)
		assert.Equal(t, 60, limit)
		assert.Equal(t, []string{"blocked", "up"}, in.LaneStates())
	case <-time.After(time.Second):
		t.Fatal("instruction not delivered")
	}
	assert.Empty(t, instructions, "non-instruction events are ignored")

	require.NoError(t, rep.Disconnect())
	assert.NoError(t, rep.Disconnect())
	assert.ErrorIs(t, rep.EmitHeartbeat(context.Background(), "n1"), ErrNotConnected)
}

func TestHTTPReporter_ReconnectsAfterDrop(t *testing.T) {
	srv := newFakeServer(t)
	rep := newTestReporter(srv.URL, "")

	var mu sync.Mutex
	var changes []bool
	rep.OnConnection(func(connected bool, reason string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, connected)
	})

	require.NoError(t, rep.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, time.Second, 5*time.Millisecond)

	srv.dropClients()

	require.Eventually(t, func() bool { return srv.connCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{false, true}, changes)
	mu.Unlock()

	require.NoError(t, rep.EmitHeartbeat(context.Background(), "n1"))
	require.NoError(t, rep.Disconnect())
}

func TestHTTPReporter_ConnectFailure(t *testing.T) {
	srv := newFakeServer(t)
	url := srv.URL
	srv.Close()

	rep := newTestReporter(url, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, rep.Connect(ctx))
}
