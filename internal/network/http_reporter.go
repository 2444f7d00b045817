package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/httputil"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/security"
	"github.com/banshee-data/safespace/internal/timeutil"
)

// Wire names used by the coordinating server.
const (
	ReportPath = "/api/accident-detected"
	PushPath   = "/ws"

	EventHeartbeat             = "heartbeat"
	EventRoadUpdate            = "road_update"
	EventCentralUnitUpdate     = "central_unit_update"
	EventAdminAccidentResponse = "admin_accident_response"

	MaxMediaFiles = 5
)

// instructionEvents are the push events that carry an Instruction.
var instructionEvents = map[string]bool{
	EventRoadUpdate:            true,
	EventCentralUnitUpdate:     true,
	EventAdminAccidentResponse: true,
}

// Envelope frames every message on the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type heartbeat struct {
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
}

// Backoff controls push channel reconnection.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultBackoff retries from 2s doubling to 30s, ten times.
var DefaultBackoff = Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, Attempts: 10}

// HTTPReporterConfig configures an HTTPReporter.
type HTTPReporterConfig struct {
	// ServerURL is the http(s) base URL of the coordinating server.
	ServerURL string
	// MediaDir restricts uploads to files under this directory. Empty
	// disables the check.
	MediaDir string
	Backoff  Backoff
}

// HTTPReporter sends incident reports as multipart HTTP POSTs and keeps a
// WebSocket push channel open for heartbeats and server instructions.
type HTTPReporter struct {
	cfg    HTTPReporterConfig
	client httputil.HTTPClient
	dialer *websocket.Dialer
	clock  timeutil.Clock
	log    *monitoring.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	onInstruction func(events.Instruction)
	onConnection  func(bool, string)
	closing       bool
	done          chan struct{}

	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex
	readers sync.WaitGroup
}

// NewHTTPReporter creates a reporter. client carries the report timeout.
func NewHTTPReporter(cfg HTTPReporterConfig, client httputil.HTTPClient, log *monitoring.Logger) *HTTPReporter {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &HTTPReporter{
		cfg:    cfg,
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		clock:  timeutil.RealClock{},
		log:    log.Named("reporter"),
		done:   make(chan struct{}),
	}
}

// OnInstruction implements InstructionSource.
func (r *HTTPReporter) OnInstruction(fn func(events.Instruction)) {
	r.mu.Lock()
	r.onInstruction = fn
	r.mu.Unlock()
}

// OnConnection implements InstructionSource.
func (r *HTTPReporter) OnConnection(fn func(bool, string)) {
	r.mu.Lock()
	r.onConnection = fn
	r.mu.Unlock()
}

// PushURL maps the server URL onto the WebSocket endpoint.
func PushURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path += PushPath
	return u.String(), nil
}

// Connect opens the push channel and starts its reader.
func (r *HTTPReporter) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	if r.closing {
		r.mu.Unlock()
		return errors.New("reporter closed")
	}
	r.mu.Unlock()

	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.log.Diagf("connected to %s", r.cfg.ServerURL)

	r.readers.Add(1)
	go r.readLoop(conn)
	return nil
}

func (r *HTTPReporter) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := PushURL(r.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := r.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// Disconnect closes the push channel and waits briefly for its reader.
func (r *HTTPReporter) Disconnect() error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	close(r.done)
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "node shutting down"),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = conn.Close()
	}
	if !waitTimeout(&r.readers, DefaultJoinTimeout) {
		r.log.Opsf("push reader did not stop within %s", DefaultJoinTimeout)
	}
	return err
}

// EmitHeartbeat sends a liveness message on the push channel.
func (r *HTTPReporter) EmitHeartbeat(ctx context.Context, nodeID string) error {
	data, err := json.Marshal(heartbeat{NodeID: nodeID, Status: "active"})
	if err != nil {
		return err
	}
	return r.send(ctx, Envelope{Event: EventHeartbeat, Data: data})
}

func (r *HTTPReporter) send(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultHeartbeatTimeout)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (r *HTTPReporter) readLoop(conn *websocket.Conn) {
	defer r.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if r.isClosing() {
				return
			}
			r.notifyConnection(false, err.Error())
			next := r.reconnect()
			if next == nil {
				return
			}
			conn = next
			continue
		}
		r.dispatch(data)
	}
}

func (r *HTTPReporter) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Diagf("ignoring malformed push message: %v", err)
		return
	}
	r.log.Tracef("push event %q", env.Event)
	if !instructionEvents[env.Event] {
		return
	}
	in, err := events.ParseInstruction(env.Data)
	if err != nil {
		r.log.Opsf("ignoring %s with malformed payload: %v", env.Event, err)
		return
	}
	r.mu.Lock()
	fn := r.onInstruction
	r.mu.Unlock()
	if fn != nil {
		fn(in)
	}
}

// reconnect redials with exponential backoff. It returns nil when the
// attempts are exhausted or the reporter is closing.
func (r *HTTPReporter) reconnect() *websocket.Conn {
	delay := r.cfg.Backoff.Initial
	for attempt := 1; attempt <= r.cfg.Backoff.Attempts; attempt++ {
		if !timeutil.Sleep(r.clock, delay, r.done) {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
		conn, err := r.dial(ctx)
		cancel()
		if err == nil {
			r.mu.Lock()
			if r.closing {
				r.mu.Unlock()
				conn.Close()
				return nil
			}
			r.conn = conn
			r.mu.Unlock()
			r.notifyConnection(true, fmt.Sprintf("reconnected after %d attempt(s)", attempt))
			return conn
		}
		r.log.Diagf("reconnect attempt %d/%d failed: %v", attempt, r.cfg.Backoff.Attempts, err)
		delay *= 2
		if delay > r.cfg.Backoff.Max {
			delay = r.cfg.Backoff.Max
		}
	}
	r.log.Opsf("giving up on push channel after %d attempts", r.cfg.Backoff.Attempts)
	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	return nil
}

func (r *HTTPReporter) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *HTTPReporter) notifyConnection(connected bool, reason string) {
	r.mu.Lock()
	if !connected {
		r.conn = nil
	}
	fn := r.onConnection
	r.mu.Unlock()
	if fn != nil {
		fn(connected, reason)
	}
}

// Report posts an incident with up to MaxMediaFiles attachments. Media that
// is missing or outside MediaDir is skipped. Any 2xx response is success.
func (r *HTTPReporter) Report(ctx context.Context, payload ReportPayload, mediaPaths []string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range payload.Fields() {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	attached := 0
	for _, p := range mediaPaths {
		if attached == MaxMediaFiles {
			r.log.Diagf("dropping %d media file(s) over the limit of %d", len(mediaPaths)-MaxMediaFiles, MaxMediaFiles)
			break
		}
		if err := r.attach(mw, p); err != nil {
			r.log.Opsf("skipping media %s: %v", p, err)
			continue
		}
		attached++
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ServerURL+ReportPath, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	httputil.DrainAndClose(resp)
	r.log.Diagf("report posted (%d, %d media)", resp.StatusCode, attached)
	return nil
}

func (r *HTTPReporter) attach(mw *multipart.Writer, path string) error {
	if r.cfg.MediaDir != "" {
		if err := security.ValidateMediaFile(path, r.cfg.MediaDir); err != nil {
			return err
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
