// Package api serves the node's admin and debug routes.
package api

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/httputil"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/snapshot"
	"github.com/banshee-data/safespace/internal/vision"
)

// TriggerOrigin marks manual triggers raised over HTTP.
const TriggerOrigin = "admin"

// Options wires the Server to the running node. Nil fields disable the
// routes that need them.
type Options struct {
	Bus     *eventbus.Bus
	Tracker *failures.Tracker
	// Status returns a JSON-encodable snapshot of the node.
	Status func() any
	// Frame returns the latest annotated viewer frame.
	Frame func() (vision.Image, bool)
	Log   *monitoring.Logger
}

type Server struct {
	opts Options
	log  *monitoring.Logger
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts, log: opts.Log.Named("api")}
}

// AttachAdminRoutes mounts the node routes under /debug/. They are only
// reachable from loopback or the tailnet.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	if s.opts.Status != nil {
		debug.Handle("node", "Pipeline, gate, network and display state (JSON)", http.HandlerFunc(s.handleNode))
	}
	if s.opts.Tracker != nil {
		debug.Handle("failures", "Failure counts in the current window and recent history (JSON, ?n=N)", http.HandlerFunc(s.handleFailures))
	}
	if s.opts.Bus != nil {
		debug.Handle("bus", "Event bus counters (JSON)", http.HandlerFunc(s.handleBus))
		debug.Handle("trigger", "POST to report an incident manually", http.HandlerFunc(s.handleTrigger))
		debug.Handle("shutdown", "POST to stop the node", http.HandlerFunc(s.handleShutdown))
	}
	if s.opts.Frame != nil {
		debug.Handle("frame.jpg", "Latest annotated frame", http.HandlerFunc(s.handleFrame))
	}
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.opts.Status())
}

type failureReport struct {
	Counts   map[failures.Kind]int  `json:"counts"`
	Exceeded map[failures.Kind]bool `json:"exceeded"`
	Recent   []failures.Failure     `json:"recent"`
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	counts := s.opts.Tracker.Counts()
	exceeded := make(map[failures.Kind]bool, len(counts))
	for kind := range counts {
		exceeded[kind] = s.opts.Tracker.Exceeded(kind)
	}
	recent := s.opts.Tracker.Recent(n)
	if recent == nil {
		recent = []failures.Failure{}
	}
	httputil.WriteJSONOK(w, failureReport{Counts: counts, Exceeded: exceeded, Recent: recent})
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.opts.Bus.Stats())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.log.Opsf("manual trigger from %s", r.RemoteAddr)
	s.opts.Bus.Publish(events.ManualTrigger{Meta: events.Now(), Origin: TriggerOrigin})
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "trigger accepted"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	s.opts.Bus.Publish(events.ShutdownRequested{Meta: events.Now(), Reason: "admin request from " + r.RemoteAddr})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	img, ok := s.opts.Frame()
	if !ok || img.Empty() {
		httputil.NotFound(w, "no frame available")
		return
	}
	var buf bytes.Buffer
	if err := snapshot.EncodeJPEG(&buf, img, snapshot.DefaultQuality); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down within a second. ready, when non-nil, receives the bound address.
func Serve(ctx context.Context, addr string, h http.Handler, ready chan<- net.Addr, log *monitoring.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready <- ln.Addr()
	}
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Diagf("shutting down admin server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Opsf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Opsf("admin server force close error: %v", err)
		}
	}
	return nil
}
