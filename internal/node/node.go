// Package node wires the pipeline, the network worker and the display into a
// running edge node.
package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/safespace/internal/api"
	"github.com/banshee-data/safespace/internal/config"
	"github.com/banshee-data/safespace/internal/db"
	"github.com/banshee-data/safespace/internal/detect"
	"github.com/banshee-data/safespace/internal/display"
	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/httputil"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/network"
	"github.com/banshee-data/safespace/internal/pipeline"
	"github.com/banshee-data/safespace/internal/queue"
	"github.com/banshee-data/safespace/internal/snapshot"
	"github.com/banshee-data/safespace/internal/source"
	"github.com/banshee-data/safespace/internal/timeutil"
	"github.com/banshee-data/safespace/internal/version"
	"github.com/banshee-data/safespace/internal/vision"
)

// Queue capacities.
const (
	FrameQueueSize     = 2
	DetectionQueueSize = 5
	ViewerQueueSize    = 2

	// JoinTimeout bounds how long shutdown waits for each loop.
	JoinTimeout = 2 * time.Second

	stdinOrigin = "stdin"
)

// Options selects the run mode and, for tests, replaces collaborators.
type Options struct {
	Config *config.NodeConfig
	// Offline skips the coordinating server entirely.
	Offline bool
	// NoAI runs without inference; only manual triggers raise incidents.
	NoAI bool
	// ShowFrames keeps annotated frames for /debug/frame.jpg.
	ShowFrames bool
	// Trigger, when set, raises a manual trigger per line read. A line
	// of "q" requests shutdown.
	Trigger io.Reader
	Log     *monitoring.Logger

	Source     pipeline.FrameSource
	Detectors  map[string]pipeline.Detector
	Reporter   network.Reporter
	Display    display.Display
	Clock      timeutil.Clock
	HTTPClient httputil.HTTPClient
}

// Node is a fully wired edge node.
type Node struct {
	cfg  *config.NodeConfig
	opts Options
	log  *monitoring.Logger

	bus     *eventbus.Bus
	tracker *failures.Tracker
	journal *db.DB

	frames     *queue.Bounded[vision.Frame]
	detections *queue.Bounded[vision.Detection]
	viewer     *queue.Bounded[vision.Frame]
	latest     *pipeline.LatestFrame
	viewed     *pipeline.LatestFrame

	capture   *pipeline.CaptureStage
	inference *pipeline.InferenceStage
	decision  *pipeline.DecisionStage

	snapshots  *snapshot.DirStore
	board      *display.LogDisplay
	screen     display.Display
	subscriber *display.Subscriber
	worker     *network.Worker

	closers []io.Closer
	started time.Time

	mu       sync.Mutex
	shutdown string
}

// New builds every component. Nothing runs until Run.
func New(opts Options) (_ *Node, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	n := &Node{cfg: cfg, opts: opts, log: opts.Log.Named("node")}
	defer func() {
		if err != nil {
			n.closeAll()
		}
	}()

	n.bus = eventbus.New(opts.Log)

	var trackerOpts []failures.Option
	if cfg.Database.Path != "" {
		n.journal, err = db.NewDB(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		n.closers = append(n.closers, n.journal)
		trackerOpts = append(trackerOpts, failures.WithSink(n.journal))
	}
	n.tracker = failures.NewTracker(failures.Config{
		Threshold:  cfg.Failures.Threshold,
		Window:     cfg.Failures.Window.D(),
		MaxHistory: cfg.Failures.MaxHistory,
	}, opts.Log, trackerOpts...)

	n.snapshots, err = snapshot.NewDirStore(cfg.Snapshots.Dir,
		snapshot.WithQuality(cfg.Snapshots.Quality),
		snapshot.WithMaxWidth(cfg.Snapshots.MaxWidth))
	if err != nil {
		return nil, fmt.Errorf("snapshot directory: %w", err)
	}

	if err := n.buildDisplay(); err != nil {
		return nil, err
	}
	n.buildPipeline()
	if !opts.Offline {
		n.buildNetwork()
	} else if n.journal != nil {
		eventbus.On(n.bus, n.journal.IncidentRaised)
	}
	eventbus.On(n.bus, func(e events.IncidentDetected) error {
		n.log.Opsf("incident %s raised (lane %s, ai=%t, media=%d)", e.ID, e.Lane, e.AIDetected, len(e.MediaPaths))
		return nil
	})
	eventbus.On(n.bus, func(e events.ConnectionStatus) error {
		n.log.Diagf("server connection: connected=%t (%s)", e.Connected, e.Reason)
		return nil
	})
	n.started = opts.Clock.Now()
	return n, nil
}

func (n *Node) buildDisplay() error {
	n.board = display.NewLogDisplay(n.opts.Log)
	screen := n.opts.Display
	if screen == nil && n.cfg.Display.Kind == config.DisplaySerial {
		serial, err := display.OpenSerialDisplay(n.cfg.Display.Port, n.cfg.Display.Serial, nil, n.opts.Log)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, serial)
		screen = serial
	}
	n.screen = display.Multi(screen, n.board)
	n.subscriber = display.NewSubscriber(n.bus, n.screen, n.tracker, n.opts.Log)
	return nil
}

func (n *Node) frameSource() (pipeline.FrameSource, vision.SourceKind) {
	if n.opts.Source != nil {
		if n.cfg.Capture.Source == config.SourceVideo {
			return n.opts.Source, vision.SourceVideo
		}
		return n.opts.Source, vision.SourceCamera
	}
	if n.cfg.Capture.Source == config.SourceVideo {
		return source.NewDirSource(n.cfg.Capture.Path, n.cfg.Capture.Width), vision.SourceVideo
	}
	return source.NewSynthetic(n.cfg.Capture.Width, n.cfg.Capture.Height), vision.SourceCamera
}

func (n *Node) buildPipeline() {
	n.frames = queue.New[vision.Frame]("frames", FrameQueueSize, queue.DropOldest)
	n.detections = queue.New[vision.Detection]("detections", DetectionQueueSize, queue.RejectNewest)
	n.latest = &pipeline.LatestFrame{}

	src, kind := n.frameSource()
	n.capture = pipeline.NewCaptureStage(pipeline.CaptureConfig{
		FPS:              n.cfg.Capture.FPS,
		Source:           kind,
		Loop:             n.cfg.Capture.Loop,
		MaxInvalidFrames: n.cfg.Capture.MaxInvalidFrames,
		GlitchPause:      n.cfg.Capture.GlitchPause.D(),
	}, src, n.frames, n.latest, n.tracker, n.opts.Clock, n.opts.Log)

	if !n.opts.NoAI {
		client := n.opts.HTTPClient
		if client == nil {
			client = httputil.NewStandardClient(10 * time.Second)
		}
		var models []pipeline.ModelBinding
		for _, m := range n.cfg.Models {
			det, ok := n.opts.Detectors[m.Name]
			if !ok {
				det = detect.NewHTTPDetector(m.Endpoint, m.Name, client)
			}
			models = append(models, pipeline.ModelBinding{Name: m.Name, Detector: det, Confidence: m.Confidence})
		}
		n.inference = pipeline.NewInferenceStage(models, n.frames, n.detections, n.tracker, n.opts.Log)
		if n.opts.ShowFrames {
			n.viewer = queue.New[vision.Frame]("viewer", ViewerQueueSize, queue.DropOldest)
			n.viewed = &pipeline.LatestFrame{}
			n.inference.SetViewer(n.viewer, snapshot.NewBoxAnnotator())
		}
	}

	n.decision = pipeline.NewDecisionStage(pipeline.DecisionConfig{
		IncidentPattern: n.cfg.Decision.IncidentPattern,
	}, n.detections, n.bus, n.snapshots, pipeline.FixedLane(n.cfg.DefaultLane), n.latest, n.opts.Log)
}

func (n *Node) buildNetwork() {
	reporter := n.opts.Reporter
	if reporter == nil {
		backoff := network.DefaultBackoff
		backoff.Attempts = n.cfg.Server.ReconnectAttempts
		reporter = network.NewHTTPReporter(network.HTTPReporterConfig{
			ServerURL: n.cfg.Server.URL,
			MediaDir:  n.snapshots.Dir(),
			Backoff:   backoff,
		}, httputil.NewStandardClient(n.cfg.Server.ReportTimeout.D()), n.opts.Log)
	}
	var wopts []network.Option
	if n.journal != nil {
		wopts = append(wopts, network.WithJournal(n.journal))
	}
	n.worker = network.NewWorker(network.Config{
		NodeID:            n.cfg.NodeID,
		Lat:               n.cfg.Lat,
		Long:              n.cfg.Long,
		HeartbeatInterval: n.cfg.Server.HeartbeatInterval.D(),
		HeartbeatTimeout:  n.cfg.Server.HeartbeatTimeout.D(),
		ReportTimeout:     n.cfg.Server.ReportTimeout.D(),
		ConnectTimeout:    n.cfg.Server.ConnectTimeout.D(),
		JoinTimeout:       JoinTimeout,
	}, reporter, n.bus, n.tracker, n.opts.Log, wopts...)
}

// Bus returns the node's event bus.
func (n *Node) Bus() *eventbus.Bus { return n.bus }

// Decision returns the decision stage, for inspection.
func (n *Node) Decision() *pipeline.DecisionStage { return n.decision }

// Board returns what the display is currently showing.
func (n *Node) Board() display.Board { return n.board.Board() }

// Run starts every loop and blocks until ctx is cancelled or a
// ShutdownRequested event is published, then stops them all. Each loop is
// given JoinTimeout to finish.
func (n *Node) Run(ctx context.Context) error {
	root, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSub := eventbus.On(n.bus, func(e events.ShutdownRequested) error {
		n.mu.Lock()
		if n.shutdown == "" {
			n.shutdown = e.Reason
		}
		n.mu.Unlock()
		cancel()
		return nil
	})
	defer n.bus.Unsubscribe(events.KindShutdownRequested, stopSub)

	n.log.Opsf("starting %s as %s", version.String(), n.cfg.NodeID)

	if n.worker != nil {
		if err := n.worker.Start(root); err != nil {
			n.log.Opsf("continuing offline: %v", err)
		}
	} else {
		n.log.Opsf("offline mode: incidents are recorded locally only")
	}

	var loops []*loop
	start := func(name string, fn func(context.Context)) {
		l := &loop{name: name, done: make(chan struct{})}
		loops = append(loops, l)
		go func() {
			defer close(l.done)
			fn(root)
		}()
	}

	start("capture", func(ctx context.Context) {
		if err := n.capture.Run(ctx); err != nil {
			n.log.Opsf("capture stopped: %v", err)
		} else if ctx.Err() == nil {
			n.log.Opsf("capture finished")
		}
	})
	if n.inference != nil {
		start("inference", n.inference.Run)
	} else {
		n.log.Opsf("inference disabled: only manual triggers raise incidents")
		start("frame-drain", n.drainFrames)
	}
	start("decision", n.decision.Run)
	if n.viewer != nil {
		start("viewer", n.drainViewer)
	}
	if n.cfg.Admin.Listen != "" {
		start("admin", n.serveAdmin)
	}
	if n.opts.Trigger != nil {
		// The reader blocks in Read and cannot be interrupted, so it is
		// not joined.
		go n.readTriggers(root, n.opts.Trigger)
	}

	<-root.Done()
	n.mu.Lock()
	reason := n.shutdown
	n.mu.Unlock()
	if reason == "" {
		reason = context.Cause(root).Error()
	}
	n.log.Opsf("shutting down: %s", reason)

	for _, l := range loops {
		select {
		case <-l.done:
		case <-time.After(JoinTimeout):
			n.log.Opsf("%s loop did not stop within %s", l.name, JoinTimeout)
		}
	}
	if n.worker != nil {
		n.worker.Stop()
	}
	n.frames.Close()
	n.detections.Close()
	if n.viewer != nil {
		n.viewer.Close()
	}
	n.subscriber.Close()
	return n.closeAll()
}

type loop struct {
	name string
	done chan struct{}
}

func (n *Node) closeAll() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// drainFrames keeps the frame queue moving when no inference runs so the
// capture stage does not count every frame as dropped.
func (n *Node) drainFrames(ctx context.Context) {
	for {
		if _, ok := n.frames.Take(ctx, pipeline.DefaultTakeWait); !ok && ctx.Err() != nil {
			return
		}
	}
}

func (n *Node) drainViewer(ctx context.Context) {
	for {
		f, ok := n.viewer.Take(ctx, pipeline.DefaultTakeWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		n.viewed.Set(f)
	}
}

func (n *Node) readTriggers(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "q", "quit":
			n.bus.Publish(events.ShutdownRequested{Meta: events.Now(), Reason: "stdin quit"})
			return
		default:
			n.log.Opsf("manual trigger from stdin")
			n.bus.Publish(events.ManualTrigger{Meta: events.Now(), Origin: stdinOrigin})
		}
	}
}

// Handler returns the admin routes.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	opts := api.Options{
		Bus:     n.bus,
		Tracker: n.tracker,
		Status:  func() any { return n.Status() },
		Log:     n.opts.Log,
	}
	if n.viewed != nil {
		opts.Frame = func() (vision.Image, bool) {
			f, ok := n.viewed.Get()
			return f.Image, ok
		}
	}
	api.NewServer(opts).AttachAdminRoutes(mux)
	if n.journal != nil {
		if err := n.journal.AttachAdminRoutes(mux); err != nil {
			n.log.Opsf("journal admin routes unavailable: %v", err)
		}
	}
	return api.LoggingMiddleware(n.opts.Log, mux)
}

func (n *Node) serveAdmin(ctx context.Context) {
	ready := make(chan net.Addr, 1)
	go func() {
		select {
		case addr := <-ready:
			n.log.Diagf("admin routes on http://%s/debug/", addr)
		case <-ctx.Done():
		}
	}()
	if err := api.Serve(ctx, n.cfg.Admin.Listen, n.Handler(), ready, n.opts.Log); err != nil {
		n.log.Opsf("admin server: %v", err)
	}
}

// Close releases the journal and display port of a node that was never
// Run. Run closes them itself.
func (n *Node) Close() error { return n.closeAll() }
