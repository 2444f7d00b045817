package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/timeutil"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultReportTimeout     = 15 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultJoinTimeout       = 2 * time.Second
)

// Config configures a Worker.
type Config struct {
	NodeID            string
	Lat               string
	Long              string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReportTimeout     time.Duration
	ConnectTimeout    time.Duration
	JoinTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = DefaultReportTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
}

// Journal records incident outcomes. Implementations must be safe for
// concurrent use.
type Journal interface {
	IncidentRaised(e events.IncidentDetected) error
	IncidentReported(id string, reportErr error) error
}

// Worker reports incidents raised on the bus, keeps the heartbeat running
// and republishes server pushes as InstructionReceived.
type Worker struct {
	cfg      Config
	reporter Reporter
	bus      *eventbus.Bus
	tracker  *failures.Tracker
	journal  Journal
	clock    timeutil.Clock
	log      *monitoring.Logger

	sub eventbus.ID

	// base is cancelled by Stop and bounds every in-flight report.
	base       context.Context
	cancelBase context.CancelFunc

	active    atomic.Bool
	connected atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	heartbeat sync.WaitGroup

	reportsMu sync.Mutex
	stopped   bool
	reports   sync.WaitGroup

	reported   atomic.Uint64
	failed     atomic.Uint64
	heartbeats atomic.Uint64
	received   atomic.Uint64
}

// Stats counts network activity.
type Stats struct {
	Connected    bool   `json:"connected"`
	Reported     uint64 `json:"reported"`
	Failed       uint64 `json:"failed"`
	Heartbeats   uint64 `json:"heartbeats"`
	Instructions uint64 `json:"instructions"`
}

// Option customises a Worker.
type Option func(*Worker)

// WithJournal records incident outcomes in j.
func WithJournal(j Journal) Option {
	return func(w *Worker) { w.journal = j }
}

// WithClock replaces the clock driving the heartbeat, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// NewWorker creates a worker and subscribes it to IncidentDetected. Reports
// are attempted whether or not Start succeeded. tracker may be nil.
func NewWorker(cfg Config, reporter Reporter, bus *eventbus.Bus, tracker *failures.Tracker, log *monitoring.Logger, opts ...Option) *Worker {
	cfg.applyDefaults()
	base, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:        cfg,
		reporter:   reporter,
		bus:        bus,
		tracker:    tracker,
		clock:      timeutil.RealClock{},
		log:        log.Named("network"),
		base:       base,
		cancelBase: cancel,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sub = eventbus.On(bus, w.onIncident)
	return w
}

// Start connects to the server. On failure it records a critical network
// failure, publishes ConnectionStatus{Connected: false} and returns the
// error; the node carries on offline. On success it starts the heartbeat.
func (w *Worker) Start(ctx context.Context) error {
	if src, ok := w.reporter.(InstructionSource); ok {
		src.OnInstruction(w.onInstruction)
		src.OnConnection(w.onConnection)
	}

	w.log.Diagf("connecting to server")
	cctx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	err := w.reporter.Connect(cctx)
	cancel()
	if err != nil {
		fe := failures.Errorf(failures.NetworkError, true, "initial connection failed: %w", err)
		w.record(fe)
		w.bus.Publish(events.ConnectionStatus{Meta: events.Now(), Connected: false, Reason: fe.Msg})
		return fe
	}

	w.active.Store(true)
	w.connected.Store(true)
	w.bus.Publish(events.ConnectionStatus{Meta: events.Now(), Connected: true, Reason: "connected"})

	w.heartbeat.Add(1)
	go w.heartbeatLoop()
	return nil
}

// Stop ends the heartbeat, waits a bounded time for it and for in-flight
// reports, then disconnects. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.active.Store(false)
		close(w.stopCh)
		w.bus.Unsubscribe(events.KindIncidentDetected, w.sub)
		w.reportsMu.Lock()
		w.stopped = true
		w.reportsMu.Unlock()

		if !waitTimeout(&w.heartbeat, w.cfg.JoinTimeout) {
			w.log.Opsf("heartbeat did not stop within %s", w.cfg.JoinTimeout)
		}
		if !waitTimeout(&w.reports, w.cfg.JoinTimeout) {
			w.log.Opsf("abandoning in-flight reports after %s", w.cfg.JoinTimeout)
		}
		w.cancelBase()

		if err := w.reporter.Disconnect(); err != nil {
			w.log.Diagf("disconnect: %v", err)
		}
		w.connected.Store(false)
		w.log.Diagf("network worker stopped")
	})
}

// WaitReports blocks until in-flight reports finish or d elapses. It
// reports whether they finished.
func (w *Worker) WaitReports(d time.Duration) bool {
	return waitTimeout(&w.reports, d)
}

// Connected reports the last known push channel state.
func (w *Worker) Connected() bool { return w.connected.Load() }

// Stats returns the network counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Connected:    w.connected.Load(),
		Reported:     w.reported.Load(),
		Failed:       w.failed.Load(),
		Heartbeats:   w.heartbeats.Load(),
		Instructions: w.received.Load(),
	}
}

// Payload builds the report form for an incident.
func (w *Worker) Payload(e events.IncidentDetected) ReportPayload {
	return ReportPayload{
		NodeID:     w.cfg.NodeID,
		Lat:        w.cfg.Lat,
		Long:       w.cfg.Long,
		LaneNumber: e.Lane,
	}
}

// onIncident runs on the publisher's goroutine; the report itself runs
// detached so bus dispatch never waits on network I/O.
func (w *Worker) onIncident(e events.IncidentDetected) error {
	payload := w.Payload(e)
	w.log.Opsf("reporting incident %s for lane %s (ai: %t, model: %q, media: %d)",
		e.ID, e.Lane, e.AIDetected, e.ModelName, len(e.MediaPaths))
	if w.journal != nil {
		if err := w.journal.IncidentRaised(e); err != nil {
			w.log.Diagf("journal incident %s: %v", e.ID, err)
		}
	}

	w.reportsMu.Lock()
	if w.stopped {
		w.reportsMu.Unlock()
		w.log.Opsf("worker stopped, incident %s not reported", e.ID)
		return nil
	}
	w.reports.Add(1)
	w.reportsMu.Unlock()

	go func() {
		defer w.reports.Done()
		ctx, cancel := context.WithTimeout(w.base, w.cfg.ReportTimeout)
		defer cancel()

		err := w.reporter.Report(ctx, payload, e.MediaPaths)
		if err != nil {
			w.failed.Add(1)
			w.record(failures.Errorf(failures.NetworkError, false, "report incident %s: %w", e.ID, err))
		} else {
			w.reported.Add(1)
			w.log.Diagf("incident %s reported", e.ID)
		}
		if w.journal != nil {
			if jerr := w.journal.IncidentReported(e.ID, err); jerr != nil {
				w.log.Diagf("journal report outcome %s: %v", e.ID, jerr)
			}
		}
	}()
	return nil
}

func (w *Worker) heartbeatLoop() {
	defer w.heartbeat.Done()
	ticker := w.clock.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		w.beat()
		select {
		case <-w.stopCh:
			return
		case <-ticker.C():
		}
		if !w.active.Load() {
			return
		}
	}
}

func (w *Worker) beat() {
	if !w.connected.Load() {
		w.log.Tracef("heartbeat skipped, not connected")
		return
	}
	ctx, cancel := context.WithTimeout(w.base, w.cfg.HeartbeatTimeout)
	defer cancel()
	if err := w.reporter.EmitHeartbeat(ctx, w.cfg.NodeID); err != nil {
		w.record(failures.Errorf(failures.NetworkError, false, "heartbeat failed: %w", err))
		return
	}
	w.heartbeats.Add(1)
	w.log.Tracef("heartbeat sent")
}

func (w *Worker) onInstruction(in events.Instruction) {
	w.received.Add(1)
	w.log.Diagf("server instruction received: %v", map[string]any(in))
	w.bus.Publish(events.InstructionReceived{Meta: events.Now(), Payload: in})
}

func (w *Worker) onConnection(connected bool, reason string) {
	if w.connected.Swap(connected) == connected {
		return
	}
	if connected {
		w.log.Opsf("reconnected to server")
	} else {
		w.log.Opsf("disconnected from server: %s", reason)
		w.record(failures.Errorf(failures.NetworkError, false, "connection lost: %s", reason))
	}
	w.bus.Publish(events.ConnectionStatus{Meta: events.Now(), Connected: connected, Reason: reason})
}

func (w *Worker) record(err *failures.Error) {
	if w.tracker == nil {
		w.log.Opsf("%s", err.Msg)
		return
	}
	w.tracker.RecordError(err)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
