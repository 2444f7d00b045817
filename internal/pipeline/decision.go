package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/events"
	"github.com/banshee-data/safespace/internal/monitoring"
	"github.com/banshee-data/safespace/internal/queue"
	"github.com/banshee-data/safespace/internal/vision"
)

const (
	DefaultIncidentPattern = "accident"
	DefaultInboxSize       = 16

	snapshotPrefixAI     = "ai_detection"
	snapshotPrefixManual = "manual_report"
)

// DecisionConfig configures a DecisionStage.
type DecisionConfig struct {
	// IncidentPattern is matched case-insensitively against model names;
	// only matching models can raise incidents.
	IncidentPattern string
	InboxSize       int
}

// DecisionStage applies escalation rules to detections, manual triggers and
// server instructions. A single goroutine (Run) owns the confirmation gate.
type DecisionStage struct {
	cfg       DecisionConfig
	in        *queue.Bounded[vision.Detection]
	bus       *eventbus.Bus
	snapshots SnapshotStore
	lanes     LaneResolver
	latest    *LatestFrame
	log       *monitoring.Logger

	inbox chan events.Event
	subs  []eventbus.ID

	mu    sync.Mutex
	state GateState

	// Owned by the Run goroutine.
	lastDetectionFrame vision.Image

	incidents    atomic.Uint64
	ignored      atomic.Uint64
	instructions atomic.Uint64
	inboxDropped atomic.Uint64
}

// DecisionStats counts decision activity.
type DecisionStats struct {
	State        string `json:"state"`
	Incidents    uint64 `json:"incidents"`
	Ignored      uint64 `json:"ignored"`
	Instructions uint64 `json:"instructions"`
	InboxDropped uint64 `json:"inbox_dropped"`
}

// NewDecisionStage creates a stage and subscribes its inbox to manual
// triggers and server instructions. snapshots, lanes and latest may be nil.
func NewDecisionStage(cfg DecisionConfig, in *queue.Bounded[vision.Detection], bus *eventbus.Bus, snapshots SnapshotStore, lanes LaneResolver, latest *LatestFrame, log *monitoring.Logger) *DecisionStage {
	if cfg.IncidentPattern == "" {
		cfg.IncidentPattern = DefaultIncidentPattern
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if lanes == nil {
		lanes = FixedLane("1")
	}
	d := &DecisionStage{
		cfg:       cfg,
		in:        in,
		bus:       bus,
		snapshots: snapshots,
		lanes:     lanes,
		latest:    latest,
		log:       log.Named("decision"),
		inbox:     make(chan events.Event, cfg.InboxSize),
	}
	d.subs = []eventbus.ID{
		bus.Subscribe(events.KindManualTrigger, d.enqueue),
		bus.Subscribe(events.KindInstructionReceived, d.enqueue),
	}
	return d
}

// enqueue runs on the publisher's goroutine and only hands the event over.
func (d *DecisionStage) enqueue(e events.Event) error {
	select {
	case d.inbox <- e:
	default:
		d.inboxDropped.Add(1)
		d.log.Opsf("decision inbox full, dropping %s", e.Kind())
	}
	return nil
}

// State returns the gate state. Safe from any goroutine.
func (d *DecisionStage) State() GateState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AwaitingConfirmation reports whether an incident is pending. Safe from
// any goroutine.
func (d *DecisionStage) AwaitingConfirmation() bool {
	return d.State() == AwaitingConfirmation
}

func (d *DecisionStage) setState(s GateState) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.log.Diagf("gate %s -> %s", prev, s)
	}
}

// Stats returns the decision counters.
func (d *DecisionStage) Stats() DecisionStats {
	return DecisionStats{
		State:        d.State().String(),
		Incidents:    d.incidents.Load(),
		Ignored:      d.ignored.Load(),
		Instructions: d.instructions.Load(),
		InboxDropped: d.inboxDropped.Load(),
	}
}

// Run owns the gate until ctx is cancelled. Bus subscriptions are removed on
// return.
func (d *DecisionStage) Run(ctx context.Context) {
	d.log.Diagf("decision stage running")
	defer func() {
		d.bus.Unsubscribe(events.KindManualTrigger, d.subs[0])
		d.bus.Unsubscribe(events.KindInstructionReceived, d.subs[1])
		d.log.Diagf("decision stage stopped")
	}()

	for {
		// Events already delivered by the bus are handled before any
		// queued detection, so an instruction published ahead of a
		// detection re-arms the gate first.
		select {
		case e := <-d.inbox:
			d.handleEvent(e)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case det := <-d.in.Chan():
			d.in.MarkTaken()
			d.handleDetection(det)
		case e := <-d.inbox:
			d.handleEvent(e)
		}
	}
}

func (d *DecisionStage) handleEvent(e events.Event) {
	switch e := e.(type) {
	case events.ManualTrigger:
		d.handleManualTrigger(e)
	case events.InstructionReceived:
		d.handleInstruction(e)
	default:
		d.log.Diagf("unexpected event %s in decision inbox", e.Kind())
	}
}

func (d *DecisionStage) qualifies(model string) bool {
	return strings.Contains(strings.ToLower(model), strings.ToLower(d.cfg.IncidentPattern))
}

func (d *DecisionStage) handleDetection(det vision.Detection) {
	d.lastDetectionFrame = det.Frame

	if !d.qualifies(det.ModelName) {
		d.log.Tracef("detection from %q: %d object(s), max confidence %.2f", det.ModelName, len(det.Objects), det.MaxConfidence)
		return
	}
	if d.State() == AwaitingConfirmation {
		d.ignored.Add(1)
		d.log.Diagf("detection from %q ignored, awaiting confirmation", det.ModelName)
		return
	}

	d.log.Opsf("incident detected by %q: %d object(s), max confidence %.2f", det.ModelName, len(det.Objects), det.MaxConfidence)
	d.setState(AwaitingConfirmation)
	d.raise(events.IncidentDetected{
		Lane:       d.lanes.Lane(&det),
		MediaPaths: d.snapshot(det.Frame, snapshotPrefixAI),
		AIDetected: true,
		ModelName:  det.ModelName,
	})
}

func (d *DecisionStage) handleManualTrigger(e events.ManualTrigger) {
	if d.State() == AwaitingConfirmation {
		d.ignored.Add(1)
		d.log.Opsf("manual trigger from %q ignored, already awaiting confirmation", e.Origin)
		return
	}

	d.log.Opsf("manual incident report triggered (%s)", e.Origin)
	d.setState(AwaitingConfirmation)

	img := d.lastDetectionFrame
	if d.latest != nil {
		if f, ok := d.latest.Get(); ok {
			img = f.Image
		}
	}
	d.raise(events.IncidentDetected{
		Lane:       d.lanes.Lane(nil),
		MediaPaths: d.snapshot(img, snapshotPrefixManual),
	})
}

func (d *DecisionStage) raise(e events.IncidentDetected) {
	e.Meta = events.Meta{At: time.Now()}
	e.ID = uuid.NewString()
	d.incidents.Add(1)
	d.bus.Publish(e)
}

// snapshot persists img and returns the media list for an incident, or nil
// when there is nothing to attach.
func (d *DecisionStage) snapshot(img vision.Image, prefix string) []string {
	if d.snapshots == nil || img.Empty() {
		return nil
	}
	path, err := d.snapshots.Save(img, prefix)
	if err != nil {
		d.log.Opsf("save snapshot: %v", err)
		return nil
	}
	d.log.Diagf("snapshot saved: %s", path)
	return []string{path}
}

func (d *DecisionStage) handleInstruction(e events.InstructionReceived) {
	d.instructions.Add(1)
	d.log.Diagf("instruction received: %v", map[string]any(e.Payload))

	// Any instruction resolves the pending incident.
	d.setState(Idle)

	for _, u := range DisplayUpdates(e.Payload) {
		d.bus.Publish(u)
	}
}

// DisplayUpdates derives the display commands for an instruction, in
// publication order: reset or accident alert, then speed limit if present,
// then one status per lane.
func DisplayUpdates(in events.Instruction) []events.DisplayUpdate {
	meta := events.Now()
	var out []events.DisplayUpdate
	if in.IsAccident() {
		out = append(out, events.DisplayUpdate{Meta: meta, Action: events.ActionAccidentAlert, AlertActive: true})
	} else {
		out = append(out, events.DisplayUpdate{Meta: meta, Action: events.ActionReset})
	}
	if limit, ok := in.SpeedLimit(); ok {
		out = append(out, events.DisplayUpdate{Meta: meta, Action: events.ActionSpeedLimit, SpeedLimit: limit})
	}
	for i, status := range in.LaneStates() {
		out = append(out, events.DisplayUpdate{Meta: meta, Action: events.ActionLaneStatus, LaneIndex: i, Status: status})
	}
	return out
}
