package node

import (
	"time"

	"github.com/banshee-data/safespace/internal/display"
	"github.com/banshee-data/safespace/internal/eventbus"
	"github.com/banshee-data/safespace/internal/failures"
	"github.com/banshee-data/safespace/internal/network"
	"github.com/banshee-data/safespace/internal/pipeline"
	"github.com/banshee-data/safespace/internal/queue"
	"github.com/banshee-data/safespace/internal/version"
)

// Status is the /debug/node view of a running node.
type Status struct {
	NodeID    string                   `json:"node_id"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Offline   bool                     `json:"offline"`
	NoAI      bool                     `json:"no_ai"`
	Gate      string                   `json:"gate"`
	Capture   pipeline.CaptureStats    `json:"capture"`
	Inference *pipeline.InferenceStats `json:"inference,omitempty"`
	Decision  pipeline.DecisionStats   `json:"decision"`
	Network   *network.Stats           `json:"network,omitempty"`
	Display   display.Board            `json:"display"`
	Updates   display.SubscriberStats  `json:"display_updates"`
	Queues    []queue.Stats            `json:"queues"`
	Bus       eventbus.Stats           `json:"bus"`
	Failures  map[failures.Kind]int    `json:"failures"`
}

// Status snapshots every component.
func (n *Node) Status() Status {
	s := Status{
		NodeID:   n.cfg.NodeID,
		Version:  version.String(),
		Uptime:   n.opts.Clock.Since(n.started).Truncate(time.Second).String(),
		Offline:  n.worker == nil,
		NoAI:     n.inference == nil,
		Gate:     n.decision.State().String(),
		Capture:  n.capture.Stats(),
		Decision: n.decision.Stats(),
		Display:  n.board.Board(),
		Updates:  n.subscriber.Stats(),
		Queues:   []queue.Stats{n.frames.Stats(), n.detections.Stats()},
		Bus:      n.bus.Stats(),
		Failures: n.tracker.Counts(),
	}
	if n.inference != nil {
		st := n.inference.Stats()
		s.Inference = &st
	}
	if n.worker != nil {
		st := n.worker.Stats()
		s.Network = &st
	}
	if n.viewer != nil {
		s.Queues = append(s.Queues, n.viewer.Stats())
	}
	return s
}
