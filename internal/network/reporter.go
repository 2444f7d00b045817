// Package network connects the node to its coordinating server: incident
// reports, the liveness heartbeat and inbound instructions.
package network

import (
	"context"
	"errors"

	"github.com/banshee-data/safespace/internal/events"
)

// ErrNotConnected is returned for operations that need the push channel
// while it is down.
var ErrNotConnected = errors.New("not connected to server")

// ReportPayload is the form data of an incident report.
type ReportPayload struct {
	NodeID     string
	Lat        string
	Long       string
	LaneNumber string
}

// Fields returns the payload as multipart form fields, in wire order.
func (p ReportPayload) Fields() [][2]string {
	return [][2]string{
		{"nodeId", p.NodeID},
		{"lat", p.Lat},
		{"long", p.Long},
		{"laneNumber", p.LaneNumber},
	}
}

// Reporter talks to the coordinating server. Every method must honour ctx
// and never block past its deadline.
type Reporter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Report(ctx context.Context, payload ReportPayload, mediaPaths []string) error
	EmitHeartbeat(ctx context.Context, nodeID string) error
}

// InstructionSource is implemented by reporters that receive server pushes.
// Callbacks may run on any goroutine and must not block.
type InstructionSource interface {
	OnInstruction(func(events.Instruction))
	OnConnection(func(connected bool, reason string))
}
