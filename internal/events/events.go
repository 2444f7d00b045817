// Package events defines the control-plane messages carried by the event
// bus. The set is closed: every event type is declared here and reports its
// Kind so subscribers and the bus dispatch on a discriminant rather than on
// reflection.
package events

import (
	"time"
)

// Kind discriminates event types on the bus.
type Kind string

const (
	KindIncidentDetected    Kind = "incident_detected"
	KindManualTrigger       Kind = "manual_trigger"
	KindInstructionReceived Kind = "instruction_received"
	KindConnectionStatus    Kind = "connection_status"
	KindDisplayUpdate       Kind = "display_update"
	KindShutdownRequested   Kind = "shutdown_requested"
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{
	KindIncidentDetected,
	KindManualTrigger,
	KindInstructionReceived,
	KindConnectionStatus,
	KindDisplayUpdate,
	KindShutdownRequested,
}

// Event is implemented by every bus message. Events are values and are not
// modified after publication.
type Event interface {
	Kind() Kind
	Time() time.Time
}

// Meta carries the fields shared by every event.
type Meta struct {
	At time.Time
}

// Time returns the creation timestamp.
func (m Meta) Time() time.Time { return m.At }

// Now returns Meta stamped with the current time.
func Now() Meta { return Meta{At: time.Now()} }

// IncidentDetected is raised by the decision stage when an incident is
// escalated, either by a model or by an operator.
type IncidentDetected struct {
	Meta
	ID         string
	Lane       string
	MediaPaths []string
	AIDetected bool
	ModelName  string
}

func (IncidentDetected) Kind() Kind { return KindIncidentDetected }

// ManualTrigger asks the decision stage to raise an incident without a
// model detection.
type ManualTrigger struct {
	Meta
	Origin string
}

func (ManualTrigger) Kind() Kind { return KindManualTrigger }

// InstructionReceived carries a server push. Receipt of any instruction
// resolves a pending incident.
type InstructionReceived struct {
	Meta
	Payload Instruction
}

func (InstructionReceived) Kind() Kind { return KindInstructionReceived }

// ConnectionStatus reports a change in server connectivity.
type ConnectionStatus struct {
	Meta
	Connected bool
	Reason    string
}

func (ConnectionStatus) Kind() Kind { return KindConnectionStatus }

// DisplayAction selects which display operation a DisplayUpdate drives.
type DisplayAction string

const (
	ActionLaneStatus    DisplayAction = "lane_status"
	ActionSpeedLimit    DisplayAction = "speed_limit"
	ActionAccidentAlert DisplayAction = "accident_alert"
	ActionReset         DisplayAction = "reset"
)

// DisplayUpdate is a command for the status display. Only the fields that
// belong to Action are meaningful.
type DisplayUpdate struct {
	Meta
	Action      DisplayAction
	LaneIndex   int
	Status      string
	SpeedLimit  int
	AlertActive bool
}

func (DisplayUpdate) Kind() Kind { return KindDisplayUpdate }

// ShutdownRequested asks the node to stop all loops.
type ShutdownRequested struct {
	Meta
	Reason string
}

func (ShutdownRequested) Kind() Kind { return KindShutdownRequested }
