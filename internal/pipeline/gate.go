package pipeline

// GateState is the confirmation gate state owned by the DecisionStage.
type GateState int

const (
	// Idle accepts the next incident.
	Idle GateState = iota
	// AwaitingConfirmation holds one reported incident until the server
	// sends any instruction.
	AwaitingConfirmation
)

func (s GateState) String() string {
	if s == AwaitingConfirmation {
		return "awaiting_confirmation"
	}
	return "idle"
}
