package events

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Instruction is the structured payload of a server push. The set of keys is
// open; the node consumes isAccident, speedLimit and laneStates.
type Instruction map[string]any

// LaneDefaultStatus is used for lane entries that carry no status.
const LaneDefaultStatus = "up"

// ParseInstruction decodes a JSON object into an Instruction.
func ParseInstruction(data []byte) (Instruction, error) {
	var in Instruction
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if in == nil {
		in = Instruction{}
	}
	return in, nil
}

// IsAccident reports whether the instruction marks an active incident.
// Missing or unrecognised values read as false.
func (in Instruction) IsAccident() bool {
	switch v := in["isAccident"].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	}
	return false
}

// SpeedLimit returns the speed limit when one is present. JSON numbers and
// numeric strings are accepted.
func (in Instruction) SpeedLimit() (int, bool) {
	switch v := in["speedLimit"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// LaneStates returns the per-lane statuses in order. An entry may be a plain
// status string or an object with a "status" field.
func (in Instruction) LaneStates() []string {
	var out []string
	switch v := in["laneStates"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, laneStatus(item))
		}
	}
	return out
}

func laneStatus(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["status"].(string); ok && s != "" {
			return s
		}
	}
	return LaneDefaultStatus
}
