package telemetry

import (
	"encoding/json"
	"fmt"
)

// ConnState is the arbiter-level view of a transport's condition.
type ConnState int

// Transport connection states
const (
	// StateIdle means the transport is not running and not asked to run.
	StateIdle ConnState = iota
	// StateActivating means a start is in progress (scan powering up,
	// socket dialing).
	StateActivating
	// StateActive means the transport is delivering readings.
	StateActive
	// StateDegraded means the transport is down but recovering on its own
	// (radio power lost with a scan request latched, socket waiting out a
	// reconnect backoff).
	StateDegraded
	// StateFailed means the transport is down until an explicit restart
	// (unauthorized, unsupported, reconnect ceiling reached).
	StateFailed
)

// String returns the string representation of ConnState.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string name.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state from its string name.
func (s *ConnState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "idle":
		*s = StateIdle
	case "activating":
		*s = StateActivating
	case "active":
		*s = StateActive
	case "degraded":
		*s = StateDegraded
	case "failed":
		*s = StateFailed
	default:
		return fmt.Errorf("unknown connection state %q", name)
	}
	return nil
}

// TransportStatus is a point-in-time description of one transport.
type TransportStatus struct {
	Transport Source    `json:"transport"`
	State     ConnState `json:"state"`

	// Reason explains Degraded and Failed states ("power off",
	// "reconnect attempts exhausted"). Empty otherwise.
	Reason string `json:"reason,omitempty"`

	// ReconnectAttempts counts consecutive automatic reconnect attempts
	// for the socket transport. Always zero for broadcast: scanning is
	// resumed, not retried.
	ReconnectAttempts int `json:"reconnect_attempts,omitempty"`
}
