package proto

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a registered agent. Transitions
// are driven only by the agent's own handle (self-report) or by the
// supervisor; no other component mutates agent state.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRegistered   State = "REGISTERED"
	StateRunning      State = "RUNNING"
	StateIdle         State = "IDLE"
	StateProcessing   State = "PROCESSING"
	StateUnresponsive State = "UNRESPONSIVE"
	StateStopped      State = "STOPPED"
)

// String returns the string representation of State.
func (s State) String() string {
	return string(s)
}

// IsActive reports whether an agent in this state is consuming messages.
// The supervisor's failsafe fires when no agent is in an active state.
func (s State) IsActive() bool {
	switch s {
	case StateRunning, StateIdle, StateProcessing:
		return true
	default:
		return false
	}
}

// validTransitions lists the allowed state machine edges. Unresponsive and
// Stopped are reachable from any non-terminal state via the supervisor.
var validTransitions = map[State][]State{
	StateInitializing: {StateRegistered, StateStopped},
	StateRegistered:   {StateRunning, StateUnresponsive, StateStopped},
	StateRunning:      {StateIdle, StateProcessing, StateUnresponsive, StateStopped},
	StateIdle:         {StateProcessing, StateRunning, StateUnresponsive, StateStopped},
	StateProcessing:   {StateIdle, StateRunning, StateUnresponsive, StateStopped},
	StateUnresponsive: {StateRunning, StateStopped},
	StateStopped:      {},
}

// ValidateTransition returns an error if moving from one state to another
// is not a legal state machine edge.
func ValidateTransition(from, to State) error {
	if from == to {
		return nil
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

// AgentStatus is the externally visible view of one agent's record.
type AgentStatus struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Active       bool      `json:"active"` // Participation toggle, see the activation scheduler
	LastActivity time.Time `json:"last_activity"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StateChangeNotification is emitted when an agent transitions between
// states, consumed by the supervisor.
type StateChangeNotification struct {
	AgentID   string    `json:"agent_id"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
}
