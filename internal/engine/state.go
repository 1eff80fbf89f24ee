package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/containerd/log"
)

// State is the lifecycle state of the supervised engine.
type State int32

const (
	// NotStarted is the initial state.
	NotStarted State = iota
	// Starting covers port negotiation, self-test, spawn and readiness.
	Starting
	// Running means the engine reported readiness.
	Running
	// Stopping means a planned shutdown is in progress.
	Stopping
	// Stopped is reached after a planned shutdown or a failed start.
	Stopped
	// Crashed is an unplanned exit from Running.
	Crashed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateMachine holds the lifecycle state and enforces valid transitions.
type StateMachine struct {
	state atomic.Int32
}

// NewStateMachine creates a state machine in NotStarted.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return State(sm.state.Load())
}

// Transition moves from one state to another. It fails if the transition is
// not allowed or the current state is not from.
//
// Valid transitions:
//   - NotStarted, Stopped, Crashed -> Starting
//   - Starting -> Running (ready)
//   - Starting -> Stopped (start failed)
//   - Running -> Stopping (planned stop)
//   - Running -> Crashed (unplanned exit)
//   - Stopping -> Stopped
//   - Crashed -> Stopped (retry budget exhausted)
func (sm *StateMachine) Transition(from, to State) error {
	if !validTransition(from, to) || !sm.state.CompareAndSwap(int32(from), int32(to)) {
		return &StateTransitionError{From: from, To: to, Current: sm.State()}
	}
	log.L.WithField("from", from.String()).WithField("to", to.String()).Debug("engine: state transition")
	return nil
}

// ForceTransition moves to a state regardless of the current one and
// returns the previous state.
func (sm *StateMachine) ForceTransition(to State) State {
	old := State(sm.state.Swap(int32(to)))
	if old != to {
		log.L.WithField("from", old.String()).WithField("to", to.String()).Debug("engine: forced state transition")
	}
	return old
}

// BeginStart moves any startable state to Starting.
func (sm *StateMachine) BeginStart() error {
	for _, from := range []State{NotStarted, Stopped, Crashed} {
		if sm.state.CompareAndSwap(int32(from), int32(Starting)) {
			log.L.WithField("from", from.String()).Debug("engine: state transition to starting")
			return nil
		}
	}
	return &StateTransitionError{From: sm.State(), To: Starting, Current: sm.State()}
}

// IsRunning returns true if the engine is ready.
func (sm *StateMachine) IsRunning() bool {
	return sm.State() == Running
}

func validTransition(from, to State) bool {
	switch from {
	case NotStarted:
		return to == Starting
	case Starting:
		return to == Running || to == Stopped
	case Running:
		return to == Stopping || to == Crashed
	case Stopping:
		return to == Stopped
	case Stopped:
		return to == Starting
	case Crashed:
		return to == Starting || to == Stopped
	default:
		return false
	}
}
