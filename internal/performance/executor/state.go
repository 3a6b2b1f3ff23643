package executor

import (
	"encoding/json"
	"fmt"
)

// StateKind is the coarse state of a run.
type StateKind int

const (
	StateNotStarted StateKind = iota
	StateRamping
	StateDraining
	StateCompleted
)

func (k StateKind) String() string {
	switch k {
	case StateNotStarted:
		return "not-started"
	case StateRamping:
		return "ramping"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// RunState is NotStarted, Ramping(stage), Draining or Completed.
type RunState struct {
	Kind  StateKind
	Stage int // meaningful only while ramping
}

func (s RunState) String() string {
	if s.Kind == StateRamping {
		return fmt.Sprintf("ramping(%d)", s.Stage)
	}
	return s.Kind.String()
}

// MarshalJSON renders the state as its string form.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// next reports whether moving from s to to is allowed. Stages only move
// forward, and Draining is reachable from every non-terminal state.
func (s RunState) next(to RunState) bool {
	switch s.Kind {
	case StateNotStarted:
		return to.Kind == StateRamping || to.Kind == StateDraining
	case StateRamping:
		return (to.Kind == StateRamping && to.Stage > s.Stage) || to.Kind == StateDraining
	case StateDraining:
		return to.Kind == StateCompleted
	default:
		return false
	}
}
