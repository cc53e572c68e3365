package state

import (
	"time"

	"github.com/watzon/fixiplug/internal/hooks"
)

// Record is the current state of the coordinator.
type Record struct {
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// CurrentState is the result of getCurrentState.
type CurrentState struct {
	State     string         `json:"state"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	Age       int64          `json:"age"`
}

func (r CurrentState) ToEvent() hooks.Event {
	return hooks.Event{
		"state":     r.State,
		"data":      r.Data,
		"timestamp": r.Timestamp,
		"age":       r.Age,
	}
}

// SetStateRequest asks for a transition. Validation against the registered
// schema happens unless SkipValidation is set.
type SetStateRequest struct {
	State          string
	Data           map[string]any
	SkipValidation bool
}

// SetStateResult is the result of setState. Error is set on failure and the
// state is left untouched.
type SetStateResult struct {
	Success          bool
	State            string
	PreviousState    string
	Timestamp        int64
	Error            string
	ValidTransitions []string
	ValidStates      []string
	Guard            string
}

func (r SetStateResult) ToEvent() hooks.Event {
	if r.Error != "" {
		ev := hooks.Event{"error": r.Error}
		if r.ValidTransitions != nil {
			ev["validTransitions"] = r.ValidTransitions
		}
		if r.ValidStates != nil {
			ev["validStates"] = r.ValidStates
		}
		if r.Guard != "" {
			ev["guard"] = r.Guard
		}
		if r.PreviousState != "" {
			ev["currentState"] = r.PreviousState
		}
		return ev
	}

	return hooks.Event{
		"success":       true,
		"state":         r.State,
		"previousState": r.PreviousState,
		"timestamp":     r.Timestamp,
		"transition": map[string]any{
			"from": r.PreviousState,
			"to":   r.State,
		},
	}
}

// WaitRequest asks to block until State is reached. A zero Timeout uses the
// coordinator default.
type WaitRequest struct {
	State   string
	Timeout time.Duration
}

// WaitResult is the result of waitForState. It is returned for success,
// timeout and cancellation alike; Error distinguishes them.
type WaitResult struct {
	Success  bool
	State    string
	Data     map[string]any
	Waited   int64
	Error    string
	Timeout  int64
	TimedOut bool
}

func (r WaitResult) ToEvent() hooks.Event {
	if r.Error != "" {
		ev := hooks.Event{
			"error":  r.Error,
			"state":  r.State,
			"waited": r.Waited,
		}
		if r.TimedOut {
			ev["timeout"] = r.Timeout
		}
		return ev
	}

	return hooks.Event{
		"success": true,
		"state":   r.State,
		"data":    r.Data,
		"waited":  r.Waited,
	}
}

// HistoryEntry is a Transition with its age at query time.
type HistoryEntry struct {
	Transition
	Age int64 `json:"age"`
}

// HistoryResult is the result of getStateHistory.
type HistoryResult struct {
	History          []HistoryEntry
	CurrentState     string
	TotalTransitions int
}

func (r HistoryResult) ToEvent() hooks.Event {
	return hooks.Event{
		"history":          r.History,
		"currentState":     r.CurrentState,
		"totalTransitions": r.TotalTransitions,
		"count":            len(r.History),
	}
}

// SchemaResult is the result of registerStateSchema.
type SchemaResult struct {
	Success      bool
	Schema       *Schema
	CurrentState string
	Reset        bool
	Error        string
}

func (r SchemaResult) ToEvent() hooks.Event {
	if r.Error != "" {
		return hooks.Event{"error": r.Error}
	}

	return hooks.Event{
		"success":      true,
		"states":       r.Schema.States,
		"transitions":  r.Schema.Transitions,
		"initial":      r.Schema.Initial,
		"currentState": r.CurrentState,
		"reset":        r.Reset,
	}
}
