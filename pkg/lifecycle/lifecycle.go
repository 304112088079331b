// Package lifecycle models engine readiness as a strict four-state machine
// and scopes dependent work to one engine run.
//
//	Stopped → Starting   [EventStart]
//	Starting → Ready     [EventReady]
//	Ready → Stopping     [EventStop]
//	Stopping → Stopped   [EventStopped]
package lifecycle

import "fmt"

// State is the engine readiness state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event drives a transition.
type Event int32

const (
	EventStart Event = iota
	EventReady
	EventStop
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventReady:
		return "ready"
	case EventStop:
		return "stop"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("event(%d)", int32(e))
	}
}

// transitions maps each event to its required predecessor and its result.
var transitions = map[Event]struct{ from, to State }{
	EventStart:   {StateStopped, StateStarting},
	EventReady:   {StateStarting, StateReady},
	EventStop:    {StateReady, StateStopping},
	EventStopped: {StateStopping, StateStopped},
}

// Transition describes one state change delivered to observers.
type Transition struct {
	Event Event
	From  State
	To    State
}

func (t Transition) String() string {
	return fmt.Sprintf("%s: %s → %s", t.Event, t.From, t.To)
}

// Observer is notified synchronously of every transition.
type Observer func(Transition)

// ObserverID identifies a registered observer.
type ObserverID uint64
