package lifecycle

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition indicates an event was posted from a state that does
// not permit it.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// ErrUnknownEvent indicates an event value outside the defined set.
var ErrUnknownEvent = errors.New("unknown lifecycle event")

// ErrScopeCancelled is returned by AwaitState when the engine run a waiter
// belonged to ended before the awaited state was reached.
var ErrScopeCancelled = errors.New("lifecycle scope cancelled")

// TransitionError reports the rejected event and the state it was posted in.
type TransitionError struct {
	Event    Event
	Current  State
	Required State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal lifecycle transition: %s requires %s, current state is %s",
		e.Event, e.Required, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
