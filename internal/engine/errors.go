package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatcher operations.
var (
	// ErrJobDiscarded resolves a job that was dropped before it ran
	ErrJobDiscarded = errors.New("job discarded before execution")

	// ErrDispatcherClosed indicates Start was called after Stop
	ErrDispatcherClosed = errors.New("dispatcher already stopped")
)

// PanicError is the outcome of a job whose action panicked on the engine
// thread.
type PanicError struct {
	Job   string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %q panicked: %v", e.Job, e.Value)
}
