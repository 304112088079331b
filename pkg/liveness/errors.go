package liveness

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLivenessTimeout indicates the engine loop did not pick up a probe
	// within one probe period.
	ErrLivenessTimeout = errors.New("engine liveness timeout")

	// ErrAlreadyInstalled is returned by a second Install.
	ErrAlreadyInstalled = errors.New("liveness monitor already installed")

	// ErrNotInstalled is returned by Teardown without an active install.
	ErrNotInstalled = errors.New("liveness monitor not installed")
)

// TimeoutError describes the probe the engine failed to execute.
type TimeoutError struct {
	ProbeID string
	Period  time.Duration
	Pending int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine liveness timeout: probe %s not started within %s (%d jobs queued)",
		e.ProbeID, e.Period, e.Pending)
}

func (e *TimeoutError) Unwrap() error {
	return ErrLivenessTimeout
}
