package daemon

import "errors"

var (
	// ErrHostNotRunning indicates the host has no engine running.
	ErrHostNotRunning = errors.New("engine host is not running")

	// ErrHostAlreadyRunning indicates the engine is already running, in this
	// process or in another one owning the PID file.
	ErrHostAlreadyRunning = errors.New("engine host is already running")

	// ErrHostFailed indicates an earlier run failed before the engine became
	// ready. The lifecycle cannot leave Starting, so the host is unusable.
	ErrHostFailed = errors.New("engine host failed to start")

	// ErrNotBound is returned by Unbind without a matching Bind.
	ErrNotBound = errors.New("engine host is not bound")
)
