package native

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyShutdown is returned when Shutdown is called more than once.
var ErrAlreadyShutdown = errors.New("engine already shut down")

// SimulatedEngine is an in-process stand-in for a native engine. Each Step
// waits for a wake signal or, when a step interval is set, for the interval
// to elapse, which mimics an engine that produces work on its own clock.
type SimulatedEngine struct {
	stepInterval time.Duration
	wakeCh       chan struct{}

	// Hooks let tests block or fail individual primitives.
	OnStart func() error
	OnStep  func() error

	starts    atomic.Int32
	steps     atomic.Int64
	wakes     atomic.Int64
	shutdowns atomic.Int32

	mu     sync.Mutex
	closed bool
}

// NewSimulatedEngine creates a simulated engine. A zero stepInterval makes
// Step block until woken.
func NewSimulatedEngine(stepInterval time.Duration) *SimulatedEngine {
	return &SimulatedEngine{
		stepInterval: stepInterval,
		wakeCh:       make(chan struct{}, 1),
	}
}

// Start implements Engine.
func (e *SimulatedEngine) Start() error {
	e.starts.Add(1)
	if e.OnStart != nil {
		return e.OnStart()
	}
	return nil
}

// Step implements Engine.
func (e *SimulatedEngine) Step() error {
	e.steps.Add(1)
	if e.OnStep != nil {
		if err := e.OnStep(); err != nil {
			return err
		}
	}

	if e.stepInterval <= 0 {
		<-e.wakeCh
		return nil
	}

	timer := time.NewTimer(e.stepInterval)
	defer timer.Stop()
	select {
	case <-e.wakeCh:
	case <-timer.C:
	}
	return nil
}

// Wake implements Engine. Pending wakes coalesce into one.
func (e *SimulatedEngine) Wake() {
	e.wakes.Add(1)
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Shutdown implements Engine.
func (e *SimulatedEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrAlreadyShutdown
	}
	e.closed = true
	e.shutdowns.Add(1)
	return nil
}

// Starts returns how many times Start was called.
func (e *SimulatedEngine) Starts() int { return int(e.starts.Load()) }

// Steps returns how many times Step was entered.
func (e *SimulatedEngine) Steps() int64 { return e.steps.Load() }

// Wakes returns how many times Wake was called.
func (e *SimulatedEngine) Wakes() int64 { return e.wakes.Load() }

// Shutdowns returns how many times Shutdown succeeded.
func (e *SimulatedEngine) Shutdowns() int { return int(e.shutdowns.Load()) }
