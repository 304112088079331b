// Package native defines the contract the host expects from a native engine
// and ships a simulated engine for local runs and tests.
package native

//go:generate mockgen -destination=../mocks/mock_engine.go -package=mocks github.com/enginehost/enginehost/pkg/native Engine

// Engine is a stateful, single-threaded native engine. Every method except
// Wake must be called from the same goroutine, and that goroutine must stay
// locked to its OS thread.
type Engine interface {
	// Start initializes the engine and primes the blocking loop.
	Start() error

	// Step blocks until one unit of native work has been processed or
	// until Wake is called.
	Step() error

	// Wake makes an in-progress Step return promptly. It is safe to call
	// from any goroutine and never blocks. A Wake that arrives before Step
	// begins is latched and makes the next Step return immediately.
	Wake()

	// Shutdown releases all native resources. It is called exactly once,
	// after the loop has exited.
	Shutdown() error
}
