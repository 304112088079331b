package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/enginehost/enginehost/pkg/logger"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Registry) { r.logger = log.WithComponent("lifecycle") }
}

type observerEntry struct {
	id      ObserverID
	fn      Observer
	scoped  bool
	removed atomic.Bool
}

// Registry owns the lifecycle state. Only the host's start and stop
// sequence posts events; everybody else observes.
//
// Each engine run has a scope, a context cancelled the moment the engine
// leaves Ready and replaced once it is Stopped. Waiters for Starting or
// Ready belong to the scope they were registered in and are dropped with
// it, so nothing waits forever for a Ready that will not come. Work
// registered while Stopped belongs to the next run.
type Registry struct {
	// postMu serializes PostEvent, notification included.
	postMu sync.Mutex

	mu          sync.RWMutex
	state       State
	observers   []*observerEntry
	nextID      ObserverID
	scope       context.Context
	cancelScope context.CancelFunc

	logger logger.Logger
}

// NewRegistry creates a registry in StateStopped with a live scope for the
// first run.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		state:  StateStopped,
		logger: logger.NewNopLogger(),
	}
	r.scope, r.cancelScope = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Scope returns the context of the current or next engine run. It is
// cancelled when the engine leaves Ready.
func (r *Registry) Scope() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scope
}

// Current returns the state and the scope as one consistent pair.
func (r *Registry) Current() (State, context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.scope
}

// PostEvent applies ev and notifies observers in registration order on the
// calling goroutine. Observers must not post events themselves.
func (r *Registry) PostEvent(ev Event) error {
	edge, ok := transitions[ev]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev)
	}

	r.postMu.Lock()
	defer r.postMu.Unlock()

	r.mu.Lock()
	if r.state != edge.from {
		current := r.state
		r.mu.Unlock()
		return &TransitionError{Event: ev, Current: current, Required: edge.from}
	}
	r.state = edge.to

	switch ev {
	case EventStop:
		r.cancelScope()
		r.dropScopedLocked()
	case EventStopped:
		r.scope, r.cancelScope = context.WithCancel(context.Background())
	}

	observers := make([]*observerEntry, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	t := Transition{Event: ev, From: edge.from, To: edge.to}
	r.logger.Debug("Lifecycle transition",
		logger.WithField("event", ev.String()),
		logger.WithField("from", edge.from.String()),
		logger.WithField("to", edge.to.String()),
		logger.WithField("observers", len(observers)))

	for _, o := range observers {
		if o.removed.Load() {
			continue
		}
		r.notify(o, t)
	}
	return nil
}

func (r *Registry) notify(o *observerEntry, t Transition) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Lifecycle observer panic recovered",
				logger.WithField("observer", o.id),
				logger.WithField("transition", t.String()),
				logger.WithField("panic", rec))
		}
	}()
	o.fn(t)
}

func (r *Registry) dropScopedLocked() {
	kept := r.observers[:0]
	dropped := 0
	for _, o := range r.observers {
		if o.scoped {
			o.removed.Store(true)
			dropped++
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(r.observers); i++ {
		r.observers[i] = nil
	}
	r.observers = kept

	if dropped > 0 {
		r.logger.Debug("Dropped waiters of cancelled scope", logger.WithField("count", dropped))
	}
}

// Register adds an observer notified of every subsequent transition.
func (r *Registry) Register(fn Observer) ObserverID {
	return r.register(fn, false).id
}

func (r *Registry) register(fn Observer, scoped bool) *observerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(fn, scoped)
}

func (r *Registry) registerLocked(fn Observer, scoped bool) *observerEntry {
	r.nextID++
	entry := &observerEntry{id: r.nextID, fn: fn, scoped: scoped}
	r.observers = append(r.observers, entry)
	return entry
}

// Unregister removes an observer. It reports whether the observer was
// registered.
func (r *Registry) Unregister(id ObserverID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, o := range r.observers {
		if o.id == id {
			o.removed.Store(true)
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return true
		}
	}
	return false
}

// WhenAtState runs fn once the registry is at target. If it already is, fn
// runs synchronously before WhenAtState returns. Otherwise fn runs exactly
// once, on its own goroutine started after the transition into target, so
// fn may block on work that the posting goroutine has yet to do.
//
// For Starting and Ready, fn receives the run scope and the waiter is
// dropped without running if the scope is cancelled first. Waiters for
// Stopping and Stopped receive context.Background().
//
// The returned function cancels a waiter that has not run yet.
func (r *Registry) WhenAtState(target State, fn func(ctx context.Context)) (cancel func()) {
	scoped := target == StateStarting || target == StateReady

	r.mu.Lock()
	if r.state == target {
		ctx := context.Background()
		if scoped {
			ctx = r.scope
		}
		r.mu.Unlock()
		fn(ctx)
		return func() {}
	}

	if scoped && r.scope.Err() != nil {
		r.mu.Unlock()
		r.logger.Debug("Waiter dropped, engine run already ended",
			logger.WithField("target", target.String()))
		return func() {}
	}

	var once sync.Once
	var entry *observerEntry
	entry = r.registerLocked(func(t Transition) {
		if t.To != target {
			return
		}
		r.Unregister(entry.id)
		once.Do(func() {
			ctx := context.Background()
			if scoped {
				ctx = r.Scope()
			}
			go r.runWaiter(ctx, target, fn)
		})
	}, scoped)
	r.mu.Unlock()

	return func() { r.Unregister(entry.id) }
}

func (r *Registry) runWaiter(ctx context.Context, target State, fn func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Lifecycle waiter panic recovered",
				logger.WithField("target", target.String()),
				logger.WithField("panic", rec))
		}
	}()
	fn(ctx)
}

// WhenReady runs fn once the engine is Ready.
func (r *Registry) WhenReady(fn func(ctx context.Context)) (cancel func()) {
	return r.WhenAtState(StateReady, fn)
}

// WhenStopped runs fn once the engine is Stopped.
func (r *Registry) WhenStopped(fn func(ctx context.Context)) (cancel func()) {
	return r.WhenAtState(StateStopped, fn)
}

// AwaitState blocks until the registry reaches target, ctx is done, or,
// for Starting and Ready, the engine run ends first.
func (r *Registry) AwaitState(ctx context.Context, target State) error {
	reached := make(chan struct{})
	scope := r.Scope()

	cancel := r.WhenAtState(target, func(context.Context) { close(reached) })
	defer cancel()

	var scopeDone <-chan struct{}
	if target == StateStarting || target == StateReady {
		scopeDone = scope.Done()
	}

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-scopeDone:
		select {
		case <-reached:
			return nil
		default:
			return fmt.Errorf("%w: waiting for %s", ErrScopeCancelled, target)
		}
	}
}
