// Package bridge is the only door to the engine for the rest of the
// process. It applies the admission policy on top of the dispatcher:
//
//   - queries need a Ready engine and fail fast otherwise;
//   - commands may be queued before Ready and run once the engine is up,
//     but a command still queued when the engine starts stopping is
//     discarded instead of reaching a shutting-down engine.
package bridge

import (
	"context"
	"fmt"

	"github.com/enginehost/enginehost/internal/engine"
	ecxt "github.com/enginehost/enginehost/pkg/context"
	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/logger"
)

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the handle logger.
func WithLogger(log logger.Logger) Option {
	return func(h *Handle) { h.logger = log.WithComponent("bridge") }
}

// Handle routes engine requests through the dispatcher.
type Handle struct {
	dispatcher *engine.Dispatcher
	registry   *lifecycle.Registry
	logger     logger.Logger
}

// New creates a handle over d, admitting requests according to r.
func New(d *engine.Dispatcher, r *lifecycle.Registry, opts ...Option) *Handle {
	h := &Handle{
		dispatcher: d,
		registry:   r,
		logger:     logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the engine lifecycle state.
func (h *Handle) State() lifecycle.State {
	return h.registry.State()
}

// Pending returns the number of jobs waiting for the engine thread.
func (h *Handle) Pending() int {
	return h.dispatcher.Pending()
}

// WaitReady blocks until the engine is Ready or ctx ends.
func (h *Handle) WaitReady(ctx context.Context) error {
	return h.registry.AwaitState(ctx, lifecycle.StateReady)
}

// Query runs a read-only request on the engine thread and waits for its
// result. It fails immediately with ErrEngineNotReady unless the engine is
// Ready.
func Query[T any](ctx context.Context, h *Handle, name string, fn func() (T, error)) (T, error) {
	if state := h.registry.State(); state != lifecycle.StateReady {
		var zero T
		logger.WithContext(ctx, h.logger).Debug("Query rejected",
			logger.WithField("query", name),
			logger.WithField("state", state.String()))
		return zero, fmt.Errorf("%w: query %q in state %s", ErrEngineNotReady, name, state)
	}
	p := engine.DispatchContext(ctx, h.dispatcher, name, func(context.Context) (T, error) {
		return fn()
	})
	value, err := p.Await(ctx)
	if err != nil {
		logger.WithContext(ecxt.WithJobID(ctx, p.Job().ID), h.logger).Debug("Query failed",
			logger.WithField("query", name),
			logger.WithError(err))
	}
	return value, err
}

// Command queues a state-mutating request. It is accepted while the engine
// is Stopped, Starting or Ready and bound to the current run: if the engine
// starts stopping before the command runs, the command is skipped and its
// handle resolves with engine.ErrJobDiscarded. Commands issued while the
// engine is stopping are rejected with ErrEngineNotReady.
//
// ctx only carries request values for logging; use Await on the returned
// handle to wait for the outcome.
func (h *Handle) Command(ctx context.Context, name string, fn func() error) *engine.Pending[struct{}] {
	state, scope := h.registry.Current()
	if state == lifecycle.StateStopping {
		logger.WithContext(ctx, h.logger).Debug("Command rejected",
			logger.WithField("command", name),
			logger.WithField("state", state.String()))
		return engine.Resolved[struct{}](name, struct{}{},
			fmt.Errorf("%w: command %q while stopping", ErrEngineNotReady, name))
	}

	p := engine.DispatchContext(ctx, h.dispatcher, name, func(jobCtx context.Context) (struct{}, error) {
		if scope.Err() != nil {
			logger.WithContext(jobCtx, h.logger).Debug("Command discarded, engine run ended",
				logger.WithField("command", name))
			return struct{}{}, engine.ErrJobDiscarded
		}
		return struct{}{}, fn()
	})
	logger.WithContext(ecxt.WithJobID(ctx, p.Job().ID), h.logger).Debug("Command queued",
		logger.WithField("command", name),
		logger.WithField("state", state.String()))
	return p
}

// Dispatch queues fn without any admission check.
func Dispatch[T any](h *Handle, name string, fn func() (T, error)) *engine.Pending[T] {
	return engine.Dispatch(h.dispatcher, name, fn)
}
