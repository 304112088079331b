package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	ecxt "github.com/enginehost/enginehost/pkg/context"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/native"
)

// DefaultOverdueThreshold is how long a job may wait in the queue before a
// warning is logged.
const DefaultOverdueThreshold = 2 * time.Second

// Phases of the engine thread, used by bypass to decide whether a wake is
// needed.
const (
	phaseIdle int32 = iota
	phaseInStep
)

// Recorder receives dispatcher measurements.
type Recorder interface {
	JobSubmitted(name string)
	JobStarted(name string, wait time.Duration)
	JobOverdue(name string)
	JobsDiscarded(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted(string)              {}
func (nopRecorder) JobStarted(string, time.Duration) {}
func (nopRecorder) JobOverdue(string)                {}
func (nopRecorder) JobsDiscarded(int)                {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = log.WithComponent("dispatcher") }
}

// WithOverdueThreshold sets the queue wait after which a job is reported
// as overdue.
func WithOverdueThreshold(threshold time.Duration) Option {
	return func(d *Dispatcher) { d.overdue.Store(int64(threshold)) }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithOnReady sets a callback run on the engine thread after the native
// engine started and before the first job is drained.
func WithOnReady(fn func()) Option {
	return func(d *Dispatcher) { d.onReady = fn }
}

// WithOnExit sets a callback run after the engine thread has shut the
// native engine down. err is non-nil when the loop ended because a native
// call failed.
func WithOnExit(fn func(err error)) Option {
	return func(d *Dispatcher) { d.onExit = fn }
}

// Dispatcher owns the engine thread. All native calls happen on that
// thread; every other goroutine talks to the engine by queueing jobs.
type Dispatcher struct {
	engine   native.Engine
	logger   logger.Logger
	recorder Recorder
	onReady  func()
	onExit   func(error)
	overdue  atomic.Int64

	queue   *jobQueue
	running atomic.Bool
	phase   atomic.Int32

	startMu sync.Mutex
	started bool

	done    chan struct{}
	exitErr error
}

// NewDispatcher creates a dispatcher for eng. The engine thread is not
// started until Start is called.
func NewDispatcher(eng native.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:   eng,
		logger:   logger.NewNopLogger(),
		recorder: nopRecorder{},
		queue:    newJobQueue(),
		done:     make(chan struct{}),
	}
	d.overdue.Store(int64(DefaultOverdueThreshold))

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start spawns the engine thread. Calling Start while running is a no-op;
// a dispatcher cannot be restarted once stopped.
func (d *Dispatcher) Start() error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.started {
		if d.running.Load() {
			return nil
		}
		return ErrDispatcherClosed
	}

	d.started = true
	d.running.Store(true)
	go d.loop()
	return nil
}

// Stop ends the engine loop and blocks until the native engine has shut
// down. Only the first caller waits; later or concurrent callers return
// nil immediately. The returned jobs were queued but never executed and
// must be discarded by the caller.
//
// Stopping a dispatcher that was never started closes it without touching
// the native engine: queued jobs are returned, Done is closed and a later
// Start fails with ErrDispatcherClosed.
func (d *Dispatcher) Stop() []*Job {
	d.startMu.Lock()
	if !d.started {
		d.started = true
		close(d.done)
		d.startMu.Unlock()
		d.logger.Debug("Dispatcher stopped before start")
		return d.closeQueue()
	}
	d.startMu.Unlock()

	if !d.running.CompareAndSwap(true, false) {
		return nil
	}

	d.logger.Debug("Stopping engine thread")
	d.bypass()
	<-d.done

	return d.closeQueue()
}

func (d *Dispatcher) closeQueue() []*Job {
	leftovers := d.queue.close()
	if len(leftovers) > 0 {
		d.logger.Debug("Jobs left unexecuted at shutdown",
			logger.WithField("count", len(leftovers)))
		d.recorder.JobsDiscarded(len(leftovers))
	}
	return leftovers
}

// Submit queues fn for the engine thread without a completion handle.
func (d *Dispatcher) Submit(name string, fn func()) *Job {
	job := newJob(name, fn, nil)
	d.enqueue(job)
	return job
}

// Dispatch queues fn for the engine thread and returns a handle resolved
// with its result.
func Dispatch[T any](d *Dispatcher, name string, fn func() (T, error)) *Pending[T] {
	p := newPending[T]()
	p.job = newJob(name,
		func() {
			value, err := fn()
			p.resolve(value, err)
		},
		func(err error) {
			var zero T
			p.resolve(zero, err)
		},
	)
	d.enqueue(p.job)
	return p
}

// DispatchContext is Dispatch for actions that need request values: fn
// receives ctx stamped with the job's ID.
func DispatchContext[T any](ctx context.Context, d *Dispatcher, name string, fn func(ctx context.Context) (T, error)) *Pending[T] {
	var jobCtx context.Context
	p := newPending[T]()
	p.job = newJob(name,
		func() {
			value, err := fn(jobCtx)
			p.resolve(value, err)
		},
		func(err error) {
			var zero T
			p.resolve(zero, err)
		},
	)
	jobCtx = ecxt.WithJobID(ctx, p.job.ID)
	d.enqueue(p.job)
	return p
}

// Running reports whether the engine loop should keep iterating.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return d.queue.len()
}

// Done is closed once the native engine has been shut down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns why the loop ended. It is only meaningful after Done is
// closed.
func (d *Dispatcher) Err() error {
	select {
	case <-d.done:
		return d.exitErr
	default:
		return nil
	}
}

// OverdueThreshold returns the current overdue threshold.
func (d *Dispatcher) OverdueThreshold() time.Duration {
	return time.Duration(d.overdue.Load())
}

// SetOverdueThreshold changes the overdue threshold at runtime.
func (d *Dispatcher) SetOverdueThreshold(threshold time.Duration) {
	d.overdue.Store(int64(threshold))
}

func (d *Dispatcher) enqueue(job *Job) {
	if !d.queue.push(job) {
		job.Discard()
		d.recorder.JobsDiscarded(1)
		return
	}
	d.recorder.JobSubmitted(job.Name)
	d.bypass()
}

// bypass wakes the native engine if the engine thread is blocked in Step.
// Otherwise the engine thread is about to drain the queue anyway.
func (d *Dispatcher) bypass() {
	if d.phase.Load() == phaseInStep {
		d.engine.Wake()
	}
}

func (d *Dispatcher) loop() {
	// The goroutine keeps its OS thread until it exits, so the thread is
	// torn down with it instead of returning to the scheduler.
	runtime.LockOSThread()

	d.logger.Debug("Engine thread started")
	err := d.run()

	if shutdownErr := d.engine.Shutdown(); shutdownErr != nil {
		err = errors.Join(err, fmt.Errorf("native shutdown: %w", shutdownErr))
	}
	if err != nil {
		d.logger.Error("Engine loop ended with error", logger.WithError(err))
	} else {
		d.logger.Debug("Engine thread finished")
	}

	d.exitErr = err
	close(d.done)

	if d.onExit != nil {
		d.onExit(err)
	}
}

func (d *Dispatcher) run() error {
	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("native start: %w", err)
	}

	if d.running.Load() && d.onReady != nil {
		d.onReady()
	}

	for d.running.Load() {
		d.drain()
		if !d.running.Load() {
			break
		}
		if err := d.step(); err != nil {
			return err
		}
	}
	return nil
}

// step runs one blocking native step unless work or a stop request is
// already pending. The phase is published before those checks so that a
// concurrent producer either sees InStep and wakes the engine, or its job
// is seen here.
func (d *Dispatcher) step() error {
	d.phase.Store(phaseInStep)
	if !d.running.Load() || d.queue.len() > 0 {
		d.phase.Store(phaseIdle)
		return nil
	}

	err := d.engine.Step()
	d.phase.Store(phaseIdle)
	if err != nil {
		return fmt.Errorf("native step: %w", err)
	}
	return nil
}

// drain executes queued jobs until the queue is empty or the dispatcher is
// stopped.
func (d *Dispatcher) drain() {
	for d.running.Load() {
		job, ok := d.queue.pop()
		if !ok {
			return
		}
		d.execute(job)
	}
}

func (d *Dispatcher) execute(job *Job) {
	wait := job.Age()
	d.recorder.JobStarted(job.Name, wait)

	if threshold := d.OverdueThreshold(); threshold > 0 && wait > threshold {
		d.recorder.JobOverdue(job.Name)
		d.logger.Warn("Job overdue",
			logger.WithField("job", job.Name),
			logger.WithField("job_id", job.ID),
			logger.WithField("wait_ms", wait.Milliseconds()),
			logger.WithField("threshold_ms", threshold.Milliseconds()))
	}

	if err := job.execute(); err != nil {
		d.logger.Error("Job panicked on engine thread",
			logger.WithField("job", job.Name),
			logger.WithField("job_id", job.ID),
			logger.WithError(err))
	}
}
