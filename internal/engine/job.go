package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work queued for the engine thread.
type Job struct {
	ID        string
	Name      string
	Seq       uint64 // assigned when the job enters the queue
	CreatedAt time.Time

	action func()
	reject func(error)

	started atomic.Bool
}

func newJob(name string, action func(), reject func(error)) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
		action:    action,
		reject:    reject,
	}
}

// Age returns how long the job has existed.
func (j *Job) Age() time.Duration {
	return time.Since(j.CreatedAt)
}

// Started reports whether the engine thread has begun executing the job.
func (j *Job) Started() bool {
	return j.started.Load()
}

// Discard resolves the job's completion handle with ErrJobDiscarded. Jobs
// returned by Dispatcher.Stop must be discarded by the caller.
func (j *Job) Discard() {
	j.fail(ErrJobDiscarded)
}

func (j *Job) fail(err error) {
	if j.reject != nil {
		j.reject(err)
	}
}

// execute runs the action on the calling goroutine. A panic is recovered
// and delivered to the completion handle.
func (j *Job) execute() (err error) {
	j.started.Store(true)
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Job: j.Name, Value: r, Stack: debug.Stack()}
			j.fail(perr)
			err = perr
		}
	}()
	j.action()
	return nil
}

// Pending is the caller-side completion handle of a dispatched job. It is
// resolved exactly once: with the action's result, or with ErrJobDiscarded
// if the engine stopped before the job ran.
type Pending[T any] struct {
	job   *Job
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newPending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

func (p *Pending[T]) resolve(value T, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}

// Resolved returns a handle that is already resolved and whose job is
// never queued.
func Resolved[T any](name string, value T, err error) *Pending[T] {
	p := newPending[T]()
	p.job = newJob(name, func() {}, nil)
	p.resolve(value, err)
	return p
}

// Job returns the queued job backing this handle.
func (p *Pending[T]) Job() *Job {
	return p.job
}

// Done is closed once the handle is resolved.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the resolved value without blocking. ok is false while the
// handle is unresolved.
func (p *Pending[T]) Result() (value T, err error, ok bool) {
	select {
	case <-p.done:
		return p.value, p.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Await waits for the job's result. Cancelling ctx only stops the wait:
// the job stays queued and its side effects may still happen.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
