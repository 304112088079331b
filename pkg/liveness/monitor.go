// Package liveness detects an engine loop that has stopped draining its
// queue and turns it into a fatal error.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/process"
)

const (
	// DefaultGracePeriod is the delay before the first probe, covering
	// engine startup.
	DefaultGracePeriod = 5 * time.Second

	// DefaultPeriod is how long a probe may wait before the engine is
	// declared unresponsive.
	DefaultPeriod = 2 * time.Second

	// JobName names the jobs the monitor submits.
	JobName = "liveness-probe"
)

// Submitter queues work for the engine thread.
type Submitter interface {
	Submit(name string, fn func()) *engine.Job
	Pending() int
}

// Recorder receives probe measurements.
type Recorder interface {
	ProbeSent()
	ProbeMissed()
}

type nopRecorder struct{}

func (nopRecorder) ProbeSent()   {}
func (nopRecorder) ProbeMissed() {}

// Option configures a Monitor.
type Option func(*Monitor)

// WithGracePeriod sets the delay before the first probe.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Monitor) { m.grace = d }
}

// WithPeriod sets the probe period.
func WithPeriod(d time.Duration) Option {
	return func(m *Monitor) { m.period = d }
}

// WithLogger sets the monitor logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Monitor) { m.logger = log.WithComponent("liveness") }
}

// WithFatalHandler replaces the default handler, which terminates the
// process.
func WithFatalHandler(fn func(error)) Option {
	return func(m *Monitor) { m.fatal = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// Monitor periodically queues a no-op probe and fails fast if the engine
// thread does not start it within one period. Probes go through the same
// FIFO queue as every other job, so a backlog longer than one period is
// reported as a hang too.
//
// A Monitor is installed at most once.
type Monitor struct {
	sub      Submitter
	grace    time.Duration
	period   time.Duration
	logger   logger.Logger
	fatal    func(error)
	recorder Recorder

	mu        sync.Mutex
	installed bool
	tornDown  bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a monitor probing through sub.
func New(sub Submitter, opts ...Option) *Monitor {
	m := &Monitor{
		sub:      sub,
		grace:    DefaultGracePeriod,
		period:   DefaultPeriod,
		logger:   logger.NewNopLogger(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fatal == nil {
		log := m.logger
		m.fatal = func(err error) { process.Crash(log, err) }
	}
	return m
}

// Install starts probing.
func (m *Monitor) Install() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.installed {
		return ErrAlreadyInstalled
	}
	m.installed = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	m.logger.Debug("Liveness monitor installed",
		logger.WithField("grace_ms", m.grace.Milliseconds()),
		logger.WithField("period_ms", m.period.Milliseconds()))

	go m.run(ctx, m.done)
	return nil
}

// Teardown stops probing and waits for the probe goroutine to exit. It
// must be called before the engine thread is stopped, or the last probe
// may be reported as missed.
func (m *Monitor) Teardown() error {
	m.mu.Lock()
	if !m.installed || m.tornDown {
		m.mu.Unlock()
		return ErrNotInstalled
	}
	m.tornDown = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Debug("Liveness monitor torn down")
	return nil
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !sleep(ctx, m.grace) {
		return
	}

	for {
		probe := m.sub.Submit(JobName, func() {})
		m.recorder.ProbeSent()

		if !sleep(ctx, m.period) {
			return
		}
		if probe.Started() {
			continue
		}

		m.recorder.ProbeMissed()
		err := &TimeoutError{ProbeID: probe.ID, Period: m.period, Pending: m.sub.Pending()}
		m.logger.Error("Engine loop unresponsive", logger.WithError(err))
		m.fatal(err)
		return
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
