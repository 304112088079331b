// Package metrics exposes Prometheus collectors for the dispatcher, the
// lifecycle registry and the liveness monitor.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/liveness"
)

const namespace = "enginehost"

// otherJobs labels every job whose name is not a registered kind.
const otherJobs = "other"

var allStates = []lifecycle.State{
	lifecycle.StateStopped,
	lifecycle.StateStarting,
	lifecycle.StateReady,
	lifecycle.StateStopping,
}

// Metrics owns a private registry so several hosts can live in one process
// (and in one test binary) without colliding on registration.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsExecuted  *prometheus.CounterVec
	jobsOverdue   *prometheus.CounterVec
	jobsDiscarded prometheus.Counter
	jobWait       prometheus.Histogram

	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec

	probesSent   prometheus.Counter
	probesMissed prometheus.Counter

	jobKinds map[string]struct{}

	mu         sync.RWMutex
	queueDepth func() int
}

// Option configures Metrics.
type Option func(*Metrics)

// WithJobKinds adds job names that get their own "job" label value. Job
// names are caller-chosen, so any name not registered here is counted
// under "other" to keep the label set bounded.
func WithJobKinds(names ...string) Option {
	return func(m *Metrics) {
		for _, name := range names {
			if name != "" {
				m.jobKinds[name] = struct{}{}
			}
		}
	}
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry. The liveness job is always a
// known kind.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobKinds: map[string]struct{}{liveness.JobName: {}},

		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Jobs queued for the engine thread.",
			},
			[]string{"job"},
		),
		jobsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_executed_total",
				Help:      "Jobs started on the engine thread.",
			},
			[]string{"job"},
		),
		jobsOverdue: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_overdue_total",
				Help:      "Jobs that waited longer than the overdue threshold.",
			},
			[]string{"job"},
		),
		jobsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_discarded_total",
			Help:      "Jobs dropped without running because the engine stopped.",
		}),
		jobWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time jobs spent queued before starting.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5},
		}),

		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lifecycle_state",
				Help:      "1 for the current engine lifecycle state, 0 otherwise.",
			},
			[]string{"state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_total",
				Help:      "Lifecycle transitions by event.",
			},
			[]string{"event"},
		),

		probesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_probes_total",
			Help:      "Liveness probes queued.",
		}),
		probesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_probes_missed_total",
			Help:      "Liveness probes the engine failed to start in time.",
		}),
	}

	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting for the engine thread.",
	}, m.currentQueueDepth)

	m.registry.MustRegister(
		m.jobsSubmitted,
		m.jobsExecuted,
		m.jobsOverdue,
		m.jobsDiscarded,
		m.jobWait,
		m.state,
		m.transitions,
		m.probesSent,
		m.probesMissed,
		queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, opt := range opts {
		opt(m)
	}

	m.setState(lifecycle.StateStopped)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueDepthSource sets the function sampled by the queue depth gauge.
func (m *Metrics) SetQueueDepthSource(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = fn
}

func (m *Metrics) currentQueueDepth() float64 {
	m.mu.RLock()
	fn := m.queueDepth
	m.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return float64(fn())
}

// JobSubmitted implements engine.Recorder.
func (m *Metrics) JobSubmitted(name string) {
	m.jobsSubmitted.WithLabelValues(m.jobLabel(name)).Inc()
}

// JobStarted implements engine.Recorder.
func (m *Metrics) JobStarted(name string, wait time.Duration) {
	m.jobsExecuted.WithLabelValues(m.jobLabel(name)).Inc()
	m.jobWait.Observe(wait.Seconds())
}

// JobOverdue implements engine.Recorder.
func (m *Metrics) JobOverdue(name string) {
	m.jobsOverdue.WithLabelValues(m.jobLabel(name)).Inc()
}

// JobsDiscarded implements engine.Recorder.
func (m *Metrics) JobsDiscarded(n int) {
	m.jobsDiscarded.Add(float64(n))
}

// ProbeSent implements liveness.Recorder.
func (m *Metrics) ProbeSent() {
	m.probesSent.Inc()
}

// ProbeMissed implements liveness.Recorder.
func (m *Metrics) ProbeMissed() {
	m.probesMissed.Inc()
}

// ObserveTransition is a lifecycle.Observer.
func (m *Metrics) ObserveTransition(t lifecycle.Transition) {
	m.transitions.WithLabelValues(t.Event.String()).Inc()
	m.setState(t.To)
}

func (m *Metrics) setState(current lifecycle.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) jobLabel(name string) string {
	if _, ok := m.jobKinds[name]; ok {
		return name
	}
	return otherJobs
}
