package metrics_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/liveness"
	"github.com/enginehost/enginehost/pkg/metrics"
)

var (
	_ engine.Recorder   = (*metrics.Metrics)(nil)
	_ liveness.Recorder = (*metrics.Metrics)(nil)
)

func TestMetrics_JobCounters(t *testing.T) {
	m := metrics.New(metrics.WithJobKinds("render"))

	m.JobSubmitted("render")
	m.JobSubmitted("render")
	m.JobStarted("render", 5*time.Millisecond)
	m.JobOverdue("render")
	m.JobsDiscarded(3)
	m.JobSubmitted("")

	expected := `
# HELP enginehost_jobs_submitted_total Jobs queued for the engine thread.
# TYPE enginehost_jobs_submitted_total counter
enginehost_jobs_submitted_total{job="other"} 1
enginehost_jobs_submitted_total{job="render"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "enginehost_jobs_submitted_total"); err != nil {
		t.Error(err)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "enginehost_jobs_overdue_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one overdue series, got %d", n)
	}

	expected = `
# HELP enginehost_jobs_discarded_total Jobs dropped without running because the engine stopped.
# TYPE enginehost_jobs_discarded_total counter
enginehost_jobs_discarded_total 3
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "enginehost_jobs_discarded_total"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_LifecycleState(t *testing.T) {
	m := metrics.New()
	r := lifecycle.NewRegistry()
	r.Register(m.ObserveTransition)

	for _, ev := range []lifecycle.Event{lifecycle.EventStart, lifecycle.EventReady} {
		if err := r.PostEvent(ev); err != nil {
			t.Fatalf("post %s: %v", ev, err)
		}
	}

	expected := `
# HELP enginehost_lifecycle_state 1 for the current engine lifecycle state, 0 otherwise.
# TYPE enginehost_lifecycle_state gauge
enginehost_lifecycle_state{state="ready"} 1
enginehost_lifecycle_state{state="starting"} 0
enginehost_lifecycle_state{state="stopped"} 0
enginehost_lifecycle_state{state="stopping"} 0
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "enginehost_lifecycle_state"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_QueueDepthAndHandler(t *testing.T) {
	m := metrics.New()
	m.SetQueueDepthSource(func() int { return 4 })
	m.ProbeSent()
	m.ProbeMissed()

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"enginehost_queue_depth 4",
		"enginehost_liveness_probes_total 1",
		"enginehost_liveness_probes_missed_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_JobLabelsStayBounded(t *testing.T) {
	m := metrics.New()

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("lookup-%d", i)
		m.JobSubmitted(name)
		m.JobStarted(name, time.Millisecond)
	}
	m.JobSubmitted(liveness.JobName)
	m.JobOverdue(liveness.JobName)

	expected := `
# HELP enginehost_jobs_submitted_total Jobs queued for the engine thread.
# TYPE enginehost_jobs_submitted_total counter
enginehost_jobs_submitted_total{job="liveness-probe"} 1
enginehost_jobs_submitted_total{job="other"} 100
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "enginehost_jobs_submitted_total"); err != nil {
		t.Error(err)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "enginehost_jobs_executed_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one executed series for unregistered names, got %d", n)
	}
}
