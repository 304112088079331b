package bridge_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/pkg/bridge"
	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/native"
)

type stack struct {
	eng      *native.SimulatedEngine
	registry *lifecycle.Registry
	disp     *engine.Dispatcher
	handle   *bridge.Handle
}

func newStack(t *testing.T, eng *native.SimulatedEngine, opts ...bridge.Option) *stack {
	t.Helper()
	r := lifecycle.NewRegistry()
	d := engine.NewDispatcher(eng, engine.WithOnReady(func() {
		if err := r.PostEvent(lifecycle.EventReady); err != nil {
			t.Errorf("post ready: %v", err)
		}
	}))
	return &stack{eng: eng, registry: r, disp: d, handle: bridge.New(d, r, opts...)}
}

func (s *stack) start(t *testing.T) {
	t.Helper()
	if err := s.registry.PostEvent(lifecycle.EventStart); err != nil {
		t.Fatalf("post start: %v", err)
	}
	if err := s.disp.Start(); err != nil {
		t.Fatalf("dispatcher start: %v", err)
	}
}

func (s *stack) stop(t *testing.T) {
	t.Helper()
	if err := s.registry.PostEvent(lifecycle.EventStop); err != nil {
		t.Fatalf("post stop: %v", err)
	}
	for _, job := range s.disp.Stop() {
		job.Discard()
	}
	if err := s.registry.PostEvent(lifecycle.EventStopped); err != nil {
		t.Fatalf("post stopped: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQuery_ReturnsResultWhenReady(t *testing.T) {
	s := newStack(t, native.NewSimulatedEngine(0))
	s.start(t)
	defer s.stop(t)

	ctx := testContext(t)
	if err := s.handle.WaitReady(ctx); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}

	got, err := bridge.Query(ctx, s.handle, "answer", func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestQuery_FailsFastUnlessReady(t *testing.T) {
	eng := native.NewSimulatedEngine(0)
	gate := make(chan struct{})
	eng.OnStart = func() error {
		<-gate
		return nil
	}
	s := newStack(t, eng)

	var ran atomic.Bool
	query := func() (int, error) {
		ran.Store(true)
		return 1, nil
	}

	if _, err := bridge.Query(testContext(t), s.handle, "stopped", query); !errors.Is(err, bridge.ErrEngineNotReady) {
		t.Errorf("expected ErrEngineNotReady while stopped, got %v", err)
	}

	s.start(t)
	if _, err := bridge.Query(testContext(t), s.handle, "starting", query); !errors.Is(err, bridge.ErrEngineNotReady) {
		t.Errorf("expected ErrEngineNotReady while starting, got %v", err)
	}

	close(gate)
	if err := s.handle.WaitReady(testContext(t)); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}
	s.stop(t)

	if ran.Load() {
		t.Error("rejected query must never run")
	}
	if s.disp.Pending() != 0 {
		t.Error("rejected query must not be queued")
	}
}

func TestCommand_QueuedBeforeReadyRunsAfterReady(t *testing.T) {
	eng := native.NewSimulatedEngine(0)
	gate := make(chan struct{})
	eng.OnStart = func() error {
		<-gate
		return nil
	}
	s := newStack(t, eng)

	var order []string
	record := func(name string) func() error {
		return func() error {
			if state := s.registry.State(); state != lifecycle.StateReady {
				return fmt.Errorf("%s ran in state %s", name, state)
			}
			order = append(order, name)
			return nil
		}
	}

	ctx := testContext(t)
	first := s.handle.Command(ctx, "while-stopped", record("while-stopped"))
	s.start(t)
	second := s.handle.Command(ctx, "while-starting", record("while-starting"))

	select {
	case <-first.Done():
		t.Fatal("command ran before the engine was ready")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)

	for _, p := range []*engine.Pending[struct{}]{first, second} {
		if _, err := p.Await(ctx); err != nil {
			t.Fatalf("command failed: %v", err)
		}
	}
	if len(order) != 2 || order[0] != "while-stopped" || order[1] != "while-starting" {
		t.Errorf("unexpected execution order: %v", order)
	}

	s.stop(t)
}

func TestCommand_DiscardedWhenEngineStartsStopping(t *testing.T) {
	s := newStack(t, native.NewSimulatedEngine(0))
	s.start(t)

	ctx := testContext(t)
	if err := s.handle.WaitReady(ctx); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}

	release := make(chan struct{})
	blocker := s.handle.Command(ctx, "blocker", func() error {
		<-release
		return nil
	})

	var ran atomic.Bool
	late := s.handle.Command(ctx, "late", func() error {
		ran.Store(true)
		return nil
	})

	if err := s.registry.PostEvent(lifecycle.EventStop); err != nil {
		t.Fatalf("post stop: %v", err)
	}
	close(release)

	if _, err := blocker.Await(ctx); err != nil {
		t.Errorf("blocker was already running and should complete, got %v", err)
	}
	if _, err := late.Await(ctx); !errors.Is(err, engine.ErrJobDiscarded) {
		t.Errorf("expected ErrJobDiscarded, got %v", err)
	}
	if ran.Load() {
		t.Error("command reached a stopping engine")
	}

	rejected := s.handle.Command(ctx, "while-stopping", func() error { return nil })
	if _, err := rejected.Await(ctx); !errors.Is(err, bridge.ErrEngineNotReady) {
		t.Errorf("expected ErrEngineNotReady while stopping, got %v", err)
	}

	for _, job := range s.disp.Stop() {
		job.Discard()
	}
	if err := s.registry.PostEvent(lifecycle.EventStopped); err != nil {
		t.Fatalf("post stopped: %v", err)
	}
}

func TestCommand_PropagatesError(t *testing.T) {
	s := newStack(t, native.NewSimulatedEngine(0))
	s.start(t)
	defer s.stop(t)

	want := errors.New("invalid input")
	_, err := s.handle.Command(testContext(t), "bad", func() error { return want }).Await(testContext(t))
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestDispatch_BypassesAdmission(t *testing.T) {
	s := newStack(t, native.NewSimulatedEngine(0))

	p := bridge.Dispatch(s.handle, "raw", func() (string, error) { return "ok", nil })
	s.start(t)
	defer s.stop(t)

	got, err := p.Await(testContext(t))
	if err != nil || got != "ok" {
		t.Errorf("expected ok, got %q, %v", got, err)
	}
	if s.handle.State() != lifecycle.StateReady {
		t.Errorf("expected ready, got %s", s.handle.State())
	}
}

func TestQuery_FromWhenReadyCallback(t *testing.T) {
	s := newStack(t, native.NewSimulatedEngine(0))

	type outcome struct {
		value int
		err   error
	}
	result := make(chan outcome, 1)
	s.registry.WhenReady(func(ctx context.Context) {
		qctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		v, err := bridge.Query(qctx, s.handle, "from-ready", func() (int, error) { return 7, nil })
		result <- outcome{v, err}
	})

	s.start(t)
	defer s.stop(t)

	select {
	case got := <-result:
		if got.err != nil {
			t.Fatalf("query from ready callback failed: %v", got.err)
		}
		if got.value != 7 {
			t.Errorf("expected 7, got %d", got.value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query from ready callback never completed")
	}
}

// logBuffer is written from the engine thread and read by the test.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCommand_LogsCarryJobID(t *testing.T) {
	var out logBuffer
	log := logger.CreateLoggerWithOutput("debug", &out)
	s := newStack(t, native.NewSimulatedEngine(0), bridge.WithLogger(log))

	ctx := testContext(t)
	p := s.handle.Command(ctx, "tagged", func() error { return nil })
	s.start(t)
	defer s.stop(t)

	if _, err := p.Await(ctx); err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if !strings.Contains(out.String(), "job_id="+p.Job().ID) {
		t.Errorf("expected job_id=%s in log output:\n%s", p.Job().ID, out.String())
	}
}

func TestQuery_FailureLogCarriesJobID(t *testing.T) {
	var out logBuffer
	log := logger.CreateLoggerWithOutput("debug", &out)
	s := newStack(t, native.NewSimulatedEngine(0), bridge.WithLogger(log))
	s.start(t)
	defer s.stop(t)

	ctx := testContext(t)
	if err := s.handle.WaitReady(ctx); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}

	want := errors.New("no such entity")
	if _, err := bridge.Query(ctx, s.handle, "lookup", func() (int, error) { return 0, want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}

	jobID := regexp.MustCompile(`job_id=[0-9a-f-]{36}`)
	if !jobID.MatchString(out.String()) {
		t.Errorf("expected a job_id field in log output:\n%s", out.String())
	}
}
