// Package daemon assembles the engine host: one dispatcher per engine run,
// a lifecycle registry shared by all runs, the liveness monitor and the
// handle handed out to clients.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/internal/state"
	"github.com/enginehost/enginehost/pkg/bridge"
	"github.com/enginehost/enginehost/pkg/config"
	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/liveness"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/metrics"
	"github.com/enginehost/enginehost/pkg/native"
	"github.com/enginehost/enginehost/pkg/notifier"
	"github.com/enginehost/enginehost/pkg/process"
)

const (
	stateDirName = ".enginehost"
	pidFileName  = "enginehost.pid"
)

// Options configures a Host.
type Options struct {
	// Root holds the state directory with the PID file. Empty disables
	// the PID file.
	Root string

	// NewEngine creates the native engine for each run.
	NewEngine func() native.Engine

	Config   *config.Config
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Notifier *notifier.EngineNotifier

	// FatalHandler is called when the engine stops responding. It defaults
	// to notifying and terminating the process.
	FatalHandler func(error)
}

// Status describes the host.
type Status struct {
	Running          bool      `json:"running"`
	State            string    `json:"state"`
	PID              int       `json:"pid"`
	StartTime        time.Time `json:"start_time,omitempty"`
	Uptime           string    `json:"uptime,omitempty"`
	PendingJobs      int       `json:"pending_jobs"`
	Binds            int       `json:"binds"`
	OverdueThreshold string    `json:"overdue_threshold"`
}

// run is one engine lifetime, from EventStart to EventStopped.
type run struct {
	dispatcher *engine.Dispatcher
	monitor    *liveness.Monitor
	handle     *bridge.Handle
	started    time.Time
	ready      chan struct{}
	isReady    atomic.Bool
	stopping   atomic.Bool
	stopOnce   sync.Once
}

// Host owns the engine. Start and Stop are serialized; clients normally
// use Bind and Unbind, which start the engine for the first client and
// stop it after the last one leaves.
type Host struct {
	opts     Options
	cfg      *config.Config
	logger   logger.Logger
	registry *lifecycle.Registry
	overdue  atomic.Int64
	pidFile  string
	store    *state.Manager

	opMu   sync.Mutex
	mu     sync.RWMutex
	run    *run
	binds  int
	failed error
}

// NewHost creates a stopped host.
func NewHost(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.NewEngine == nil {
		interval := opts.Config.Engine.StepInterval
		opts.NewEngine = func() native.Engine { return native.NewSimulatedEngine(interval) }
	}
	if opts.Notifier == nil {
		opts.Notifier = notifier.New(notifier.Config{Enabled: false}, opts.Logger)
	}

	h := &Host{
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger.WithComponent("host"),
		registry: lifecycle.NewRegistry(
			lifecycle.WithLogger(opts.Logger),
		),
	}
	h.overdue.Store(int64(opts.Config.Engine.OverdueThreshold))

	if opts.Root != "" {
		h.pidFile = filepath.Join(opts.Root, stateDirName, pidFileName)
		h.store = state.NewManager(filepath.Join(opts.Root, stateDirName), opts.Logger)
		h.registry.Register(h.store.ObserveTransition)
	}
	if opts.Metrics != nil {
		h.registry.Register(opts.Metrics.ObserveTransition)
		opts.Metrics.SetQueueDepthSource(h.pending)
	}
	return h
}

// Registry returns the lifecycle registry shared by all runs.
func (h *Host) Registry() *lifecycle.Registry {
	return h.registry
}

// Handle returns the handle of the current run, or nil when stopped.
func (h *Host) Handle() *bridge.Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.run == nil {
		return nil
	}
	return h.run.handle
}

// Bind starts the engine if it is not running and registers one client.
func (h *Host) Bind(ctx context.Context) (*bridge.Handle, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.current() == nil {
		if err := h.start(ctx); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run == nil {
		return nil, ErrHostNotRunning
	}
	h.binds++
	h.logger.Debug("Client bound", logger.WithField("binds", h.binds))
	return h.run.handle, nil
}

// Unbind releases one client and stops the engine after the last one.
func (h *Host) Unbind(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if h.binds == 0 {
		h.mu.Unlock()
		return ErrNotBound
	}
	h.binds--
	remaining := h.binds
	r := h.run
	h.mu.Unlock()

	h.logger.Debug("Client unbound", logger.WithField("binds", remaining))
	if remaining > 0 || r == nil {
		return nil
	}
	return h.stop(ctx, r)
}

// Start starts the engine and waits until it is Ready. If ctx ends first,
// the half-started engine is stopped and the host is marked failed.
func (h *Host) Start(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.current() != nil {
		return ErrHostAlreadyRunning
	}
	return h.start(ctx)
}

// Stop stops the engine and waits for the native shutdown.
func (h *Host) Stop(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	r := h.current()
	if r == nil {
		return ErrHostNotRunning
	}
	return h.stop(ctx, r)
}

// IsRunning reports whether an engine run is active.
func (h *Host) IsRunning() bool {
	return h.current() != nil
}

// SetOverdueThreshold updates the threshold for the current and future runs.
func (h *Host) SetOverdueThreshold(d time.Duration) {
	h.overdue.Store(int64(d))
	if r := h.current(); r != nil {
		r.dispatcher.SetOverdueThreshold(d)
	}
	h.logger.Info("Overdue threshold updated", logger.WithField("threshold", d.String()))
}

// Status returns a snapshot of the host.
func (h *Host) Status() Status {
	h.mu.RLock()
	r := h.run
	binds := h.binds
	h.mu.RUnlock()

	st := Status{
		Running:          r != nil,
		State:            h.registry.State().String(),
		PID:              os.Getpid(),
		Binds:            binds,
		OverdueThreshold: time.Duration(h.overdue.Load()).String(),
	}
	if r != nil {
		st.StartTime = r.started
		st.Uptime = time.Since(r.started).Round(time.Second).String()
		st.PendingJobs = r.dispatcher.Pending()
	}
	return st
}

func (h *Host) current() *run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run
}

func (h *Host) pending() int {
	if r := h.current(); r != nil {
		return r.dispatcher.Pending()
	}
	return 0
}

func (h *Host) start(ctx context.Context) error {
	h.mu.RLock()
	failed := h.failed
	h.mu.RUnlock()
	if failed != nil {
		return fmt.Errorf("%w: %v", ErrHostFailed, failed)
	}

	if err := h.writePIDFile(); err != nil {
		return err
	}

	r := &run{started: time.Now(), ready: make(chan struct{})}

	dispatcherOpts := []engine.Option{
		engine.WithLogger(h.opts.Logger),
		engine.WithOverdueThreshold(time.Duration(h.overdue.Load())),
		engine.WithOnReady(func() { h.onReady(r) }),
		engine.WithOnExit(func(err error) { h.onExit(r, err) }),
	}
	if h.opts.Metrics != nil {
		dispatcherOpts = append(dispatcherOpts, engine.WithRecorder(h.opts.Metrics))
	}
	r.dispatcher = engine.NewDispatcher(h.opts.NewEngine(), dispatcherOpts...)
	r.handle = bridge.New(r.dispatcher, h.registry, bridge.WithLogger(h.opts.Logger))
	r.monitor = h.newMonitor(r.dispatcher)

	if err := h.registry.PostEvent(lifecycle.EventStart); err != nil {
		h.removePIDFile()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	h.mu.Lock()
	h.run = r
	h.mu.Unlock()

	h.logger.Info("Starting engine")
	if err := r.dispatcher.Start(); err != nil {
		h.fail(r, err)
		return fmt.Errorf("failed to start engine: %w", err)
	}

	select {
	case <-r.ready:
		return nil
	case <-r.dispatcher.Done():
		select {
		case <-r.ready:
			// Ready, then died: the exit handler stops the run.
			return nil
		default:
		}
		err := r.dispatcher.Err()
		for _, job := range r.dispatcher.Stop() {
			job.Discard()
		}
		h.fail(r, err)
		return fmt.Errorf("%w: %v", ErrHostFailed, err)
	case <-ctx.Done():
		r.stopping.Store(true)
		for _, job := range r.dispatcher.Stop() {
			job.Discard()
		}
		// The engine thread has exited, so isReady is final.
		if r.isReady.Load() {
			_ = r.monitor.Teardown()
			if err := h.registry.PostEvent(lifecycle.EventStop); err != nil {
				h.logger.Error("Failed to publish shutdown", logger.WithError(err))
			}
			h.finishStop(r)
			return ctx.Err()
		}
		h.fail(r, ctx.Err())
		return fmt.Errorf("engine did not become ready: %w", ctx.Err())
	}
}

func (h *Host) newMonitor(d *engine.Dispatcher) *liveness.Monitor {
	fatal := h.opts.FatalHandler
	if fatal == nil {
		log := h.logger
		n := h.opts.Notifier
		fatal = func(err error) {
			n.NotifyLivenessFailure(err)
			process.Crash(log, err)
		}
	}

	onFatal := func(err error) {
		h.recordError(err)
		fatal(err)
	}

	opts := []liveness.Option{
		liveness.WithGracePeriod(h.cfg.Liveness.GracePeriod),
		liveness.WithPeriod(h.cfg.Liveness.Period),
		liveness.WithLogger(h.opts.Logger),
		liveness.WithFatalHandler(onFatal),
	}
	if h.opts.Metrics != nil {
		opts = append(opts, liveness.WithRecorder(h.opts.Metrics))
	}
	return liveness.New(d, opts...)
}

// onReady runs on the engine thread before the first job is drained, so
// jobs queued while Starting observe Ready.
func (h *Host) onReady(r *run) {
	if err := h.registry.PostEvent(lifecycle.EventReady); err != nil {
		h.logger.Error("Failed to publish readiness", logger.WithError(err))
		return
	}
	r.isReady.Store(true)

	if h.cfg.Liveness.Enabled {
		if err := r.monitor.Install(); err != nil {
			h.logger.Error("Failed to install liveness monitor", logger.WithError(err))
		}
	}

	if h.store != nil {
		h.store.StartHeartbeat(context.Background())
	}

	startup := time.Since(r.started)
	h.logger.Success("Engine ready", logger.WithField("startup_ms", startup.Milliseconds()))
	h.opts.Notifier.NotifyEngineReady(startup)
	close(r.ready)
}

// onExit runs after the native engine has shut down.
func (h *Host) onExit(r *run, err error) {
	if err == nil || r.stopping.Load() || !r.isReady.Load() {
		return
	}

	h.logger.Error("Engine exited unexpectedly", logger.WithError(err))
	h.recordError(err)
	h.opts.Notifier.NotifyEngineExit(err)

	go func() {
		h.opMu.Lock()
		defer h.opMu.Unlock()
		if h.current() == r {
			_ = h.stop(context.Background(), r)
		}
	}()
}

func (h *Host) stop(ctx context.Context, r *run) error {
	var err error
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		h.logger.Info("Stopping engine")

		if tdErr := r.monitor.Teardown(); tdErr != nil && !errors.Is(tdErr, liveness.ErrNotInstalled) {
			h.logger.Warn("Liveness teardown failed", logger.WithError(tdErr))
		}

		if err = h.registry.PostEvent(lifecycle.EventStop); err != nil {
			return
		}

		stopped := make(chan []*engine.Job, 1)
		go func() { stopped <- r.dispatcher.Stop() }()

		select {
		case leftovers := <-stopped:
			if len(leftovers) > 0 {
				h.logger.Info("Discarding unexecuted jobs", logger.WithField("count", len(leftovers)))
			}
			for _, job := range leftovers {
				job.Discard()
			}
			h.finishStop(r)
		case <-ctx.Done():
			err = fmt.Errorf("engine did not shut down: %w", ctx.Err())
			go func() {
				for _, job := range <-stopped {
					job.Discard()
				}
				h.finishStop(r)
			}()
		}
	})
	return err
}

func (h *Host) finishStop(r *run) {
	if err := h.registry.PostEvent(lifecycle.EventStopped); err != nil {
		h.logger.Error("Failed to publish shutdown", logger.WithError(err))
	}
	h.removePIDFile()
	if h.store != nil {
		h.store.StopHeartbeat()
	}

	h.mu.Lock()
	if h.run == r {
		h.run = nil
		h.binds = 0
	}
	h.mu.Unlock()

	uptime := time.Since(r.started)
	h.logger.Info("Engine stopped", logger.WithField("uptime", uptime.Round(time.Millisecond).String()))
	h.opts.Notifier.NotifyEngineStopped(uptime)
}

func (h *Host) fail(r *run, err error) {
	h.logger.Error("Engine failed to start", logger.WithError(err))
	h.removePIDFile()
	h.recordError(err)

	h.mu.Lock()
	if h.run == r {
		h.run = nil
	}
	h.failed = err
	h.mu.Unlock()
}

func (h *Host) recordError(err error) {
	if h.store != nil {
		h.store.RecordError(err)
	}
}

// ReadState returns the state file written by the host running under root.
func ReadState(root string) (*state.EngineState, error) {
	return state.Read(filepath.Join(root, stateDirName))
}

// ReadPID returns the PID recorded under root and whether that process is
// alive.
func ReadPID(root string) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, stateDirName, pidFileName))
	if err != nil {
		return 0, false, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false, fmt.Errorf("malformed PID file: %w", err)
	}
	return pid, process.IsAlive(pid), nil
}

func (h *Host) writePIDFile() error {
	if h.pidFile == "" {
		return nil
	}

	if pid, alive, err := ReadPID(h.opts.Root); err == nil && alive && pid != os.Getpid() {
		return fmt.Errorf("%w: pid %d", ErrHostAlreadyRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(h.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(h.pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func (h *Host) removePIDFile() {
	if h.pidFile == "" {
		return
	}
	if err := os.Remove(h.pidFile); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("Failed to remove PID file", logger.WithError(err))
	}
}
