// Package process handles OS signals, ordered shutdown and the fatal exit
// path of the host process.
package process

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/enginehost/enginehost/pkg/logger"
)

// ExitSoftware is the exit status used by Crash (EX_SOFTWARE).
const ExitSoftware = 70

// exit is replaced in tests.
var exit = os.Exit

// Crash logs err and terminates the process with ExitSoftware. It is the
// fatal path for an unresponsive engine: the supervisor is expected to
// restart the process.
func Crash(log logger.Logger, err error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	log.Error("Fatal engine failure, terminating process",
		logger.WithError(err),
		logger.WithField("exit_code", ExitSoftware))
	exit(ExitSoftware)
}

// Manager runs shutdown handlers when the process is signalled or its
// context ends.
type Manager struct {
	logger            logger.Logger
	shutdownHandlers  []func()
	heartbeatFunc     func()
	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}
	shutdownDone      chan struct{}
	wg                sync.WaitGroup
	mu                sync.Mutex
	running           bool
}

// NewManager creates a new process manager.
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:            log.WithComponent("process"),
		heartbeatInterval: 10 * time.Second,
		shutdownDone:      make(chan struct{}),
	}
}

// RegisterShutdownHandler adds a handler. Handlers run in reverse
// registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// SetHeartbeat sets a function called every interval while running.
func (m *Manager) SetHeartbeat(interval time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.heartbeatInterval = interval
	}
	m.heartbeatFunc = fn
}

// Start begins watching for SIGINT, SIGTERM and SIGHUP. The shutdown
// handlers run once, on the first signal or when ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	heartbeat := m.heartbeatFunc
	m.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case <-ctx.Done():
			m.handleShutdown()
		case sig := <-sigChan:
			m.logger.Info("Received signal", logger.WithField("signal", sig.String()))
			m.handleShutdown()
		}
	}()

	if heartbeat != nil {
		m.startHeartbeat(ctx, heartbeat)
	}
}

// Done is closed after the shutdown handlers have run.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownDone
}

// Stop stops the heartbeat and waits for the signal watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()
}

// IsRunning reports whether the manager is watching for signals.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.logger.Info("Initiating graceful shutdown...")

	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.running = false
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
	close(m.shutdownDone)
}

func (m *Manager) startHeartbeat(ctx context.Context, fn func()) {
	m.mu.Lock()
	m.heartbeatStop = make(chan struct{})
	stop := m.heartbeatStop
	interval := m.heartbeatInterval
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// IsAlive reports whether a process with pid exists and can be signalled.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
