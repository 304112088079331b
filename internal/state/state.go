// Package state persists the engine's lifecycle to a state file so other
// processes can inspect a running host without connecting to it.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/logger"
)

// FileName is the state file under the state directory.
const FileName = "state.json"

// DefaultHeartbeatInterval is how often a running host refreshes Heartbeat.
const DefaultHeartbeatInterval = 10 * time.Second

// EngineState is the persisted view of one host.
type EngineState struct {
	ProcessID      int       `json:"processId"`
	State          string    `json:"state"`
	LastEvent      string    `json:"lastEvent,omitempty"`
	LastTransition time.Time `json:"lastTransition"`
	RunCount       int       `json:"runCount"`
	Heartbeat      time.Time `json:"heartbeat"`
	LastError      string    `json:"lastError,omitempty"`
}

// IsStale reports whether the heartbeat is older than maxAge.
func (s *EngineState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.Heartbeat) > maxAge
}

// Manager writes the state file.
type Manager struct {
	path          string
	logger        logger.Logger
	mu            sync.Mutex
	state         EngineState
	heartbeatStop chan struct{}
	interval      time.Duration
}

// NewManager creates a manager writing to stateDir/state.json.
func NewManager(stateDir string, log logger.Logger) *Manager {
	return &Manager{
		path:     filepath.Join(stateDir, FileName),
		logger:   log.WithComponent("state"),
		interval: DefaultHeartbeatInterval,
		state: EngineState{
			ProcessID: os.Getpid(),
			State:     lifecycle.StateStopped.String(),
		},
	}
}

// Path returns the state file path.
func (m *Manager) Path() string {
	return m.path
}

// SetHeartbeatInterval changes the interval used by the next StartHeartbeat.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.interval = d
	}
}

// ObserveTransition records t. It is a lifecycle.Observer.
func (m *Manager) ObserveTransition(t lifecycle.Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.State = t.To.String()
	m.state.LastEvent = t.Event.String()
	m.state.LastTransition = time.Now()
	m.state.Heartbeat = m.state.LastTransition
	if t.Event == lifecycle.EventStart {
		m.state.RunCount++
		m.state.LastError = ""
	}
	m.saveLocked()
}

// RecordError stores err as the last error of the current run.
func (m *Manager) RecordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastError = err.Error()
	m.saveLocked()
}

// Snapshot returns the in-memory state.
func (m *Manager) Snapshot() EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartHeartbeat refreshes Heartbeat until ctx ends or StopHeartbeat.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	ticker := time.NewTicker(m.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				m.state.Heartbeat = time.Now()
				m.saveLocked()
				m.mu.Unlock()
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat goroutine.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// Read loads the state file in stateDir.
func Read(stateDir string) (*EngineState, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, FileName))
	if err != nil {
		return nil, err
	}

	var st EngineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

func (m *Manager) saveLocked() {
	if err := m.save(); err != nil {
		m.logger.Warn("Failed to save state", logger.WithError(err))
	}
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write atomically
	tempFile := m.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempFile, m.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
