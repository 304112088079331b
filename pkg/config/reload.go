package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/enginehost/enginehost/pkg/logger"
)

// ReloadCallback receives the reloaded configuration, or the error that
// prevented loading it.
type ReloadCallback func(*Config, error)

// ReloadManager watches the configuration file and reloads it on change.
// Only settings that can change at runtime are expected to be applied by
// callbacks: the overdue threshold and the log level.
type ReloadManager struct {
	configPath     string
	logger         logger.Logger
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	lastModTime    time.Time
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	done           chan struct{}
	mu             sync.RWMutex
	isWatching     bool
}

// NewReloadManager creates a reload manager for configPath.
func NewReloadManager(configPath string, log logger.Logger) *ReloadManager {
	return &ReloadManager{
		configPath:     configPath,
		logger:         log.WithComponent("config"),
		debouncePeriod: 500 * time.Millisecond,
	}
}

// AddCallback adds a reload callback.
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets how long events are coalesced before reloading.
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

// StartWatching watches the directory of the configuration file, so that
// editors replacing the file atomically are noticed too.
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isWatching {
		return fmt.Errorf("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(rm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	if stat, err := os.Stat(rm.configPath); err == nil {
		rm.lastModTime = stat.ModTime()
	}

	rm.watcher = watcher
	rm.done = make(chan struct{})
	rm.isWatching = true

	go rm.watchLoop(watcher, rm.done)

	rm.logger.Debug("Started watching configuration file",
		logger.WithField("path", rm.configPath))
	return nil
}

// StopWatching stops watching. It is safe to call when not watching.
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.isWatching {
		return nil
	}

	close(rm.done)
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
		rm.debounceTimer = nil
	}
	if err := rm.watcher.Close(); err != nil {
		rm.logger.Warn("Error closing file watcher", logger.WithError(err))
	}
	rm.watcher = nil
	rm.isWatching = false

	rm.logger.Debug("Stopped watching configuration file")
	return nil
}

// IsWatching reports whether the file is being watched.
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.isWatching
}

// TriggerReload reloads immediately, regardless of the modification time.
func (rm *ReloadManager) TriggerReload() {
	rm.reload(true)
}

func (rm *ReloadManager) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			rm.logger.Error("Configuration watcher panic recovered",
				logger.WithField("panic", r))
		}
	}()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !rm.isConfigFileEvent(event.Name) {
				continue
			}
			rm.logger.Debug("Configuration file event received",
				logger.WithField("event", event.String()))

			if event.Op&fsnotify.Remove == fsnotify.Remove {
				rm.notifyCallbacks(nil, fmt.Errorf("configuration file was removed: %s", rm.configPath))
				continue
			}
			rm.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("Configuration file watcher error", logger.WithError(err))
			rm.notifyCallbacks(nil, err)
		}
	}
}

func (rm *ReloadManager) isConfigFileEvent(eventPath string) bool {
	configFileName := filepath.Base(rm.configPath)
	eventFileName := filepath.Base(eventPath)

	if eventFileName == configFileName {
		return true
	}
	return strings.HasSuffix(eventFileName, ".tmp") && strings.Contains(eventFileName, configFileName)
}

func (rm *ReloadManager) debounceReload() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
	}
	rm.debounceTimer = time.AfterFunc(rm.debouncePeriod, func() {
		rm.reload(false)
	})
}

func (rm *ReloadManager) reload(force bool) {
	stat, err := os.Stat(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to stat configuration file", logger.WithError(err))
		rm.notifyCallbacks(nil, err)
		return
	}

	rm.mu.Lock()
	if !force && !stat.ModTime().After(rm.lastModTime) {
		rm.mu.Unlock()
		rm.logger.Debug("Configuration file not modified, skipping reload")
		return
	}
	rm.lastModTime = stat.ModTime()
	rm.mu.Unlock()

	cfg, err := LoadFile(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithError(err))
		rm.notifyCallbacks(nil, err)
		return
	}

	rm.logger.Info("Configuration reloaded",
		logger.WithField("overdue_threshold", cfg.Engine.OverdueThreshold.String()),
		logger.WithField("log_level", cfg.Logging.Level))
	rm.notifyCallbacks(cfg, nil)
}

func (rm *ReloadManager) notifyCallbacks(cfg *Config, err error) {
	rm.mu.RLock()
	callbacks := make([]ReloadCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ReloadCallback) {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered",
						logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}(callback)
	}
}
