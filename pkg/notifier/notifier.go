// Package notifier sends desktop notifications about engine failures.
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/enginehost/enginehost/pkg/logger"
)

// SendFunc delivers one notification.
type SendFunc func(title, message string) error

// Config represents notification configuration.
type Config struct {
	Enabled bool
	// Beep plays the system bell along with failure notifications.
	Beep bool
}

// EngineNotifier reports engine failures to the desktop.
type EngineNotifier struct {
	enabled bool
	beep    bool
	send    SendFunc
	logger  logger.Logger
}

// New creates a notifier backed by beeep.
func New(config Config, log logger.Logger) *EngineNotifier {
	return NewWithSender(config, log, func(title, message string) error {
		return beeep.Notify(title, message, "")
	})
}

// NewWithSender creates a notifier that delivers through send.
func NewWithSender(config Config, log logger.Logger, send SendFunc) *EngineNotifier {
	return &EngineNotifier{
		enabled: config.Enabled,
		beep:    config.Beep,
		send:    send,
		logger:  log.WithComponent("notifier"),
	}
}

// NotifyEngineReady reports that the engine finished starting.
func (n *EngineNotifier) NotifyEngineReady(startup time.Duration) {
	n.notify("⚙ Engine ready", fmt.Sprintf("Started in %s", formatDuration(startup)), false)
}

// NotifyEngineExit reports that the engine loop ended on its own.
func (n *EngineNotifier) NotifyEngineExit(err error) {
	n.notify("❌ Engine stopped unexpectedly", err.Error(), true)
}

// NotifyLivenessFailure reports that the engine stopped responding and the
// host is about to terminate.
func (n *EngineNotifier) NotifyLivenessFailure(err error) {
	n.notify("❌ Engine unresponsive", err.Error(), true)
}

// NotifyEngineStopped reports an orderly shutdown.
func (n *EngineNotifier) NotifyEngineStopped(uptime time.Duration) {
	n.notify("⚙ Engine stopped", fmt.Sprintf("Ran for %s", formatDuration(uptime)), false)
}

func (n *EngineNotifier) notify(title, message string, failure bool) {
	if !n.enabled {
		return
	}

	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
	}

	if failure && n.beep {
		if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
