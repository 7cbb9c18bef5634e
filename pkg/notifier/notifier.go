// Package notifier provides desktop notifications for build runs
package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
)

// SendFunc delivers one notification
type SendFunc func(title, message string) error

// BuildNotifier handles build notifications
type BuildNotifier struct {
	enabled bool
	beep    bool
	send    SendFunc
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Beep plays the system beep along with failure notifications
	Beep bool
	// Send overrides the desktop notification backend
	Send SendFunc
}

// New creates a new build notifier
func New(config Config, log logger.Logger) *BuildNotifier {
	send := config.Send
	if send == nil {
		send = func(title, message string) error {
			return beeep.Notify(title, message, "")
		}
	}
	return &BuildNotifier{
		enabled: config.Enabled,
		beep:    config.Beep,
		send:    send,
		logger:  log,
	}
}

// NotifyLayerFailed notifies that a layer stopped the run
func (n *BuildNotifier) NotifyLayerFailed(layer int, failed []string) {
	if n == nil || !n.enabled {
		return
	}

	title := "❌ catkin-bloom: build failed"
	message := fmt.Sprintf("Layer %d: %s", layer, strings.Join(failed, ", "))

	n.sendNotification(title, message)
	if n.beep {
		if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}

// NotifyRunComplete notifies that every layer was built and installed
func (n *BuildNotifier) NotifyRunComplete(built int, duration time.Duration) {
	if n == nil || !n.enabled {
		return
	}

	title := "✅ catkin-bloom: build finished"
	message := fmt.Sprintf("%d package(s) built in %s", built, formatDuration(duration))

	n.sendNotification(title, message)
}

// NotifyRunFailed notifies that the run stopped on an infrastructure error
func (n *BuildNotifier) NotifyRunFailed(err error) {
	if n == nil || !n.enabled {
		return
	}

	n.sendNotification("❌ catkin-bloom: run aborted", err.Error())
}

func (n *BuildNotifier) sendNotification(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
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
