// Package systemd integrates the agent with a systemd user unit: socket
// activation for the metrics endpoint, sd_notify readiness and the
// watchdog keepalive.
package systemd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// MetricsSocketName is the FileDescriptorName= of the metrics socket in
// presenced.socket.
const MetricsSocketName = "metrics"

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false)
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Requires systemd 227+ for FileDescriptorName=.
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if lns, ok := named[MetricsSocketName]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// IsSystemdService returns true if systemd expects sd_notify messages.
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// WatchdogInterval returns how often the watchdog should be pinged: half
// of WatchdogSec, or 0 when the watchdog is disabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings the systemd watchdog on a fixed interval.
type Watchdog struct {
	interval time.Duration
	clock    quartz.Clock
	notify   func() error
	logger   zerolog.Logger
}

// NewWatchdog creates a watchdog. An interval of 0 disables it.
func NewWatchdog(interval time.Duration, clock quartz.Clock, logger zerolog.Logger) *Watchdog {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Watchdog{
		interval: interval,
		clock:    clock,
		notify:   NotifyWatchdog,
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}
}

// Enabled reports whether Run will ping at all.
func (w *Watchdog) Enabled() bool {
	return w.interval > 0
}

// Run pings until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.Enabled() {
		<-ctx.Done()
		return nil
	}

	w.logger.Info().Dur("interval", w.interval).Msg("Watchdog enabled")
	waiter := w.clock.TickerFunc(ctx, w.interval, func() error {
		if err := w.notify(); err != nil {
			w.logger.Warn().Err(err).Msg("Watchdog ping failed")
		}
		return nil
	}, "systemd", "watchdog")

	err := waiter.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
