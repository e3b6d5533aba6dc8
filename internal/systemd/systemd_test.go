package systemd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	require.NoError(t, err)
	assert.False(t, listeners.Activated)
	assert.Nil(t, listeners.Metrics)
}

func TestNotifyWithoutSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	assert.False(t, IsSystemdService())
	assert.NoError(t, NotifyReady())
	assert.NoError(t, NotifyWatchdog())
	assert.NoError(t, NotifyStopping())
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_PID", "")

	t.Setenv("WATCHDOG_USEC", "")
	assert.Zero(t, WatchdogInterval())

	t.Setenv("WATCHDOG_USEC", "20000000")
	assert.Equal(t, 10*time.Second, WatchdogInterval())
}

func TestWatchdogPingsOnInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().TickerFunc("systemd", "watchdog")
	defer trap.Close()

	var pings atomic.Int32
	w := NewWatchdog(10*time.Second, mClock, zerolog.Nop())
	w.notify = func() error {
		pings.Add(1)
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	call := trap.MustWait(ctx)
	assert.Equal(t, 10*time.Second, call.Duration)
	call.MustRelease(ctx)

	mClock.Advance(10 * time.Second).MustWait(ctx)
	mClock.Advance(10 * time.Second).MustWait(ctx)
	assert.Equal(t, int32(2), pings.Load())

	stop()
	require.NoError(t, <-done)
}

func TestDisabledWatchdogBlocksUntilDone(t *testing.T) {
	w := NewWatchdog(0, quartz.NewMock(t), zerolog.Nop())
	assert.False(t, w.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}
