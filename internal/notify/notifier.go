package notify

import (
	"context"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/rs/zerolog"
)

// Notifier receives session-time updates. Publish is fire-and-forget:
// implementations log their own failures and never block for long.
type Notifier interface {
	Publish(ctx context.Context, times activity.SessionTimes)
}

// Nop discards updates.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(context.Context, activity.SessionTimes) {}

// Multi fans an update out to several notifiers in order.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, times activity.SessionTimes) {
	for _, n := range m {
		n.Publish(ctx, times)
	}
}

// Log writes updates to a logger at debug level.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

// Publish implements Notifier.
func (l *Log) Publish(_ context.Context, times activity.SessionTimes) {
	l.logger.Debug().
		Int64("gross_ms", times.GrossTime).
		Int64("effective_ms", times.EffectiveTime).
		Int64("idle_ms", times.IdleTime).
		Msg("Session times updated")
}
