package agent

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presenced/internal/activity"
	"github.com/rs/zerolog"
)

// rolloverScheduler fires fn at each local midnight.
type rolloverScheduler struct {
	clock    quartz.Clock
	loc      *time.Location
	fn       func(ctx context.Context, midnight time.Time)
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

func newRolloverScheduler(clock quartz.Clock, loc *time.Location, fn func(context.Context, time.Time), logger zerolog.Logger) *rolloverScheduler {
	return &rolloverScheduler{
		clock:    clock,
		loc:      loc,
		fn:       fn,
		logger:   logger.With().Str("component", "rollover-scheduler").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the rollover scheduler
func (rs *rolloverScheduler) Start(ctx context.Context) {
	go rs.run(ctx)
	rs.logger.Info().
		Str("timezone", rs.loc.String()).
		Msg("Midnight rollover scheduler started")
}

// Stop stops the rollover scheduler and waits for it to exit
func (rs *rolloverScheduler) Stop() {
	close(rs.stopChan)
	<-rs.done
	rs.logger.Info().Msg("Midnight rollover scheduler stopped")
}

func (rs *rolloverScheduler) run(ctx context.Context) {
	defer close(rs.done)
	for {
		next := calculateNextRollover(rs.clock.Now(), rs.loc)
		wait := next.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_rollover", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next rollover")

		timer := rs.clock.NewTimer(wait, "agent", "rollover")
		select {
		case <-timer.C:
			rs.fn(ctx, next)
		case <-rs.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// calculateNextRollover returns the next local midnight strictly after now.
func calculateNextRollover(now time.Time, loc *time.Location) time.Time {
	start := activity.StartOfDay(now, loc)
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
}
