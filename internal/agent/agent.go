// Package agent owns the sampling loop, presence state, ledger and sync
// queue of one user session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/idle"
	"github.com/goodtune/presenced/internal/ledger"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/presence"
	"github.com/goodtune/presenced/internal/syncqueue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Defaults for Config fields left zero.
const (
	DefaultSampleInterval    = 5 * time.Second
	DefaultBroadcastInterval = 5 * time.Second
	DefaultSyncInterval      = 15 * time.Minute
	DefaultJumpThreshold     = 30 * time.Second
)

// Config holds agent configuration
type Config struct {
	IdleThreshold          time.Duration
	SampleInterval         time.Duration
	BroadcastInterval      time.Duration
	SyncInterval           time.Duration
	WallClockJumpThreshold time.Duration
	RetentionDays          int
	SyncOnStart            bool
	Location               *time.Location
}

func (c *Config) applyDefaults() {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = presence.DefaultIdleThreshold
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.WallClockJumpThreshold <= 0 {
		c.WallClockJumpThreshold = DefaultJumpThreshold
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Agent is the presence agent. mu serializes every sample, transition and
// ledger step it drives.
type Agent struct {
	source  idle.Source
	sampler *idle.Sampler
	machine *presence.Machine
	ledger  *ledger.Ledger
	queue   *syncqueue.Queue
	signals <-chan idle.Signal
	clock   quartz.Clock
	cfg     Config
	logger  zerolog.Logger

	mu          sync.Mutex
	lastReading idle.Reading
	currentDate string

	syncGroup singleflight.Group

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	waiters   []quartz.Waiter
	rollover  *rolloverScheduler
	wg        sync.WaitGroup
}

// New creates an agent. signals may be nil.
func New(source idle.Source, l *ledger.Ledger, q *syncqueue.Queue, signals <-chan idle.Signal, clock quartz.Clock, cfg Config, logger zerolog.Logger) *Agent {
	cfg.applyDefaults()
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Agent{
		source:  source,
		sampler: idle.NewSampler(source, cfg.IdleThreshold, clock),
		machine: presence.NewMachine(cfg.IdleThreshold),
		ledger:  l,
		queue:   q,
		signals: signals,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// Start runs an initial sample and starts the sample, broadcast and sync
// tickers, the midnight rollover timer and the signal watcher.
func (a *Agent) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.cancel != nil {
		return errors.New("agent already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.mu.Lock()
	a.currentDate = activity.DateKey(a.clock.Now(), a.cfg.Location)
	a.mu.Unlock()

	if err := a.Tick(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Initial idle sample failed")
	}

	a.waiters = append(a.waiters,
		a.clock.TickerFunc(ctx, a.cfg.SampleInterval, func() error {
			if err := a.Tick(ctx); err != nil {
				a.logger.Debug().Err(err).Msg("Idle sample failed, keeping previous state")
			}
			return nil
		}, "agent", "sample"),
		a.clock.TickerFunc(ctx, a.cfg.BroadcastInterval, func() error {
			a.Broadcast(ctx)
			return nil
		}, "agent", "broadcast"),
		a.clock.TickerFunc(ctx, a.cfg.SyncInterval, func() error {
			a.scheduledSync(ctx)
			return nil
		}, "agent", "sync"),
	)

	a.rollover = newRolloverScheduler(a.clock, a.cfg.Location, a.Rollover, a.logger)
	a.rollover.Start(ctx)

	if a.signals != nil {
		a.wg.Add(1)
		go a.watchSignals(ctx)
	}
	if a.cfg.SyncOnStart {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduledSync(ctx)
		}()
	}

	a.logger.Info().
		Str("idle_source", a.source.Name()).
		Dur("idle_threshold", a.cfg.IdleThreshold).
		Dur("sample_interval", a.cfg.SampleInterval).
		Dur("sync_interval", a.cfg.SyncInterval).
		Msg("Presence agent started")
	return nil
}

// Stop cancels all timers and waits for in-flight work. No logout is
// recorded; the next login repairs the open session.
func (a *Agent) Stop() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.cancel == nil {
		return
	}
	a.cancel()
	for _, w := range a.waiters {
		_ = w.Wait()
	}
	a.rollover.Stop()
	a.wg.Wait()

	a.cancel = nil
	a.waiters = nil
	a.logger.Info().Msg("Presence agent stopped")
}

func (a *Agent) watchSignals(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			a.logger.Debug().Stringer("signal", sig).Msg("Sampling on session signal")
			if err := a.Tick(ctx); err != nil {
				a.logger.Debug().Err(err).Stringer("signal", sig).Msg("Out-of-band sample failed")
			}
		}
	}
}

// Tick takes one idle sample and applies any resulting transition. On a
// source error the previous state is kept and the error returned.
func (a *Agent) Tick(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	now := r.At

	a.handleClockJump(ctx, now, r.Idle)
	a.rollDay(ctx, now)

	if tr, ok := a.machine.Observe(now, r.Idle); ok {
		a.applyTransition(ctx, tr)
	}
	a.lastReading = r
	return nil
}

// handleClockJump ends an active session at the last sample when the time
// between that sample and the start of the reported idle window exceeds
// the jump threshold. The machine was not running for that stretch, as
// across a suspend, so none of it is effective time.
func (a *Agent) handleClockJump(ctx context.Context, now time.Time, idleFor time.Duration) {
	last := a.machine.LastSample()
	if last.IsZero() || !a.machine.IsActive() {
		return
	}
	gap := now.Round(0).Sub(last.Round(0))
	unexplained := gap - idleFor
	if gap <= a.cfg.WallClockJumpThreshold || unexplained <= a.cfg.WallClockJumpThreshold {
		return
	}

	metrics.WallClockJumps.Inc()
	a.logger.Info().
		Dur("gap", gap).
		Time("last_sample", last).
		Msg("Wall-clock jump detected, ending session at last sample")

	if _, err := a.ledger.Accumulate(ctx, last.UnixMilli(), false, 0); err != nil {
		a.logger.Error().Err(err).Msg("Failed to accumulate before clock jump")
	}
	if tr, ok := a.machine.ForceIdle(last); ok {
		a.applyTransition(ctx, tr)
	}
}

// rollDay splits an active session at local midnight, queues the finished
// day and prunes expired records. It runs at most once per date.
func (a *Agent) rollDay(ctx context.Context, now time.Time) {
	date := activity.DateKey(now, a.cfg.Location)
	if a.currentDate == "" {
		a.currentDate = date
		return
	}
	if date <= a.currentDate {
		return
	}

	prev := a.currentDate
	a.currentDate = date
	midnight := activity.StartOfDay(now, a.cfg.Location)

	if a.machine.IsActive() {
		end := midnight.Add(-time.Millisecond)
		if _, err := a.ledger.Accumulate(ctx, end.UnixMilli(), false, 0); err != nil {
			a.logger.Error().Err(err).Msg("Failed to accumulate before midnight")
		}
		if _, err := a.ledger.RecordEvent(ctx, activity.Logout, end.UnixMilli()); err != nil {
			a.logger.Error().Err(err).Str("date", prev).Msg("Failed to close session at midnight")
		}
		rec, err := a.ledger.RecordEvent(ctx, activity.Login, midnight.UnixMilli())
		if err != nil {
			a.logger.Error().Err(err).Str("date", date).Msg("Failed to open session at midnight")
		} else {
			a.machine.Restart(midnight)
			a.machine.SetFirstLogin(date, time.UnixMilli(rec.FirstLogin))
		}
	}

	if rec, ok := a.ledger.Day(ctx, prev); ok {
		if err := a.queue.Enqueue(ctx, syncqueue.NewDayEntry(rec, now)); err != nil {
			a.logger.Error().Err(err).Str("date", prev).Msg("Failed to queue finished day")
		}
	}

	if a.cfg.RetentionDays > 0 {
		cutoff := activity.DateKey(midnight.AddDate(0, 0, -a.cfg.RetentionDays), a.cfg.Location)
		if _, err := a.ledger.Prune(ctx, cutoff); err != nil {
			a.logger.Error().Err(err).Msg("Failed to prune old day records")
		}
	}

	a.logger.Info().
		Str("finished_date", prev).
		Str("date", date).
		Msg("Day rolled over")
}

// Rollover is the midnight timer's entry point. It takes a sample so a
// timer that fires late after a suspend still goes through jump handling;
// without a sample the day is rolled at the current time.
func (a *Agent) Rollover(ctx context.Context, midnight time.Time) {
	err := a.Tick(ctx)
	if err == nil {
		return
	}
	a.logger.Warn().Err(err).Time("midnight", midnight).Msg("Rolling day without a sample")

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollDay(ctx, a.clock.Now())
}

func (a *Agent) applyTransition(ctx context.Context, tr presence.Transition) {
	at := tr.At.UnixMilli()

	rec, err := a.ledger.RecordEvent(ctx, tr.Kind, at)
	if err != nil {
		a.logger.Error().Err(err).Str("kind", string(tr.Kind)).Msg("Failed to record presence event")
		return
	}

	switch tr.Kind {
	case activity.Login:
		metrics.PresenceActive.Set(1)
		a.machine.SetFirstLogin(rec.Date, time.UnixMilli(rec.FirstLogin))
		_, err = a.ledger.Accumulate(ctx, at, false, 0)
	case activity.Logout:
		metrics.PresenceActive.Set(0)
		_, err = a.ledger.Accumulate(ctx, at, true, tr.At.Sub(tr.IdleStart))
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to accumulate after transition")
	}
}

// sampleStale reports whether an active session has gone unsampled for
// longer than the jump threshold. Time past the last sample is then not
// credited until the next sample has been through jump handling.
func (a *Agent) sampleStale(now time.Time) bool {
	last := a.machine.LastSample()
	if last.IsZero() || !a.machine.IsActive() {
		return false
	}
	return now.Round(0).Sub(last.Round(0)) > a.cfg.WallClockJumpThreshold
}

// Broadcast accumulates time up to now and publishes the day's totals.
func (a *Agent) Broadcast(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.sampleStale(now) {
		a.logger.Debug().
			Time("last_sample", a.machine.LastSample()).
			Msg("Last sample is stale, deferring accumulation to the next sample")
		return
	}
	active := a.machine.IsActive()

	var idleFor time.Duration
	if !active && !a.lastReading.At.IsZero() {
		idleFor = a.lastReading.Idle + now.Sub(a.lastReading.At)
	}
	if _, err := a.ledger.Accumulate(ctx, now.UnixMilli(), !active, idleFor); err != nil {
		a.logger.Error().Err(err).Msg("Failed to accumulate session time")
	}
}

// Today returns today's session times caught up to now. An active session
// is credited up to its last sample when that sample is stale, and the
// remainder is shown as idle.
func (a *Agent) Today(ctx context.Context) activity.SessionTimes {
	a.mu.Lock()
	now := a.clock.Now()
	var activeUntil int64
	switch {
	case a.sampleStale(now):
		activeUntil = a.machine.LastSample().UnixMilli()
	case a.machine.IsActive():
		activeUntil = now.UnixMilli()
	}
	a.mu.Unlock()
	return a.ledger.Today(ctx, now.UnixMilli(), activeUntil)
}

// ActivityData returns every stored day record.
func (a *Agent) ActivityData(ctx context.Context) map[string]activity.DayRecord {
	return a.ledger.ActivityData(ctx)
}

// EnqueueForSync queues a snapshot of rec.
func (a *Agent) EnqueueForSync(ctx context.Context, rec activity.DayRecord) error {
	return a.queue.Enqueue(ctx, syncqueue.NewDayEntry(rec, a.clock.Now()))
}

// LogTime queues a manual time entry.
func (a *Agent) LogTime(ctx context.Context, te activity.TimeEntry) error {
	return a.queue.Enqueue(ctx, syncqueue.NewTimeEntry(te, a.clock.Now()))
}

// DrainQueueStopOnError drains the queue, stopping at the first failure.
func (a *Agent) DrainQueueStopOnError(ctx context.Context) (syncqueue.DrainResult, error) {
	return a.queue.DrainStopOnError(ctx)
}

// DrainQueueBatched drains the queue in batches with retry.
func (a *Agent) DrainQueueBatched(ctx context.Context) (syncqueue.DrainResult, error) {
	return a.queue.DrainBatched(ctx)
}

// enqueueToday snapshots today's record, if there is one.
func (a *Agent) enqueueToday(ctx context.Context) error {
	now := a.clock.Now()
	rec, ok := a.ledger.Day(ctx, activity.DateKey(now, a.cfg.Location))
	if !ok {
		return nil
	}
	return a.queue.Enqueue(ctx, syncqueue.NewDayEntry(rec, now))
}

// SyncNow queues today's snapshot and drains in mode, which defaults to
// stop-on-error. Concurrent calls share one drain.
func (a *Agent) SyncNow(ctx context.Context, mode string) (syncqueue.DrainResult, error) {
	if mode == "" {
		mode = syncqueue.ModeStopOnError
	}
	v, err, _ := a.syncGroup.Do(mode, func() (any, error) {
		if err := a.enqueueToday(ctx); err != nil {
			return syncqueue.DrainResult{Mode: mode}, err
		}
		switch mode {
		case syncqueue.ModeStopOnError:
			return a.queue.DrainStopOnError(ctx)
		case syncqueue.ModeBatched:
			return a.queue.DrainBatched(ctx)
		default:
			return syncqueue.DrainResult{Mode: mode}, fmt.Errorf("unknown sync mode %q", mode)
		}
	})
	res, _ := v.(syncqueue.DrainResult)
	return res, err
}

// scheduledSync drains under a context that survives Stop; the HTTP client
// timeout bounds it.
func (a *Agent) scheduledSync(ctx context.Context) {
	res, err := a.SyncNow(context.WithoutCancel(ctx), syncqueue.ModeBatched)
	if err != nil {
		a.logger.Warn().
			Err(err).
			Int("remaining", res.Remaining).
			Msg("Scheduled sync incomplete")
	}
}
