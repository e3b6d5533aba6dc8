package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/notify"
	"github.com/goodtune/presenced/internal/securestore"
	"github.com/rs/zerolog"
)

// StoreKey is the encrypted-store key holding all day records.
const StoreKey = "activityData"

// ErrUnmatchedLogout is returned when a logout has no open login to close.
var ErrUnmatchedLogout = errors.New("logout without an open login")

// Ledger maintains per-day presence records. Every read-modify-write of
// the activity data runs under mu.
type Ledger struct {
	store     *securestore.Store
	publisher notify.Notifier
	loc       *time.Location
	logger    zerolog.Logger
	mu        sync.Mutex
}

// Config holds ledger configuration
type Config struct {
	Location *time.Location
}

// New creates a ledger persisting through store and publishing to publisher.
func New(store *securestore.Store, publisher notify.Notifier, cfg Config, logger zerolog.Logger) *Ledger {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Ledger{
		store:     store,
		publisher: publisher,
		loc:       cfg.Location,
		logger:    logger.With().Str("component", "ledger").Logger(),
	}
}

// Location returns the zone used for date keys.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// load reads the activity data. Missing or corrupt data reads as empty; a
// backend failure is returned and must abort any read-modify-write.
func (l *Ledger) load(ctx context.Context) (map[string]activity.DayRecord, error) {
	data, err := securestore.Lookup(ctx, l.store, StoreKey, map[string]activity.DayRecord(nil))
	if err != nil {
		return nil, fmt.Errorf("load activity data: %w", err)
	}
	if data == nil {
		data = make(map[string]activity.DayRecord)
	}
	return data, nil
}

// view is load for read-only callers.
func (l *Ledger) view(ctx context.Context) map[string]activity.DayRecord {
	data, err := l.load(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to read activity data")
		return map[string]activity.DayRecord{}
	}
	return data
}

func (l *Ledger) save(ctx context.Context, data map[string]activity.DayRecord) error {
	if err := l.store.Set(ctx, StoreKey, data); err != nil {
		return fmt.Errorf("persist activity data: %w", err)
	}
	return nil
}

// RecordEvent appends a login or logout to the record for ts's local date,
// creating the record on the first login of the day. It returns a copy of
// the updated record.
//
// A login arriving while the record still ends in an open login (the
// process was stopped without a logout) first closes that login at the
// record's last classified instant.
func (l *Ledger) RecordEvent(ctx context.Context, kind activity.EventKind, ts int64) (activity.DayRecord, error) {
	if !kind.Valid() {
		return activity.DayRecord{}, fmt.Errorf("unknown event kind %q", kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.load(ctx)
	if err != nil {
		return activity.DayRecord{}, err
	}
	date := activity.DateKeyMillis(ts, l.loc)
	rec, exists := data[date]

	switch kind {
	case activity.Login:
		if !exists {
			rec = activity.DayRecord{
				Date:          date,
				FirstLogin:    ts,
				LastUpdate:    ts,
				ActiveThrough: ts,
			}
		}
		if open, ok := rec.OpenLogin(); ok {
			closeAt := max(rec.LastUpdate, open.Timestamp)
			closeAt = min(closeAt, ts)
			rec.Events = append(rec.Events, activity.Event{Kind: activity.Logout, Timestamp: closeAt})
			l.logger.Warn().
				Str("date", date).
				Int64("login", open.Timestamp).
				Int64("closed_at", closeAt).
				Msg("Closed dangling login before new login")
		}
		rec.Events = append(rec.Events, activity.Event{Kind: activity.Login, Timestamp: ts})
		if ts < rec.FirstLogin {
			rec.FirstLogin = ts
		}
		// Time before this login is never credited as effective.
		rec.LastUpdate = max(rec.LastUpdate, ts)
		rec.ActiveThrough = rec.LastUpdate

	case activity.Logout:
		if !exists {
			return activity.DayRecord{}, fmt.Errorf("%s: %w", date, ErrUnmatchedLogout)
		}
		if _, ok := rec.OpenLogin(); !ok {
			return rec.Clone(), fmt.Errorf("%s: %w", date, ErrUnmatchedLogout)
		}
		rec.Events = append(rec.Events, activity.Event{Kind: activity.Logout, Timestamp: ts})
	}

	recompute(&rec, max(rec.LastUpdate, ts))
	data[date] = rec
	if err := l.save(ctx, data); err != nil {
		return rec.Clone(), err
	}

	metrics.PresenceTransitions.WithLabelValues(string(kind)).Inc()
	l.logger.Info().
		Str("date", date).
		Str("kind", string(kind)).
		Time("at", time.UnixMilli(ts)).
		Msg("Recorded presence event")

	return rec.Clone(), nil
}

// Accumulate classifies the time since the last update as effective or
// idle, recomputes the day's totals and publishes them.
//
// When idle, the idle window is taken to have started idle before now.
// Any effective time already credited inside that window (while the input
// had stopped but the threshold had not yet been reached) is reclaimed, so
// an idle window detected late is still accounted from its real start.
func (l *Ledger) Accumulate(ctx context.Context, now int64, isIdle bool, idle time.Duration) (activity.SessionTimes, error) {
	l.mu.Lock()

	data, err := l.load(ctx)
	if err != nil {
		l.mu.Unlock()
		return activity.SessionTimes{}, err
	}
	date := activity.DateKeyMillis(now, l.loc)
	rec, ok := data[date]
	if !ok {
		l.mu.Unlock()
		return activity.SessionTimes{}, nil
	}

	applyAccumulation(&rec, now, isIdle, idle.Milliseconds())
	data[date] = rec
	err = l.save(ctx, data)
	l.mu.Unlock()

	times := rec.Times()
	if err != nil {
		return times, err
	}

	setSessionGauges(times)
	l.publisher.Publish(ctx, times)
	return times, nil
}

func applyAccumulation(rec *activity.DayRecord, now int64, isIdle bool, idleMs int64) {
	if now < rec.LastUpdate {
		// Clock went backwards; only refresh the derived totals.
		recompute(rec, rec.LastUpdate)
		return
	}

	delta := now - rec.LastUpdate

	if !isIdle {
		rec.EffectiveTime += delta
		rec.ActiveThrough = now
	} else {
		idleStart := now - max(idleMs, 0)

		reclaimFrom := idleStart
		if login, ok := lastLogin(*rec); ok && login > reclaimFrom {
			reclaimFrom = login
		}
		if rec.ActiveThrough > reclaimFrom {
			rec.EffectiveTime -= rec.ActiveThrough - reclaimFrom
			rec.ActiveThrough = reclaimFrom
		}

		idlePortion := now - max(rec.LastUpdate, idleStart)
		idlePortion = min(max(idlePortion, 0), delta)
		rec.EffectiveTime += delta - idlePortion
		if delta-idlePortion > 0 {
			rec.ActiveThrough = rec.LastUpdate + (delta - idlePortion)
		}
	}

	rec.LastUpdate = now
	recompute(rec, now)
}

// recompute derives gross and idle time from effective time at now.
func recompute(rec *activity.DayRecord, now int64) {
	rec.GrossTime = max(now-rec.FirstLogin, 0)
	rec.EffectiveTime = min(max(rec.EffectiveTime, 0), rec.GrossTime)
	rec.IdleTime = rec.GrossTime - rec.EffectiveTime
}

func lastLogin(rec activity.DayRecord) (int64, bool) {
	for i := len(rec.Events) - 1; i >= 0; i-- {
		if rec.Events[i].Kind == activity.Login {
			return rec.Events[i].Timestamp, true
		}
	}
	return 0, false
}

// Today returns the session times for now's date without persisting. Time
// since the last update is counted as effective up to activeUntil and as
// idle from there to now. An activeUntil of zero leaves the stored totals.
func (l *Ledger) Today(ctx context.Context, now, activeUntil int64) activity.SessionTimes {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := l.view(ctx)
	rec, ok := data[activity.DateKeyMillis(now, l.loc)]
	if !ok {
		return activity.SessionTimes{}
	}
	if activeUntil > 0 {
		applyAccumulation(&rec, min(activeUntil, now), false, 0)
		if now > activeUntil {
			applyAccumulation(&rec, now, true, now-activeUntil)
		}
	}
	return rec.Times()
}

// Day returns a copy of the record for date.
func (l *Ledger) Day(ctx context.Context, date string) (activity.DayRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.view(ctx)[date]
	if !ok {
		return activity.DayRecord{}, false
	}
	return rec.Clone(), true
}

// ActivityData returns a deep copy of every stored day record.
func (l *Ledger) ActivityData(ctx context.Context) map[string]activity.DayRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := l.view(ctx)
	out := make(map[string]activity.DayRecord, len(data))
	for date, rec := range data {
		out[date] = rec.Clone()
	}
	return out
}

// Dates returns the stored dates in ascending order.
func (l *Ledger) Dates(ctx context.Context) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := l.view(ctx)
	dates := make([]string, 0, len(data))
	for date := range data {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

// Prune deletes records dated before cutoff (a DateLayout string) and
// returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for date := range data {
		if date < cutoff {
			delete(data, date)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.save(ctx, data); err != nil {
		return 0, err
	}

	l.logger.Info().
		Int("removed", removed).
		Str("cutoff_date", cutoff).
		Msg("Pruned old day records")
	return removed, nil
}

func setSessionGauges(times activity.SessionTimes) {
	metrics.SessionSeconds.WithLabelValues("gross").Set(float64(times.GrossTime) / 1000)
	metrics.SessionSeconds.WithLabelValues("effective").Set(float64(times.EffectiveTime) / 1000)
	metrics.SessionSeconds.WithLabelValues("idle").Set(float64(times.IdleTime) / 1000)
}
