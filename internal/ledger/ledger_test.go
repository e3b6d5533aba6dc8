package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/securestore"
	"github.com/goodtune/presenced/internal/storage"
	"github.com/goodtune/presenced/internal/storage/bolt"
	"github.com/rs/zerolog"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

type recorder struct {
	got []activity.SessionTimes
}

func (r *recorder) Publish(_ context.Context, times activity.SessionTimes) {
	r.got = append(r.got, times)
}

func newTestLedger(t *testing.T) (*Ledger, *recorder, *securestore.Store) {
	t.Helper()

	backend, err := bolt.Open(filepath.Join(t.TempDir(), "presenced.bolt"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	store, err := securestore.New(backend, securestore.Config{Secret: []byte("test")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &recorder{}
	return New(store, rec, Config{Location: time.UTC}, zerolog.Nop()), rec, store
}

func mustRecord(t *testing.T, l *Ledger, kind activity.EventKind, ts int64) activity.DayRecord {
	t.Helper()
	rec, err := l.RecordEvent(context.Background(), kind, ts)
	if err != nil {
		t.Fatalf("record %s at %d: %v", kind, ts, err)
	}
	return rec
}

func mustAccumulate(t *testing.T, l *Ledger, now int64, isIdle bool, idle time.Duration) activity.SessionTimes {
	t.Helper()
	times, err := l.Accumulate(context.Background(), now, isIdle, idle)
	if err != nil {
		t.Fatalf("accumulate at %d: %v", now, err)
	}
	if times.GrossTime != times.EffectiveTime+times.IdleTime {
		t.Fatalf("gross %d != effective %d + idle %d", times.GrossTime, times.EffectiveTime, times.IdleTime)
	}
	return times
}

func TestRecordEventCreatesRecord(t *testing.T) {
	l, _, _ := newTestLedger(t)

	rec := mustRecord(t, l, activity.Login, base)
	if rec.Date != "2024-03-01" {
		t.Fatalf("expected date 2024-03-01, got %s", rec.Date)
	}
	if rec.FirstLogin != base {
		t.Fatalf("expected first login %d, got %d", base, rec.FirstLogin)
	}
	if len(rec.Events) != 1 || rec.Events[0].Kind != activity.Login {
		t.Fatalf("unexpected events %+v", rec.Events)
	}
}

func TestRecordEventEarlierLoginLowersFirstLogin(t *testing.T) {
	l, _, _ := newTestLedger(t)

	mustRecord(t, l, activity.Login, base)
	mustRecord(t, l, activity.Logout, base+1000)
	rec := mustRecord(t, l, activity.Login, base-60_000)

	if rec.FirstLogin != base-60_000 {
		t.Fatalf("expected first login lowered to %d, got %d", base-60_000, rec.FirstLogin)
	}
}

func TestRecordEventRejectsUnmatchedLogout(t *testing.T) {
	l, _, _ := newTestLedger(t)

	if _, err := l.RecordEvent(context.Background(), activity.Logout, base); !errors.Is(err, ErrUnmatchedLogout) {
		t.Fatalf("expected ErrUnmatchedLogout on empty day, got %v", err)
	}
	if _, ok := l.Day(context.Background(), "2024-03-01"); ok {
		t.Fatal("logout must not create a record")
	}

	mustRecord(t, l, activity.Login, base)
	mustRecord(t, l, activity.Logout, base+1000)
	if _, err := l.RecordEvent(context.Background(), activity.Logout, base+2000); !errors.Is(err, ErrUnmatchedLogout) {
		t.Fatalf("expected ErrUnmatchedLogout after logout, got %v", err)
	}

	rec, _ := l.Day(context.Background(), "2024-03-01")
	if err := rec.Validate(); err != nil {
		t.Fatalf("record invalid: %v", err)
	}
}

func TestRecordEventClosesDanglingLogin(t *testing.T) {
	l, _, _ := newTestLedger(t)

	mustRecord(t, l, activity.Login, base)
	mustAccumulate(t, l, base+60_000, false, 0)

	// Process restarted; new login an hour later.
	rec := mustRecord(t, l, activity.Login, base+3_600_000)

	if len(rec.Events) != 3 {
		t.Fatalf("expected login, logout, login; got %+v", rec.Events)
	}
	if rec.Events[1].Kind != activity.Logout || rec.Events[1].Timestamp != base+60_000 {
		t.Fatalf("expected dangling login closed at last update, got %+v", rec.Events[1])
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("record invalid: %v", err)
	}

	times := mustAccumulate(t, l, base+3_605_000, false, 0)
	if times.EffectiveTime != 65_000 {
		t.Fatalf("expected gap excluded from effective time, got %d", times.EffectiveTime)
	}
}

func TestAccumulateIdleBackdating(t *testing.T) {
	l, pub, _ := newTestLedger(t)

	mustRecord(t, l, activity.Login, base)
	mustAccumulate(t, l, base, false, 0)
	mustAccumulate(t, l, base+5_000, false, 0)

	mustRecord(t, l, activity.Logout, base+320_000)
	times := mustAccumulate(t, l, base+320_000, true, 310*time.Second)

	if times.EffectiveTime != 10_000 {
		t.Fatalf("expected effective 10000, got %d", times.EffectiveTime)
	}
	if times.IdleTime != 310_000 {
		t.Fatalf("expected idle 310000, got %d", times.IdleTime)
	}
	if len(pub.got) != 3 {
		t.Fatalf("expected 3 publications, got %d", len(pub.got))
	}
}

func TestAccumulateReclaimsLateDetectedIdle(t *testing.T) {
	l, _, _ := newTestLedger(t)

	mustRecord(t, l, activity.Login, base)
	// Input stops at +10s; samples keep reporting active until the
	// threshold is crossed.
	for ts := int64(5_000); ts <= 315_000; ts += 5_000 {
		mustAccumulate(t, l, base+ts, false, 0)
	}

	mustRecord(t, l, activity.Logout, base+320_000)
	times := mustAccumulate(t, l, base+320_000, true, 310*time.Second)
	if times.EffectiveTime != 10_000 || times.IdleTime != 310_000 {
		t.Fatalf("expected 10000/310000, got %d/%d", times.EffectiveTime, times.IdleTime)
	}

	// Remaining idle keeps growing idle time only.
	times = mustAccumulate(t, l, base+325_000, true, 315*time.Second)
	if times.EffectiveTime != 10_000 || times.IdleTime != 315_000 {
		t.Fatalf("expected 10000/315000, got %d/%d", times.EffectiveTime, times.IdleTime)
	}
}

func TestAccumulateInvariantOverSequence(t *testing.T) {
	l, _, _ := newTestLedger(t)

	type step struct {
		at     int64
		login  bool
		logout bool
		idle   bool
		idleMs int64
	}
	steps := []step{
		{at: 0, login: true},
		{at: 5_000},
		{at: 60_000},
		{at: 400_000, logout: true, idle: true, idleMs: 330_000},
		{at: 405_000, idle: true, idleMs: 335_000},
		{at: 500_000, login: true},
		{at: 505_000},
		{at: 900_000, logout: true, idle: true, idleMs: 301_000},
	}

	var last activity.SessionTimes
	for _, s := range steps {
		if s.login {
			mustRecord(t, l, activity.Login, base+s.at)
		}
		if s.logout {
			mustRecord(t, l, activity.Logout, base+s.at)
		}
		last = mustAccumulate(t, l, base+s.at, s.idle, time.Duration(s.idleMs)*time.Millisecond)
		if last.EffectiveTime > last.GrossTime || last.EffectiveTime < 0 {
			t.Fatalf("effective %d out of range at %d", last.EffectiveTime, s.at)
		}
	}

	// Effective: 0..70s, then 500s..599s.
	if last.EffectiveTime != 70_000+99_000 {
		t.Fatalf("expected effective 169000, got %d", last.EffectiveTime)
	}
	if last.GrossTime != 900_000 {
		t.Fatalf("expected gross 900000, got %d", last.GrossTime)
	}

	rec, _ := l.Day(context.Background(), "2024-03-01")
	if err := rec.Validate(); err != nil {
		t.Fatalf("record invalid: %v", err)
	}
}

func TestAccumulateWithoutRecordIsNoop(t *testing.T) {
	l, pub, _ := newTestLedger(t)

	times := mustAccumulate(t, l, base, true, time.Hour)
	if times != (activity.SessionTimes{}) {
		t.Fatalf("expected zero times, got %+v", times)
	}
	if len(pub.got) != 0 {
		t.Fatalf("expected no publications, got %d", len(pub.got))
	}
}

func TestDayRolloverUsesEventTimestamp(t *testing.T) {
	l, _, _ := newTestLedger(t)

	lateNight := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC).UnixMilli()
	mustRecord(t, l, activity.Login, lateNight)
	mustAccumulate(t, l, lateNight+30_000, false, 0)

	before, _ := l.Day(context.Background(), "2024-03-01")

	nextDay := time.Date(2024, 3, 2, 0, 0, 30, 0, time.UTC).UnixMilli()
	times := mustAccumulate(t, l, nextDay, false, 0)
	if times != (activity.SessionTimes{}) {
		t.Fatalf("expected no record for next day yet, got %+v", times)
	}

	after, _ := l.Day(context.Background(), "2024-03-01")
	if after.EffectiveTime != before.EffectiveTime || after.LastUpdate != before.LastUpdate {
		t.Fatalf("past record mutated: before %+v after %+v", before, after)
	}
}

func TestTodayCatchUpDoesNotPersist(t *testing.T) {
	l, _, _ := newTestLedger(t)

	mustRecord(t, l, activity.Login, base)
	mustAccumulate(t, l, base+5_000, false, 0)

	ctx := context.Background()
	snap := l.Today(ctx, base+65_000, base+65_000)
	if snap.EffectiveTime != 65_000 || snap.GrossTime != 65_000 {
		t.Fatalf("expected caught-up 65000/65000, got %+v", snap)
	}

	idleSnap := l.Today(ctx, base+65_000, 0)
	if idleSnap.EffectiveTime != 5_000 {
		t.Fatalf("expected stored effective 5000 when not active, got %d", idleSnap.EffectiveTime)
	}

	// Active through 10s, then an unsampled gap up to 2h.
	gapSnap := l.Today(ctx, base+7_200_000, base+10_000)
	if gapSnap.EffectiveTime != 10_000 || gapSnap.GrossTime != 7_200_000 {
		t.Fatalf("expected 10000 effective of 7200000 gross, got %+v", gapSnap)
	}
	if gapSnap.GrossTime != gapSnap.EffectiveTime+gapSnap.IdleTime {
		t.Fatalf("gross %d != effective %d + idle %d", gapSnap.GrossTime, gapSnap.EffectiveTime, gapSnap.IdleTime)
	}

	rec, _ := l.Day(ctx, "2024-03-01")
	if rec.LastUpdate != base+5_000 {
		t.Fatalf("Today must not persist, last update %d", rec.LastUpdate)
	}
}

func TestActivityDataIsDeepCopy(t *testing.T) {
	l, _, _ := newTestLedger(t)
	mustRecord(t, l, activity.Login, base)

	data := l.ActivityData(context.Background())
	rec := data["2024-03-01"]
	rec.Events[0].Timestamp = 1

	again := l.ActivityData(context.Background())
	if again["2024-03-01"].Events[0].Timestamp != base {
		t.Fatal("mutating returned data changed the ledger")
	}
}

func TestPrune(t *testing.T) {
	l, _, _ := newTestLedger(t)

	for _, day := range []int{1, 2, 3} {
		ts := time.Date(2024, 3, day, 9, 0, 0, 0, time.UTC).UnixMilli()
		mustRecord(t, l, activity.Login, ts)
	}

	removed, err := l.Prune(context.Background(), "2024-03-03")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	dates := l.Dates(context.Background())
	if len(dates) != 1 || dates[0] != "2024-03-03" {
		t.Fatalf("unexpected remaining dates %v", dates)
	}
}

func TestCorruptActivityDataReadsAsEmpty(t *testing.T) {
	l, _, store := newTestLedger(t)
	mustRecord(t, l, activity.Login, base)

	// Overwrite with a value of the wrong shape.
	if err := store.Set(context.Background(), StoreKey, []string{"not", "a", "map"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if data := l.ActivityData(context.Background()); len(data) != 0 {
		t.Fatalf("expected empty data after corruption, got %v", data)
	}
}

// flakyBackend fails the next failGets reads with a backend error.
type flakyBackend struct {
	storage.Store
	failGets int
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGets > 0 {
		f.failGets--
		return nil, errors.New("i/o timeout")
	}
	return f.Store.Get(ctx, key)
}

func TestReadFailureDoesNotOverwriteRecords(t *testing.T) {
	ctx := context.Background()
	backend, err := bolt.Open(filepath.Join(t.TempDir(), "presenced.bolt"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	flaky := &flakyBackend{Store: backend}
	t.Cleanup(func() { _ = flaky.Close() })

	newLedger := func() *Ledger {
		// A fresh store starts with a cold cache, so reads reach the backend.
		store, err := securestore.New(flaky, securestore.Config{Secret: []byte("test")}, zerolog.Nop())
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return New(store, nil, Config{Location: time.UTC}, zerolog.Nop())
	}

	mustRecord(t, newLedger(), activity.Login, base)

	l := newLedger()
	nextDay := base + 24*time.Hour.Milliseconds()
	flaky.failGets = 1
	if _, err := l.RecordEvent(ctx, activity.Login, nextDay); err == nil {
		t.Fatal("expected login to fail while the backend cannot be read")
	}
	flaky.failGets = 1
	if _, err := l.Accumulate(ctx, nextDay, false, 0); err == nil {
		t.Fatal("expected accumulate to fail while the backend cannot be read")
	}
	flaky.failGets = 1
	if _, err := l.Prune(ctx, "2024-04-01"); err == nil {
		t.Fatal("expected prune to fail while the backend cannot be read")
	}

	mustRecord(t, l, activity.Login, nextDay)
	dates := newLedger().Dates(ctx)
	if len(dates) != 2 || dates[0] != "2024-03-01" || dates[1] != "2024-03-02" {
		t.Fatalf("expected both days to survive, got %v", dates)
	}
}
