package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/auth"
	"github.com/goodtune/presenced/internal/idle"
	"github.com/goodtune/presenced/internal/ledger"
	"github.com/goodtune/presenced/internal/securestore"
	"github.com/goodtune/presenced/internal/storage/bolt"
	"github.com/goodtune/presenced/internal/syncqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type scriptedSource struct {
	mu   sync.Mutex
	idle time.Duration
	err  error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) IdleTime(context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle, s.err
}

func (s *scriptedSource) set(d time.Duration, err error) {
	s.mu.Lock()
	s.idle, s.err = d, err
	s.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	got []activity.SessionTimes
}

func (r *recorder) Publish(_ context.Context, times activity.SessionTimes) {
	r.mu.Lock()
	r.got = append(r.got, times)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fakeUploader struct {
	mu       sync.Mutex
	uploaded []syncqueue.Entry
}

func (f *fakeUploader) Upload(_ context.Context, e syncqueue.Entry) error {
	f.mu.Lock()
	f.uploaded = append(f.uploaded, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeUploader) UploadBatch(_ context.Context, entries []syncqueue.Entry) error {
	f.mu.Lock()
	f.uploaded = append(f.uploaded, entries...)
	f.mu.Unlock()
	return nil
}

type harness struct {
	agent    *Agent
	clock    *quartz.Mock
	source   *scriptedSource
	ledger   *ledger.Ledger
	queue    *syncqueue.Queue
	uploader *fakeUploader
	pub      *recorder
}

func newHarness(t *testing.T, token string, cfg Config, signals <-chan idle.Signal) *harness {
	t.Helper()

	backend, err := bolt.Open(filepath.Join(t.TempDir(), "agent.bolt"))
	require.NoError(t, err)
	store, err := securestore.New(backend, securestore.Config{Secret: []byte("test")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := quartz.NewMock(t)
	clock.Set(t0)

	h := &harness{
		clock:    clock,
		source:   &scriptedSource{},
		uploader: &fakeUploader{},
		pub:      &recorder{},
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 5 * time.Minute
	}
	h.ledger = ledger.New(store, h.pub, ledger.Config{Location: cfg.Location}, zerolog.Nop())
	h.queue = syncqueue.New(store, h.uploader, auth.StaticTokenSource(token), syncqueue.Config{}, clock, zerolog.Nop())
	h.agent = New(h.source, h.ledger, h.queue, signals, clock, cfg, zerolog.Nop())
	return h
}

func (h *harness) tickAt(t *testing.T, at time.Time, idleFor time.Duration) {
	t.Helper()
	h.clock.Set(at)
	h.source.set(idleFor, nil)
	require.NoError(t, h.agent.Tick(context.Background()))
}

func (h *harness) day(t *testing.T, date string) activity.DayRecord {
	t.Helper()
	rec, ok := h.ledger.Day(context.Background(), date)
	require.True(t, ok, "expected record for %s", date)
	return rec
}

func kinds(rec activity.DayRecord) []activity.EventKind {
	out := make([]activity.EventKind, len(rec.Events))
	for i, ev := range rec.Events {
		out[i] = ev.Kind
	}
	return out
}

func TestBackdatedIdleScenario(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)

	h.tickAt(t, t0, 0)
	h.tickAt(t, t0.Add(5*time.Second), 0)
	h.tickAt(t, t0.Add(320*time.Second), 310*time.Second)

	rec := h.day(t, "2024-03-01")
	assert.Equal(t, []activity.EventKind{activity.Login, activity.Logout}, kinds(rec))
	assert.Equal(t, int64(10_000), rec.EffectiveTime)
	assert.Equal(t, int64(310_000), rec.IdleTime)
	assert.Equal(t, rec.GrossTime, rec.EffectiveTime+rec.IdleTime)
}

func TestContinuousIdleLogsOutOnce(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)

	h.tickAt(t, t0, 0)
	for i := 1; i <= 120; i++ {
		offset := time.Duration(i) * 5 * time.Second
		h.tickAt(t, t0.Add(offset), offset)
	}

	rec := h.day(t, "2024-03-01")
	assert.Equal(t, []activity.EventKind{activity.Login, activity.Logout}, kinds(rec))
}

func TestSourceErrorKeepsState(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	h.tickAt(t, t0, 0)

	h.clock.Set(t0.Add(5 * time.Second))
	h.source.set(0, errors.New("bus gone"))
	err := h.agent.Tick(context.Background())
	require.ErrorIs(t, err, idle.ErrSourceUnavailable)

	assert.True(t, h.agent.machine.IsActive())
	assert.Len(t, h.day(t, "2024-03-01").Events, 1)
}

func TestBroadcastAccumulatesAndPublishes(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	h.tickAt(t, t0, 0)
	before := h.pub.count()

	h.clock.Set(t0.Add(5 * time.Second))
	h.agent.Broadcast(context.Background())

	assert.Equal(t, before+1, h.pub.count())
	today := h.agent.Today(context.Background())
	assert.Equal(t, int64(5_000), today.EffectiveTime)
	assert.Equal(t, int64(5_000), today.GrossTime)
}

func TestBroadcastWhileIdleCountsIdle(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	h.tickAt(t, t0, 0)
	h.tickAt(t, t0.Add(6*time.Minute), 6*time.Minute)

	h.clock.Set(t0.Add(7 * time.Minute))
	h.agent.Broadcast(context.Background())

	rec := h.day(t, "2024-03-01")
	assert.Equal(t, int64(0), rec.EffectiveTime)
	assert.Equal(t, int64(7*60_000), rec.IdleTime)
}

func TestIdleCoveringGapIsNotAClockJump(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)

	h.tickAt(t, t0, 0)
	// Samples were missed but the idle counter covers the gap.
	h.tickAt(t, t0.Add(2*time.Minute), 110*time.Second)

	rec := h.day(t, "2024-03-01")
	assert.Equal(t, []activity.EventKind{activity.Login}, kinds(rec))
	assert.True(t, h.agent.machine.IsActive())
}

func TestClockJumpEndsSessionAtLastSample(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)

	h.tickAt(t, t0, 0)
	h.tickAt(t, t0.Add(5*time.Second), 0)
	// Suspended for two hours; input on wake.
	h.tickAt(t, t0.Add(2*time.Hour), 0)

	rec := h.day(t, "2024-03-01")
	require.Equal(t, []activity.EventKind{activity.Login, activity.Logout, activity.Login}, kinds(rec))
	assert.Equal(t, t0.Add(5*time.Second).UnixMilli(), rec.Events[1].Timestamp)
	assert.Equal(t, int64(5_000), rec.EffectiveTime)
	assert.Equal(t, (2 * time.Hour).Milliseconds(), rec.GrossTime)
	assert.True(t, h.agent.machine.IsActive())
}

func TestBroadcastAfterResumeCreditsNoSuspendTime(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	ctx := context.Background()

	h.tickAt(t, t0, 0)
	h.tickAt(t, t0.Add(5*time.Second), 0)

	// The broadcast ticker fires before the sampler after a two-hour suspend.
	h.clock.Set(t0.Add(2 * time.Hour))
	h.agent.Broadcast(ctx)
	today := h.agent.Today(ctx)
	assert.Equal(t, int64(5_000), today.EffectiveTime, "no catch-up across an unsampled gap")

	h.tickAt(t, t0.Add(2*time.Hour), 0)

	rec := h.day(t, "2024-03-01")
	require.Equal(t, []activity.EventKind{activity.Login, activity.Logout, activity.Login}, kinds(rec))
	assert.Equal(t, t0.Add(5*time.Second).UnixMilli(), rec.Events[1].Timestamp)
	assert.Equal(t, int64(5_000), rec.EffectiveTime)
	assert.Equal(t, (2 * time.Hour).Milliseconds(), rec.GrossTime)
	assert.Equal(t, rec.GrossTime-rec.EffectiveTime, rec.IdleTime)

	// Broadcasting resumes once a fresh sample is in.
	h.clock.Set(t0.Add(2*time.Hour + 5*time.Second))
	h.agent.Broadcast(ctx)
	assert.Equal(t, int64(10_000), h.day(t, "2024-03-01").EffectiveTime)
}

func TestMidnightSplitsActiveSession(t *testing.T) {
	h := newHarness(t, "tok", Config{RetentionDays: 30}, nil)

	late := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	h.tickAt(t, late, 0)
	h.tickAt(t, late.Add(30*time.Second), 0)
	h.tickAt(t, late.Add(55*time.Second), 0)
	h.tickAt(t, late.Add(62*time.Second), 0)

	prev := h.day(t, "2024-03-01")
	require.Equal(t, []activity.EventKind{activity.Login, activity.Logout}, kinds(prev))
	midnight := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight.UnixMilli()-1, prev.Events[1].Timestamp)
	assert.Equal(t, int64(59_999), prev.EffectiveTime)

	next := h.day(t, "2024-03-02")
	require.Equal(t, []activity.EventKind{activity.Login}, kinds(next))
	assert.Equal(t, midnight.UnixMilli(), next.FirstLogin)
	first, ok := h.agent.machine.FirstLogin("2024-03-02")
	assert.True(t, ok)
	assert.True(t, first.Equal(midnight))

	pending := h.queue.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "2024-03-01", pending[0].Day.Date)
}

func TestRolloverIsIdempotent(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	h.tickAt(t, time.Date(2024, 3, 1, 23, 59, 40, 0, time.UTC), 0)

	midnight := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	h.clock.Set(midnight)
	h.agent.Rollover(context.Background(), midnight)
	h.agent.Rollover(context.Background(), midnight)
	h.tickAt(t, midnight.Add(5*time.Second), 0)

	assert.Len(t, h.queue.Pending(context.Background()), 1)
	assert.Len(t, h.day(t, "2024-03-02").Events, 1)
	assert.Equal(t, int64(19_999), h.day(t, "2024-03-01").EffectiveTime)
}

func TestSyncNowQueuesTodayAndDrains(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	h.tickAt(t, t0, 0)

	res, err := h.agent.SyncNow(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, syncqueue.ModeStopOnError, res.Mode)
	assert.Equal(t, 1, res.Uploaded)
	assert.Zero(t, h.queue.Len(context.Background()))
	require.Len(t, h.uploader.uploaded, 1)
	assert.Equal(t, "2024-03-01", h.uploader.uploaded[0].Day.Date)
}

func TestSyncNowWithoutTokenKeepsSnapshot(t *testing.T) {
	h := newHarness(t, "", Config{}, nil)
	h.tickAt(t, t0, 0)

	_, err := h.agent.SyncNow(context.Background(), syncqueue.ModeBatched)
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	assert.Equal(t, 1, h.queue.Len(context.Background()))
	assert.Empty(t, h.uploader.uploaded)
}

func TestEnqueueForSyncAndLogTime(t *testing.T) {
	h := newHarness(t, "tok", Config{}, nil)
	ctx := context.Background()

	rec := activity.DayRecord{Date: "2024-02-28", FirstLogin: 1}
	require.NoError(t, h.agent.EnqueueForSync(ctx, rec))
	require.NoError(t, h.agent.LogTime(ctx, activity.TimeEntry{Timestamp: t0.UnixMilli(), Duration: 60_000}))

	res, err := h.agent.DrainQueueBatched(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)

	_, err = h.agent.DrainQueueStopOnError(ctx)
	require.NoError(t, err)
}

func TestStartSamplesOnSignalAndStops(t *testing.T) {
	signals := make(chan idle.Signal, 1)
	h := newHarness(t, "tok", Config{}, signals)
	h.source.set(time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.agent.Start(ctx))
	require.Error(t, h.agent.Start(ctx), "second start must fail")

	_, ok := h.ledger.Day(ctx, "2024-03-01")
	require.False(t, ok, "idle at start must not log in")

	h.source.set(0, nil)
	signals <- idle.SignalUnlock

	require.Eventually(t, func() bool {
		_, ok := h.ledger.Day(context.Background(), "2024-03-01")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	h.agent.Stop()
	h.agent.Stop()
}
