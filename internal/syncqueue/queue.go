// Package syncqueue holds snapshots awaiting upload to the collector in an
// encrypted FIFO and drains them with at-least-once delivery.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/goodtune/presenced/internal/auth"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/securestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StoreKey is the encrypted-store key holding the queue.
const StoreKey = "syncQueue"

// Drain modes, also used as metric labels.
const (
	ModeStopOnError = "stop_on_error"
	ModeBatched     = "batched"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize     = 10
	DefaultRetryDelay    = 30 * time.Second
	DefaultBatchAttempts = 2
)

// Uploader delivers entries to the collector. A nil error acknowledges
// every entry passed in.
type Uploader interface {
	Upload(ctx context.Context, e Entry) error
	UploadBatch(ctx context.Context, entries []Entry) error
}

// Config holds queue configuration
type Config struct {
	BatchSize     int
	RetryDelay    time.Duration
	BatchAttempts int
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Mode      string
	Attempted int
	Uploaded  int
	Failed    int
	Remaining int
}

// Queue is the durable upload queue. mu guards the persisted key; drainMu
// keeps drains from overlapping. Uploads run with mu released.
type Queue struct {
	store    *securestore.Store
	uploader Uploader
	tokens   auth.TokenSource
	clock    quartz.Clock
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	drainMu sync.Mutex
}

// New creates a queue.
func New(store *securestore.Store, uploader Uploader, tokens auth.TokenSource, cfg Config, clock quartz.Clock, logger zerolog.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BatchAttempts <= 0 {
		cfg.BatchAttempts = DefaultBatchAttempts
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Queue{
		store:    store,
		uploader: uploader,
		tokens:   tokens,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With().Str("component", "syncqueue").Logger(),
	}
}

// load reads the queue. Missing or corrupt data reads as empty; a backend
// failure is returned and must abort any read-modify-write.
func (q *Queue) load(ctx context.Context) ([]Entry, error) {
	entries, err := securestore.Lookup(ctx, q.store, StoreKey, []Entry(nil))
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	return entries, nil
}

func (q *Queue) save(ctx context.Context, entries []Entry) error {
	if err := q.store.Set(ctx, StoreKey, entries); err != nil {
		return fmt.Errorf("persist sync queue: %w", err)
	}
	metrics.QueueDepth.Set(float64(len(entries)))
	return nil
}

// Enqueue appends a copy of e. Equal entries are not deduplicated; an entry
// without an ID, or whose ID is already queued, is given a fresh one so
// each queued item is acknowledged on its own.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if e.Day == nil && e.TimeEntry == nil {
		return errors.New("entry has no payload")
	}
	if e.EnqueuedAt == 0 {
		e.EnqueuedAt = q.clock.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	if e.ID == "" || containsID(entries, e.ID) {
		e.ID = uuid.NewString()
	}

	entries = append(entries, e.Clone())
	if err := q.save(ctx, entries); err != nil {
		return err
	}

	q.logger.Debug().
		Str("id", e.ID).
		Str("kind", string(e.Kind)).
		Int("depth", len(entries)).
		Msg("Enqueued entry")
	return nil
}

func containsID(entries []Entry, id string) bool {
	for _, e := range entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) snapshot(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out, nil
}

// Pending returns copies of the queued entries in FIFO order. A read
// failure is logged and reads as an empty queue.
func (q *Queue) Pending(ctx context.Context) []Entry {
	entries, err := q.snapshot(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to read sync queue")
	}
	return entries
}

// Len returns the queue depth.
func (q *Queue) Len(ctx context.Context) int {
	return len(q.Pending(ctx))
}

// settle records the outcome of an upload attempt: acknowledged IDs are
// removed, failed IDs get their attempt counter bumped. Entries enqueued
// during the upload are untouched. It returns the new depth.
func (q *Queue) settle(ctx context.Context, acked []Entry, failed []Entry, cause error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ackIDs := make(map[string]struct{}, len(acked))
	for _, e := range acked {
		ackIDs[e.ID] = struct{}{}
	}
	failIDs := make(map[string]struct{}, len(failed))
	for _, e := range failed {
		failIDs[e.ID] = struct{}{}
	}

	entries, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if _, ok := ackIDs[e.ID]; ok {
			continue
		}
		if _, ok := failIDs[e.ID]; ok {
			e.Attempts++
			if cause != nil {
				e.LastError = cause.Error()
			}
		}
		kept = append(kept, e)
	}

	if err := q.save(ctx, kept); err != nil {
		return len(entries), err
	}
	return len(kept), nil
}

func (q *Queue) checkAuth(ctx context.Context) error {
	if q.tokens == nil {
		return auth.ErrNotAuthenticated
	}
	if _, err := q.tokens.Token(ctx); err != nil {
		return err
	}
	return nil
}

// DrainStopOnError uploads entries one at a time in FIFO order, removing
// each on acknowledgement, and stops at the first failure. Remaining
// entries keep their order.
func (q *Queue) DrainStopOnError(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	res := DrainResult{Mode: ModeStopOnError}
	if err := q.checkAuth(ctx); err != nil {
		res.Remaining = q.Len(ctx)
		return res, err
	}

	pending, err := q.snapshot(ctx)
	if err != nil {
		return res, err
	}
	res.Remaining = len(pending)

	for _, e := range pending {
		res.Attempted++
		err := q.uploader.Upload(ctx, e)
		if err == nil {
			remaining, serr := q.settle(ctx, []Entry{e}, nil, nil)
			res.Remaining = remaining
			if serr != nil {
				return res, serr
			}
			res.Uploaded++
			metrics.SyncItemsTotal.WithLabelValues(ModeStopOnError, "uploaded").Inc()
			continue
		}

		res.Failed++
		metrics.SyncItemsTotal.WithLabelValues(ModeStopOnError, "failed").Inc()
		remaining, serr := q.settle(ctx, nil, []Entry{e}, err)
		res.Remaining = remaining
		if serr != nil {
			q.logger.Error().Err(serr).Msg("Failed to persist queue after upload failure")
		}
		if !Retryable(err) && !errors.Is(err, auth.ErrNotAuthenticated) {
			// The collector rejected the entry outright. It stays at the
			// head and halts every stop-on-error drain until accepted;
			// batched drains skip past it.
			q.logger.Error().
				Err(err).
				Str("id", e.ID).
				Str("date", e.Date(time.Local)).
				Int("attempts", e.Attempts+1).
				Int("remaining", res.Remaining).
				Msg("Collector rejected queue head, drain is blocked on it")
			return res, err
		}
		q.logger.Warn().
			Err(err).
			Str("id", e.ID).
			Int("remaining", res.Remaining).
			Msg("Upload failed, stopping drain")
		return res, err
	}

	q.logDrain(res)
	return res, nil
}

// DrainBatched uploads consecutive day entries in batches of BatchSize and
// time entries on their own. A failing group is retried after RetryDelay
// up to BatchAttempts in total, then left queued while later groups
// continue. Authentication failures end the drain.
func (q *Queue) DrainBatched(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	res := DrainResult{Mode: ModeBatched}
	if err := q.checkAuth(ctx); err != nil {
		res.Remaining = q.Len(ctx)
		return res, err
	}

	pending, err := q.snapshot(ctx)
	if err != nil {
		return res, err
	}
	res.Remaining = len(pending)

	var failures []error
	for _, group := range q.groups(pending) {
		res.Attempted += len(group)

		err := q.uploadWithRetry(ctx, group)
		if err == nil {
			remaining, serr := q.settle(ctx, group, nil, nil)
			res.Remaining = remaining
			if serr != nil {
				return res, serr
			}
			res.Uploaded += len(group)
			metrics.SyncItemsTotal.WithLabelValues(ModeBatched, "uploaded").Add(float64(len(group)))
			continue
		}

		res.Failed += len(group)
		metrics.SyncItemsTotal.WithLabelValues(ModeBatched, "failed").Add(float64(len(group)))
		remaining, serr := q.settle(ctx, nil, group, err)
		res.Remaining = remaining
		if serr != nil {
			q.logger.Error().Err(serr).Msg("Failed to persist queue after batch failure")
		}

		if errors.Is(err, auth.ErrNotAuthenticated) || ctx.Err() != nil {
			return res, err
		}
		q.logger.Warn().
			Err(err).
			Int("batch_size", len(group)).
			Msg("Batch failed after retries, skipping")
		failures = append(failures, err)
	}

	q.logDrain(res)
	return res, errors.Join(failures...)
}

func (q *Queue) groups(entries []Entry) [][]Entry {
	var out [][]Entry
	var days []Entry
	flush := func() {
		if len(days) > 0 {
			out = append(out, days)
			days = nil
		}
	}
	for _, e := range entries {
		if e.Kind != KindDay {
			flush()
			out = append(out, []Entry{e})
			continue
		}
		days = append(days, e)
		if len(days) == q.cfg.BatchSize {
			flush()
		}
	}
	flush()
	return out
}

func (q *Queue) uploadWithRetry(ctx context.Context, group []Entry) error {
	op := func() error {
		var err error
		if len(group) == 1 && group[0].Kind != KindDay {
			err = q.uploader.Upload(ctx, group[0])
		} else {
			err = q.uploader.UploadBatch(ctx, group)
		}
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(q.cfg.RetryDelay), uint64(q.cfg.BatchAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		q.logger.Info().Err(err).Dur("retry_in", wait).Int("batch_size", len(group)).Msg("Retrying batch")
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (q *Queue) logDrain(res DrainResult) {
	q.logger.Info().
		Str("mode", res.Mode).
		Int("attempted", res.Attempted).
		Int("uploaded", res.Uploaded).
		Int("failed", res.Failed).
		Int("remaining", res.Remaining).
		Msg("Drain finished")
}

// Retryable reports whether an upload error is worth retrying. Errors that
// implement Temporary() bool decide for themselves; authentication
// failures never retry; anything else is treated as transient.
func Retryable(err error) bool {
	if errors.Is(err, auth.ErrNotAuthenticated) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}
