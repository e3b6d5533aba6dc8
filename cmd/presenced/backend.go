package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presenced/internal/activity"
	"github.com/goodtune/presenced/internal/agent"
	presencedbus "github.com/goodtune/presenced/internal/dbus"
	"github.com/goodtune/presenced/internal/idle"
	"github.com/goodtune/presenced/internal/notify"
	"github.com/rs/zerolog"
)

const commandTimeout = 2 * time.Minute

// backend serves the CLI commands, either through a running agent or
// directly against the store.
type backend interface {
	Today(ctx context.Context) (activity.SessionTimes, error)
	ActivityData(ctx context.Context) (map[string]activity.DayRecord, error)
	SyncNow(ctx context.Context, mode string) (presencedbus.SyncReply, error)
	LogTime(ctx context.Context, te activity.TimeEntry) error
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
	Close() error
}

var _ backend = (*presencedbus.Client)(nil)

// openBackend prefers the running agent and falls back to the store. The
// fallback fails while an agent holds the bolt lock.
func openBackend() (backend, zerolog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, logger, err
	}

	client, err := presencedbus.Dial()
	if err == nil {
		return client, logger, nil
	}
	logger.Debug().Err(err).Msg("No running agent, opening the store directly")

	clock := quartz.NewReal()
	svc, err := openServices(cfg, notify.Nop{}, clock, logger)
	if err != nil {
		return nil, logger, err
	}

	// The agent is never started; it only serves reads, syncs and entries.
	a := newAgent(cfg, svc, offlineSource, nil, clock, logger)
	return &offlineBackend{svc: svc, agent: a}, logger, nil
}

var offlineSource = idle.SourceFunc(func(context.Context) (time.Duration, error) {
	return 0, idle.ErrSourceUnavailable
})

type offlineBackend struct {
	svc   *services
	agent *agent.Agent
}

func (b *offlineBackend) Today(ctx context.Context) (activity.SessionTimes, error) {
	return b.agent.Today(ctx), nil
}

func (b *offlineBackend) ActivityData(ctx context.Context) (map[string]activity.DayRecord, error) {
	return b.agent.ActivityData(ctx), nil
}

func (b *offlineBackend) SyncNow(ctx context.Context, mode string) (presencedbus.SyncReply, error) {
	res, err := b.agent.SyncNow(ctx, mode)
	reply := presencedbus.SyncReply{
		Mode:      res.Mode,
		Attempted: res.Attempted,
		Uploaded:  res.Uploaded,
		Failed:    res.Failed,
		Remaining: res.Remaining,
	}
	if err != nil {
		return reply, fmt.Errorf("sync failed: %w", err)
	}
	return reply, nil
}

func (b *offlineBackend) LogTime(ctx context.Context, te activity.TimeEntry) error {
	return b.agent.LogTime(ctx, te)
}

func (b *offlineBackend) SetToken(ctx context.Context, token string) error {
	return b.svc.tokens.SetToken(ctx, token)
}

func (b *offlineBackend) ClearToken(ctx context.Context) error {
	return b.svc.tokens.Clear(ctx)
}

func (b *offlineBackend) Close() error {
	return b.svc.Close()
}

// withBackend runs fn against a backend with a bounded context.
func withBackend(fn func(ctx context.Context, b backend) error) error {
	b, logger, err := openBackend()
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close backend")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return fn(ctx, b)
}
