package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presenced/internal/agent"
	"github.com/goodtune/presenced/internal/auth"
	"github.com/goodtune/presenced/internal/collector"
	"github.com/goodtune/presenced/internal/config"
	"github.com/goodtune/presenced/internal/idle"
	"github.com/goodtune/presenced/internal/ledger"
	"github.com/goodtune/presenced/internal/notify"
	"github.com/goodtune/presenced/internal/securestore"
	"github.com/goodtune/presenced/internal/storage"
	"github.com/goodtune/presenced/internal/storage/bolt"
	"github.com/goodtune/presenced/internal/storage/redis"
	"github.com/goodtune/presenced/internal/syncqueue"
	"github.com/rs/zerolog"
)

// setupLogger configures the logger based on configuration. Logs go to
// stderr so command output on stdout stays clean.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// loadConfig loads the configuration and builds the logger for it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, setupLogger(cfg.Logging), nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	case "", "bolt":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
}

// services bundles the encrypted store and the components persisting
// through it.
type services struct {
	store  *securestore.Store
	tokens *auth.StoreTokenSource
	ledger *ledger.Ledger
	queue  *syncqueue.Queue
}

func openServices(cfg *config.Config, publisher notify.Notifier, clock quartz.Clock, logger zerolog.Logger) (*services, error) {
	backend, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	store, err := securestore.New(backend, securestore.Config{
		Secret:    []byte(cfg.Encryption.Secret),
		CacheSize: cfg.Encryption.CacheSize,
	}, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to initialize encrypted store: %w", err)
	}

	tokens := auth.NewStoreTokenSource(store)
	loc := cfg.Tracking.Location()

	uploader, err := newUploader(cfg.Sync, tokens, loc, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	queue := syncqueue.New(store, uploader, tokens, syncqueue.Config{
		BatchSize:     cfg.Sync.BatchSize,
		RetryDelay:    parseDuration(cfg.Sync.RetryDelay, syncqueue.DefaultRetryDelay),
		BatchAttempts: cfg.Sync.BatchAttempts,
	}, clock, logger)

	return &services{
		store:  store,
		tokens: tokens,
		ledger: ledger.New(store, publisher, ledger.Config{Location: loc}, logger),
		queue:  queue,
	}, nil
}

func (s *services) Close() error {
	return s.store.Close()
}

var errCollectorDisabled = collectorDisabledError{}

type collectorDisabledError struct{}

func (collectorDisabledError) Error() string { return "sync.collector_url is not configured" }

// Temporary reports false so queued entries are not retried.
func (collectorDisabledError) Temporary() bool { return false }

// disabledUploader keeps entries queued when no collector is configured.
type disabledUploader struct{}

func (disabledUploader) Upload(context.Context, syncqueue.Entry) error { return errCollectorDisabled }

func (disabledUploader) UploadBatch(context.Context, []syncqueue.Entry) error {
	return errCollectorDisabled
}

func newUploader(cfg config.SyncConfig, tokens auth.TokenSource, loc *time.Location, logger zerolog.Logger) (syncqueue.Uploader, error) {
	if cfg.CollectorURL == "" {
		logger.Warn().Msg("No collector configured, records stay queued")
		return disabledUploader{}, nil
	}

	client, err := collector.New(cfg.CollectorURL, cfg.UserID, tokens, logger,
		collector.WithLocation(loc),
		collector.WithHTTPClient(&http.Client{
			Timeout: parseDuration(cfg.RequestTimeout, collector.DefaultTimeout),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize collector client: %w", err)
	}
	return client, nil
}

func newAgent(cfg *config.Config, svc *services, source idle.Source, signals <-chan idle.Signal, clock quartz.Clock, logger zerolog.Logger) *agent.Agent {
	return agent.New(source, svc.ledger, svc.queue, signals, clock, agent.Config{
		IdleThreshold:          parseDuration(cfg.Tracking.IdleThreshold, 5*time.Minute),
		SampleInterval:         parseDuration(cfg.Tracking.SampleInterval, agent.DefaultSampleInterval),
		BroadcastInterval:      parseDuration(cfg.Tracking.BroadcastInterval, agent.DefaultBroadcastInterval),
		SyncInterval:           parseDuration(cfg.Sync.Interval, agent.DefaultSyncInterval),
		WallClockJumpThreshold: parseDuration(cfg.Tracking.WallClockJumpThreshold, agent.DefaultJumpThreshold),
		RetentionDays:          cfg.Tracking.RetentionDays,
		SyncOnStart:            cfg.Sync.SyncOnStart,
		Location:               cfg.Tracking.Location(),
	}, logger)
}
