package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	godbus "github.com/godbus/dbus/v5"
	presencedbus "github.com/goodtune/presenced/internal/dbus"
	"github.com/goodtune/presenced/internal/idle"
	"github.com/goodtune/presenced/internal/metrics"
	"github.com/goodtune/presenced/internal/notify"
	"github.com/goodtune/presenced/internal/storage/redis"
	"github.com/goodtune/presenced/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the presence agent",
	Long: `Run the presence agent: sample idle time, record presence events, publish
session times over D-Bus and Redis, and upload queued records on schedule.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting presenced")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Bus connections; either may be missing on a headless host
	sessionBus, err := godbus.ConnectSessionBus()
	if err != nil {
		logger.Warn().Err(err).Msg("Session bus unavailable")
	} else {
		defer sessionBus.Close()
	}
	systemBus, err := godbus.ConnectSystemBus()
	if err != nil {
		logger.Warn().Err(err).Msg("System bus unavailable")
	} else {
		defer systemBus.Close()
	}

	// Session-time publishers
	dbusService := presencedbus.NewService(logger)
	publishers := notify.Multi{notify.NewLog(logger)}
	if cfg.Notify.DBusEnabled && sessionBus != nil {
		publishers = append(publishers, dbusService)
	}
	if cfg.Notify.RedisEnabled {
		client, err := redis.NewClient(cfg.Notify.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis notifier unavailable, continuing without it")
		} else {
			pub := notify.NewRedisPublisher(client, cfg.Notify.RedisChannel, cfg.Sync.UserID, logger)
			defer func() {
				if err := pub.Close(); err != nil {
					logger.Error().Err(err).Msg("Failed to close redis notifier")
				}
			}()
			publishers = append(publishers, pub)
			logger.Info().
				Str("channel", cfg.Notify.RedisChannel).
				Msg("Redis notifier initialized")
		}
	}

	clock := quartz.NewReal()

	svc, err := openServices(cfg, publishers, clock, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Int("queued", svc.queue.Len(ctx)).
		Msg("Storage initialized")

	source, err := idle.Detect(ctx, cfg.Tracking.IdleSource, sessionBus, systemBus, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize idle source: %w", err)
	}

	monitor := idle.NewSignalMonitor(sessionBus, systemBus, logger)
	defer monitor.Close()

	a := newAgent(cfg, svc, source, monitor.C(), clock, logger)

	if sessionBus != nil {
		dbusService.Attach(a)
		dbusService.AttachTokens(svc.tokens)
		if err := dbusService.Export(sessionBus); err != nil {
			return fmt.Errorf("failed to export D-Bus service: %w", err)
		}
		logger.Info().Str("name", presencedbus.BusName).Msg("D-Bus service exported")
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled || sdListeners.Metrics != nil {
		metricsServer = metrics.NewServer(cfg.Metrics.Address, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}
	logger.Info().Msg("presenced startup complete")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return systemd.NewWatchdog(systemd.WatchdogInterval(), clock, logger).Run(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Background task failed")
	}

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	a.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("presenced stopped")
	return nil
}
