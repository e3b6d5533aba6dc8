package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/presenced/internal/activity"
	"github.com/spf13/cobra"
)

var (
	entryAt       string
	entryDuration time.Duration
	entryNote     string
)

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Log a manual block of work",
	Example: `  presenced entry --duration 1h30m --note "design review"
  presenced entry --at 2024-03-01T14:00 --duration 45m`,
	Args: cobra.NoArgs,
	RunE: runEntry,
}

func init() {
	entryCmd.Flags().StringVar(&entryAt, "at", "", "Start time (RFC 3339, YYYY-MM-DDTHH:MM or HH:MM); defaults to now minus duration")
	entryCmd.Flags().DurationVar(&entryDuration, "duration", 0, "Length of the block (required)")
	entryCmd.Flags().StringVar(&entryNote, "note", "", "Free-form note")
	_ = entryCmd.MarkFlagRequired("duration")
	rootCmd.AddCommand(entryCmd)
}

func runEntry(cmd *cobra.Command, args []string) error {
	if entryDuration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	now := time.Now()
	start := now.Add(-entryDuration)
	if entryAt != "" {
		start, err = parseEntryTime(entryAt, now, cfg.Tracking.Location())
		if err != nil {
			return err
		}
	}

	te := activity.TimeEntry{
		Timestamp: start.UnixMilli(),
		Duration:  entryDuration.Milliseconds(),
		Note:      entryNote,
	}

	return withBackend(func(ctx context.Context, b backend) error {
		if err := b.LogTime(ctx, te); err != nil {
			return fmt.Errorf("failed to queue time entry: %w", err)
		}
		fmt.Printf("Queued %s starting %s\n", formatMillis(te.Duration), start.Format(time.DateTime))
		return nil
	})
}
