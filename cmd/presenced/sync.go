package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/presenced/internal/syncqueue"
	"github.com/spf13/cobra"
)

var syncMode string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Queue today's record and upload the queue now",
	Long: `Queue a snapshot of today's record and drain the offline queue. The default
stop_on_error mode stops at the first failure; batched skips failures and
retries each batch.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", syncqueue.ModeStopOnError, "Drain mode: stop_on_error or batched")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	switch syncMode {
	case syncqueue.ModeStopOnError, syncqueue.ModeBatched:
	default:
		return fmt.Errorf("unknown sync mode %q", syncMode)
	}

	return withBackend(func(ctx context.Context, b backend) error {
		reply, err := b.SyncNow(ctx, syncMode)
		if err != nil {
			// Both backends already prefix the reason with "sync failed: ".
			return err
		}

		out := color.New(color.FgGreen)
		if reply.Remaining > 0 {
			out = color.New(color.FgYellow)
		}
		_, _ = out.Printf("Uploaded %d of %d queued item(s), %d remaining\n",
			reply.Uploaded, reply.Attempted, reply.Remaining)
		return nil
	})
}
