package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var todayJSON bool

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's gross, effective and idle time",
	Args:  cobra.NoArgs,
	RunE:  runToday,
}

func init() {
	todayCmd.Flags().BoolVar(&todayJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(todayCmd)
}

func runToday(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, b backend) error {
		times, err := b.Today(ctx)
		if err != nil {
			return fmt.Errorf("failed to read today's times: %w", err)
		}
		if todayJSON {
			return writeJSON(os.Stdout, times)
		}

		bold := color.New(color.Bold)
		_, _ = bold.Println("Today")
		fmt.Printf("  gross      %s\n", formatMillis(times.GrossTime))
		_, _ = color.New(color.FgGreen).Printf("  effective  %s\n", formatMillis(times.EffectiveTime))
		_, _ = color.New(color.FgYellow).Printf("  idle       %s\n", formatMillis(times.IdleTime))
		return nil
	})
}
