package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/presenced/internal/activity"
	"github.com/spf13/cobra"
)

var (
	historyDays int
	historyDate string
	historyJSON bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored day records",
	Example: `  presenced history --days 14
  presenced history --date 2024-03-01`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyDays, "days", 7, "Number of most recent days to show (0 for all)")
	historyCmd.Flags().StringVar(&historyDate, "date", "", "Show one day with its events (YYYY-MM-DD)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyDate != "" {
		if _, err := time.Parse(activity.DateLayout, historyDate); err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
	}

	return withBackend(func(ctx context.Context, b backend) error {
		data, err := b.ActivityData(ctx)
		if err != nil {
			return fmt.Errorf("failed to read activity data: %w", err)
		}

		if historyDate != "" {
			rec, ok := data[historyDate]
			if !ok {
				return fmt.Errorf("no record for %s", historyDate)
			}
			if historyJSON {
				return writeJSON(os.Stdout, rec)
			}
			printDay(rec)
			return nil
		}

		dates := recentDates(data, historyDays)
		if historyJSON {
			out := make(map[string]activity.DayRecord, len(dates))
			for _, d := range dates {
				out[d] = data[d]
			}
			return writeJSON(os.Stdout, out)
		}

		if len(dates) == 0 {
			fmt.Println("No records")
			return nil
		}
		_, _ = color.New(color.Bold).Printf("%-12s %10s %10s %10s\n", "date", "gross", "effective", "idle")
		for _, d := range dates {
			rec := data[d]
			fmt.Printf("%-12s %10s %10s %10s\n", d,
				formatMillis(rec.GrossTime), formatMillis(rec.EffectiveTime), formatMillis(rec.IdleTime))
		}
		return nil
	})
}

// recentDates returns up to n dates, newest first. n <= 0 means all.
func recentDates(data map[string]activity.DayRecord, n int) []string {
	dates := make([]string, 0, len(data))
	for d := range data {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if n > 0 && len(dates) > n {
		dates = dates[:n]
	}
	return dates
}

func printDay(rec activity.DayRecord) {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Printf("[%s]\n", rec.Date)
	fmt.Printf("  first login  %s\n", time.UnixMilli(rec.FirstLogin).Format(time.TimeOnly))
	fmt.Printf("  gross        %s\n", formatMillis(rec.GrossTime))
	fmt.Printf("  effective    %s\n", formatMillis(rec.EffectiveTime))
	fmt.Printf("  idle         %s\n", formatMillis(rec.IdleTime))

	_, _ = cyan.Println("  events")
	for _, ev := range rec.Events {
		fmt.Printf("    %-7s %s\n", ev.Kind, time.UnixMilli(ev.Timestamp).Format(time.TimeOnly))
	}
}
