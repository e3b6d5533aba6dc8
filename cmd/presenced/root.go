package main

import (
	"fmt"
	"os"

	"github.com/goodtune/presenced/internal/config"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "presenced",
	Short: "presenced - desktop presence tracking agent",
	Long: `presenced samples desktop input idleness, turns it into login and logout
events, keeps per-day gross, effective and idle time in an encrypted local
store, and uploads finished records to a collector when one is reachable.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to the agent when no subcommand is provided
		return runAgent(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
