package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the collector token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [TOKEN]",
	Short: "Store a pre-issued collector token",
	Long:  `Store a pre-issued collector token. With no argument the token is read from the first line of stdin.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTokenSet,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored collector token",
	Args:  cobra.NoArgs,
	RunE:  runTokenClear,
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd, tokenClearCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenSet(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read token from stdin: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	return withBackend(func(ctx context.Context, b backend) error {
		if err := b.SetToken(ctx, token); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Token stored")
		return nil
	})
}

func runTokenClear(cmd *cobra.Command, args []string) error {
	return withBackend(func(ctx context.Context, b backend) error {
		if err := b.ClearToken(ctx); err != nil {
			return fmt.Errorf("failed to clear token: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Token cleared")
		return nil
	})
}
