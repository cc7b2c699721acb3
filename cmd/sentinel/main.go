// Package main provides the CLI entry point for the Sentinel agent runtime.
//
// Sentinel is a durable autonomous agent: a websocket gateway feeds user
// chats into the agent loop while the scheduler, goal runner, mind, and
// swarm supervisor keep working in the background, all sharing one SQLite
// substrate.
//
// # Basic Usage
//
// Start the runtime:
//
//	sentinel serve --config sentinel.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: API key used when llm.api_key is not configured
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Sentinel - durable autonomous agent runtime",
		Long: `Sentinel runs an LLM agent loop behind a websocket gateway, with a
durable task scheduler, a long-horizon goal runner, an autonomous mind,
and a supervisor for external coding agents in git worktrees.

State lives in a single SQLite database; a restart resumes where the
previous process left off.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
	)
	return rootCmd
}
