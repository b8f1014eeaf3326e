// Package main provides the CLI entry point for threadkilnd, the multi-
// channel agent gateway this module implements.
//
// threadkilnd routes inbound messages from registered channels (native
// adapters and WASM-sandboxed webhook channels alike) through the agentic
// loop and back out, enforcing per-thread/session concurrency, the
// dedup+ACK webhook protocol, and the WASM capability sandbox along the
// way.
//
// # Basic Usage
//
// Start the gateway:
//
//	threadkilnd serve --config threadkiln.yaml
//
// Check configuration and environment:
//
//	threadkilnd doctor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadkilnd",
		Short: "threadkilnd - WASM-sandboxed multi-channel agent gateway",
		Long: `threadkilnd connects messaging channels (native adapters and
WASM-sandboxed webhook channels) to an LLM provider through a single
agentic loop, with capability-limited sandboxed tool and channel modules.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}
