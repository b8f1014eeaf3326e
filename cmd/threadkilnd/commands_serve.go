package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command, which wires the kernel loop,
// the native channel registry, and the WASM-sandboxed webhook router into
// one running gateway process.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the threadkilnd gateway",
		Long: `Start the threadkilnd gateway: loads configuration, wires the
agentic loop to every configured channel (native adapters and
WASM-sandboxed webhook channels), and serves the webhook HTTP surface
until interrupted.`,
		Example: `  # Start with default config
  threadkilnd serve

  # Start with a specific config and debug logging
  threadkilnd serve --config ./threadkiln.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "threadkiln.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Doctor Command
// =============================================================================

func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "threadkiln.yaml", "Path to YAML configuration file")
	return cmd
}
