// Flowd is a daemon that executes generation tasks through a staged
// pipeline: intent classification, planning, optional context retrieval,
// test generation, artifact generation, validation and a bounded repair
// loop. Every completed stage is checkpointed so interrupted tasks resume
// without re-running finished work; progress streams to clients over SSE.
//
// Usage:
//
//	# Start the daemon with defaults
//	flowd
//
//	# Start with a config file
//	flowd serve --config /etc/flowd/config.yaml
//
//	# Configure via environment
//	FLOWD_SERVER_PORT=9000 FLOWD_BACKEND_PROVIDER=fake flowd
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the optional YAML config file location.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowd",
	Short: "Staged generation pipeline daemon",
	Long: `flowd runs generation tasks through a checkpointed multi-stage pipeline
and serves task submission, status, cancellation and event streaming over HTTP.

Running flowd with no subcommand starts the daemon.`,
	Version:       version,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("flowd %s\n", version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowd daemon",
	Long: `Start the flowd daemon.

Examples:
  # Defaults, in-memory checkpoints
  flowd serve

  # Durable checkpoints on disk
  FLOWD_CHECKPOINT_STORE=file FLOWD_CHECKPOINT_DIR=/var/lib/flowd flowd serve`,
	RunE: runServe,
}
