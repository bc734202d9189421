package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nightwatchci/nightwatch/cmd/nightwatch/commands"
	"github.com/nightwatchci/nightwatch/logger"
)

var rootCmd = &cobra.Command{
	Use:   "nightwatch",
	Short: "nightwatch - self-hosted nightly CI pipeline runner",
	Long: `nightwatch runs build and test pipelines on a nightly schedule.

Pipelines check out a git repository, restore a dependency cache keyed on
lockfile contents, and run their steps in order. When a pipeline comes due
while an earlier run is still in flight, the stale run is superseded.

Available commands:
  daemon   - Run the scheduler and worker pool
  pipeline - Manage pipelines (add, ls, pause, trigger, ...)
  run      - Inspect runs and step results
  db       - Manage the database

Examples:
  nightwatch pipeline add api --repo https://github.com/acme/api \
    --step "make deps" --step "make test"
  nightwatch daemon start --serve   # Run the daemon with live status
  nightwatch run ls                 # Recent runs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")

		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.PipelineCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
