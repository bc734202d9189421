package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nightwatchci/nightwatch/queue"
)

// DbCmd manages the nightwatch database.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the nightwatch database",
	Long: `Manage database operations.

Examples:
  nightwatch db migrate   # Apply pending schema migrations
  nightwatch db stats     # Show pipeline, run, and job counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cfg, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("Database %s migrated\n", cfg.GetDatabasePath())
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	var activePipelines, pausedPipelines int
	err = database.QueryRow(`
		SELECT
			COUNT(CASE WHEN state = 'active' THEN 1 END),
			COUNT(CASE WHEN state = 'paused' THEN 1 END)
		FROM pipelines
	`).Scan(&activePipelines, &pausedPipelines)
	if err != nil {
		return fmt.Errorf("failed to query pipeline stats: %w", err)
	}

	var totalRuns, succeededRuns, failedRuns, cancelledRuns int
	err = database.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'succeeded' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'cancelled' THEN 1 END)
		FROM runs
	`).Scan(&totalRuns, &succeededRuns, &failedRuns, &cancelledRuns)
	if err != nil {
		return fmt.Errorf("failed to query run stats: %w", err)
	}

	stats, err := queue.NewQueue(database).GetStats()
	if err != nil {
		return fmt.Errorf("failed to query job stats: %w", err)
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:   %s\n", cfg.GetDatabasePath())
	fmt.Println()
	fmt.Printf("Pipelines:\n")
	fmt.Printf("  Active:    %d\n", activePipelines)
	fmt.Printf("  Paused:    %d\n", pausedPipelines)
	fmt.Println()
	fmt.Printf("Runs:\n")
	fmt.Printf("  Total:     %d\n", totalRuns)
	fmt.Printf("  Succeeded: %d\n", succeededRuns)
	fmt.Printf("  Failed:    %d\n", failedRuns)
	fmt.Printf("  Cancelled: %d\n", cancelledRuns)
	fmt.Println()
	fmt.Printf("Jobs:\n")
	fmt.Printf("  Queued:    %d\n", stats.Queued)
	fmt.Printf("  Running:   %d\n", stats.Running)
	fmt.Printf("  Completed: %d\n", stats.Completed)
	fmt.Printf("  Failed:    %d\n", stats.Failed)
	fmt.Printf("  Cancelled: %d\n", stats.Cancelled)

	return nil
}
