package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
)

// RunCmd inspects and manages pipeline runs.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect pipeline runs",
	Long: `Inspect the runs launched by the scheduler or by hand.

Run commands:
  nightwatch run ls                # List recent runs
  nightwatch run show <run-id>     # Show a run with its step results
  nightwatch run cancel <run-id>   # Cancel a queued or in-flight run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineRef, _ := cmd.Flags().GetString("pipeline")
		limit, _ := cmd.Flags().GetInt("limit")
		return runRunLs(pipelineRef, limit)
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its step results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunShow(args[0])
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or in-flight run",
	Long: `Cancel a run that has not finished.

Cancellation applies to every live run of the run's pipeline (there is
normally at most one). A queued run never starts. A run the daemon is
already executing finishes its current attempt, but keeps the cancelled
status; its step results are discarded only if the job runs again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunCancel(args[0])
	},
}

func init() {
	runLsCmd.Flags().String("pipeline", "", "Only show runs of this pipeline (ID or name)")
	runLsCmd.Flags().Int("limit", 20, "Maximum number of runs to display")

	RunCmd.AddCommand(runLsCmd)
	RunCmd.AddCommand(runShowCmd)
	RunCmd.AddCommand(runCancelCmd)
}

func runRunLs(pipelineRef string, limit int) error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs := run.NewStore(database)

	var results []*run.Run
	if pipelineRef != "" {
		p, err := findPipeline(pipeline.NewStore(database), pipelineRef)
		if err != nil {
			return err
		}
		results, err = runs.ListByPipeline(p.ID, limit)
		if err != nil {
			return err
		}
	} else {
		results, err = runs.ListRecent(limit)
		if err != nil {
			return err
		}
	}

	if len(results) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	data := pterm.TableData{{"RUN ID", "PIPELINE", "STATUS", "TRIGGER", "DURATION", "CREATED"}}
	for _, r := range results {
		duration := "-"
		if r.DurationMS > 0 {
			duration = (time.Duration(r.DurationMS) * time.Millisecond).Round(time.Second).String()
		}
		data = append(data, []string{
			r.ID,
			truncate(r.PipelineID, 24),
			r.Status,
			r.TriggerKind,
			duration,
			r.CreatedAt.Format("2006-01-02 15:04"),
		})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runRunShow(runID string) error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs := run.NewStore(database)
	r, err := runs.Get(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", r.ID)
	fmt.Printf("  Pipeline: %s\n", r.PipelineID)
	fmt.Printf("  Status:   %s\n", r.Status)
	fmt.Printf("  Trigger:  %s\n", r.TriggerKind)
	if r.CommitSHA != "" {
		fmt.Printf("  Commit:   %s\n", r.CommitSHA)
	}
	if r.ErrorMessage != "" {
		fmt.Printf("  Error:    %s\n", r.ErrorMessage)
	}
	fmt.Printf("  Created:  %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	if r.StartedAt != nil {
		fmt.Printf("  Started:  %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if r.CompletedAt != nil {
		fmt.Printf("  Finished: %s (%v)\n",
			r.CompletedAt.Format("2006-01-02 15:04:05"),
			(time.Duration(r.DurationMS) * time.Millisecond).Round(time.Millisecond))
	}

	steps, err := runs.ListStepResults(r.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	fmt.Printf("\nSteps:\n")
	for _, step := range steps {
		marker := ""
		if step.CacheHit {
			marker = " (cache hit)"
		}
		fmt.Printf("  %d. %-20s %-10s exit=%d %v%s\n",
			step.Ordinal+1,
			step.Name,
			step.Status,
			step.ExitCode,
			(time.Duration(step.DurationMS) * time.Millisecond).Round(time.Millisecond),
			marker)
		if step.LogTail != "" && step.Status != run.StepSucceeded {
			fmt.Printf("     --- output ---\n")
			fmt.Printf("     %s\n", step.LogTail)
		}
	}
	return nil
}

func runRunCancel(runID string) error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs := run.NewStore(database)
	r, err := runs.Get(runID)
	if err != nil {
		return err
	}
	if r.IsTerminal() {
		return fmt.Errorf("run %s already finished with status %s", runID, r.Status)
	}

	// Cancelling the job row stops a queued run from being dequeued. The
	// daemon only learns of in-process cancellations through its queue
	// subscription, so a run it is already executing keeps going; the
	// handler re-checks the run row before its final write and preserves
	// the cancelled status. Every live run of the pipeline is cancelled,
	// matching supersession semantics.
	q := queue.NewQueue(database)
	if _, err := q.CancelActiveJobsBySource(r.PipelineID, "cancelled by user"); err != nil {
		return err
	}
	if _, err := runs.CancelActiveForPipeline(r.PipelineID, "cancelled by user"); err != nil {
		return err
	}

	pterm.Success.Printf("Run %s cancelled\n", runID)
	return nil
}
