package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/nightwatchci/nightwatch/logger"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
	"github.com/nightwatchci/nightwatch/sched"
)

// PipelineCmd manages registered pipelines.
var PipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage nightly pipelines",
	Long: `Manage the pipelines the daemon runs on schedule.

Pipeline management commands:
  nightwatch pipeline add <name>     # Register a new pipeline
  nightwatch pipeline ls             # List all pipelines
  nightwatch pipeline show <name>    # Show pipeline details
  nightwatch pipeline pause <name>   # Stop scheduling runs
  nightwatch pipeline resume <name>  # Resume scheduling runs
  nightwatch pipeline rm <name>      # Remove a pipeline
  nightwatch pipeline trigger <name> # Launch a run right now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pipelineAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new pipeline",
	Long: `Register a pipeline to run on a cron schedule.

Steps are given as --step flags, in execution order. A step may carry a
name before the first colon; without one it is named by position.

Examples:
  nightwatch pipeline add api --repo https://github.com/acme/api \
    --step "deps:make deps" --step "test:make test"

  nightwatch pipeline add web --repo git@github.com:acme/web.git \
    --branch release --schedule "0 2 * * *" \
    --step "npm ci" --step "npm test" \
    --cache-key-file package-lock.json --cache-path node_modules`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineAdd(cmd, args[0])
	},
}

var pipelineLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineLs()
	},
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show pipeline details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineShow(args[0])
	},
}

var pipelinePauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Pause a pipeline",
	Long:  "Pause a pipeline. No new runs are scheduled until it is resumed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineSetState(args[0], pipeline.StatePaused)
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a paused pipeline",
	Long: `Resume a paused pipeline.

The next run time is recomputed from now; windows missed while paused
are not backfilled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineSetState(args[0], pipeline.StateActive)
	},
}

var pipelineRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a pipeline",
	Long:  "Remove a pipeline. Its run history is kept until retention prunes it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineSetState(args[0], pipeline.StateDeleted)
	},
}

var pipelineTriggerCmd = &cobra.Command{
	Use:   "trigger <name>",
	Short: "Launch a run of a pipeline right now",
	Long: `Launch a run immediately, outside the schedule.

Any run of the pipeline still queued or in flight is superseded, exactly
as when a scheduled window arrives. The daemon must be running for the
queued run to execute.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineTrigger(args[0])
	},
}

func init() {
	pipelineAddCmd.Flags().String("repo", "", "Git repository URL (required)")
	pipelineAddCmd.Flags().String("branch", "main", "Branch to check out")
	pipelineAddCmd.Flags().String("schedule", "", "Cron schedule (default: daily at 00:00 UTC)")
	pipelineAddCmd.Flags().StringArray("step", nil, `Step to run, in order ("name:command" or "command")`)
	pipelineAddCmd.Flags().StringArray("env", nil, "Environment variable for every step (KEY=VALUE)")
	pipelineAddCmd.Flags().Int("timeout", 0, "Per-step timeout in seconds (0 = daemon default)")
	pipelineAddCmd.Flags().StringArray("cache-key-file", nil, "Lockfile whose contents key the dependency cache")
	pipelineAddCmd.Flags().StringArray("cache-path", nil, "Directory to cache between runs")
	pipelineAddCmd.MarkFlagRequired("repo")

	PipelineCmd.AddCommand(pipelineAddCmd)
	PipelineCmd.AddCommand(pipelineLsCmd)
	PipelineCmd.AddCommand(pipelineShowCmd)
	PipelineCmd.AddCommand(pipelinePauseCmd)
	PipelineCmd.AddCommand(pipelineResumeCmd)
	PipelineCmd.AddCommand(pipelineRmCmd)
	PipelineCmd.AddCommand(pipelineTriggerCmd)
}

// parseSteps turns --step flags into pipeline steps. A leading "name:" is
// split off when present and the name contains no spaces.
func parseSteps(raw []string) []pipeline.Step {
	steps := make([]pipeline.Step, 0, len(raw))
	for i, entry := range raw {
		name := fmt.Sprintf("step-%d", i+1)
		command := entry

		if idx := strings.Index(entry, ":"); idx > 0 && !strings.ContainsAny(entry[:idx], " \t") {
			name = entry[:idx]
			command = strings.TrimSpace(entry[idx+1:])
		}

		steps = append(steps, pipeline.Step{Name: name, Run: command})
	}
	return steps
}

// parseEnv turns KEY=VALUE flags into an env map.
func parseEnv(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid env entry %q (want KEY=VALUE)", entry)
		}
		env[key] = value
	}
	return env, nil
}

func runPipelineAdd(cmd *cobra.Command, name string) error {
	repo, _ := cmd.Flags().GetString("repo")
	branch, _ := cmd.Flags().GetString("branch")
	schedule, _ := cmd.Flags().GetString("schedule")
	stepFlags, _ := cmd.Flags().GetStringArray("step")
	envFlags, _ := cmd.Flags().GetStringArray("env")
	timeout, _ := cmd.Flags().GetInt("timeout")
	cacheKeyFiles, _ := cmd.Flags().GetStringArray("cache-key-file")
	cachePaths, _ := cmd.Flags().GetStringArray("cache-path")

	env, err := parseEnv(envFlags)
	if err != nil {
		return err
	}

	p, err := pipeline.New(name, repo, branch, schedule, parseSteps(stepFlags))
	if err != nil {
		return err
	}
	p.Env = env
	p.StepTimeoutSeconds = timeout
	if len(cachePaths) > 0 {
		p.Cache = &pipeline.CacheConfig{KeyFiles: cacheKeyFiles, Paths: cachePaths}
	}

	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := pipeline.NewStore(database).Create(p); err != nil {
		return err
	}

	pterm.Success.Printf("Pipeline %s registered (%s)\n", p.Name, p.ID)
	pterm.Info.Printf("Next run: %s\n", p.NextRunAt.Format(time.RFC3339))
	return nil
}

func runPipelineLs() error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	pipelines, err := pipeline.NewStore(database).List()
	if err != nil {
		return err
	}
	if len(pipelines) == 0 {
		fmt.Println("No pipelines registered")
		return nil
	}

	data := pterm.TableData{{"NAME", "STATE", "SCHEDULE", "BRANCH", "NEXT RUN", "LAST RUN"}}
	for _, p := range pipelines {
		nextRun := "-"
		if p.NextRunAt != nil {
			nextRun = p.NextRunAt.Format("2006-01-02 15:04")
		}
		lastRun := "-"
		if p.LastRunAt != nil {
			lastRun = p.LastRunAt.Format("2006-01-02 15:04")
		}
		data = append(data, []string{
			truncate(p.Name, 30),
			p.State,
			p.Schedule,
			p.Branch,
			nextRun,
			lastRun,
		})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runPipelineShow(ref string) error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	p, err := findPipeline(pipeline.NewStore(database), ref)
	if err != nil {
		return err
	}

	fmt.Printf("Pipeline: %s\n", p.Name)
	fmt.Printf("  ID:       %s\n", p.ID)
	fmt.Printf("  Repo:     %s\n", p.RepoURL)
	fmt.Printf("  Branch:   %s\n", p.Branch)
	fmt.Printf("  Schedule: %s\n", p.Schedule)
	fmt.Printf("  State:    %s\n", p.State)
	if p.NextRunAt != nil {
		fmt.Printf("  Next run: %s\n", p.NextRunAt.Format(time.RFC3339))
	}
	if p.LastRunAt != nil {
		fmt.Printf("  Last run: %s (%s)\n", p.LastRunAt.Format(time.RFC3339), p.LastRunID)
	}
	if p.StepTimeoutSeconds > 0 {
		fmt.Printf("  Step timeout: %ds\n", p.StepTimeoutSeconds)
	}

	fmt.Printf("\nSteps:\n")
	for i, step := range p.Steps {
		fmt.Printf("  %d. %s: %s\n", i+1, step.Name, step.Run)
		if step.TimeoutSeconds > 0 {
			fmt.Printf("     timeout: %ds\n", step.TimeoutSeconds)
		}
	}

	if len(p.Env) > 0 {
		fmt.Printf("\nEnvironment:\n")
		for key, value := range p.Env {
			fmt.Printf("  %s=%s\n", key, value)
		}
	}

	if p.Cache.Enabled() {
		fmt.Printf("\nCache:\n")
		fmt.Printf("  Key files: %s\n", strings.Join(p.Cache.KeyFiles, ", "))
		fmt.Printf("  Paths:     %s\n", strings.Join(p.Cache.Paths, ", "))
	}
	return nil
}

func runPipelineSetState(ref, state string) error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := pipeline.NewStore(database)
	p, err := findPipeline(store, ref)
	if err != nil {
		return err
	}

	if err := store.UpdateState(p.ID, state); err != nil {
		return err
	}

	switch state {
	case pipeline.StatePaused:
		pterm.Success.Printf("Pipeline %s paused\n", p.Name)
	case pipeline.StateActive:
		pterm.Success.Printf("Pipeline %s resumed\n", p.Name)
	case pipeline.StateDeleted:
		pterm.Success.Printf("Pipeline %s removed\n", p.Name)
	}
	return nil
}

func runPipelineTrigger(ref string) error {
	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	pipelines := pipeline.NewStore(database)
	p, err := findPipeline(pipelines, ref)
	if err != nil {
		return err
	}

	runs := run.NewStore(database)
	q := queue.NewQueue(database)

	// The ticker owns launch semantics (supersession, scheduling); reuse it
	// without starting its loop.
	ticker := sched.NewTicker(context.Background(), pipelines, runs, q, nil, nil, sched.DefaultTickerConfig(), logger.Logger)
	if err := ticker.Launch(p, run.TriggerManual, time.Now()); err != nil {
		return err
	}

	updated, err := pipelines.Get(p.ID)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Run %s queued for pipeline %s\n", updated.LastRunID, p.Name)
	pterm.Info.Println("Monitor with: nightwatch run ls")
	return nil
}
