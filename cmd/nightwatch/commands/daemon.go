package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightwatchci/nightwatch/config"
	"github.com/nightwatchci/nightwatch/logger"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
	"github.com/nightwatchci/nightwatch/runner"
	"github.com/nightwatchci/nightwatch/sched"
	"github.com/nightwatchci/nightwatch/server"
)

const cleanupInterval = time.Hour

// DaemonCmd manages the nightwatch daemon.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the nightwatch daemon (scheduler + run workers)",
	Long: `The nightwatch daemon runs scheduled pipelines.

The daemon provides:
- A scheduler ticker that launches runs when pipelines come due
- A worker pool that checks out, caches, and executes pipeline steps
- Supersession: a new run of a pipeline cancels any run still in flight
- An optional WebSocket status server for live run events

Example:
  nightwatch daemon start              # Start daemon in foreground
  nightwatch daemon start --workers 3  # Run up to 3 pipelines concurrently
  nightwatch daemon start --serve      # Also serve live status over WebSocket`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// DaemonStartCmd starts the daemon in the foreground.
var DaemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nightwatch daemon",
	Long: `Start the nightwatch daemon in foreground mode.

The daemon will:
- Launch runs for pipelines whose schedule has come due
- Process runs with the worker pool (checkout, cache, steps)
- Prune old runs and jobs past the retention window
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		serve, _ := cmd.Flags().GetBool("serve")
		return runDaemon(workers, serve)
	},
}

func init() {
	DaemonStartCmd.Flags().Int("workers", 0, "Number of concurrent run workers (0 = config value)")
	DaemonStartCmd.Flags().Bool("serve", false, "Serve live run events and status over WebSocket")
	DaemonCmd.AddCommand(DaemonStartCmd)
}

func runDaemon(workersOverride int, serve bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, _, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	workers := cfg.Daemon.Workers
	if workersOverride > 0 {
		workers = workersOverride
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg := queue.DefaultWorkerPoolConfig()
	poolCfg.Workers = workers
	if cfg.Daemon.PollIntervalSeconds > 0 {
		poolCfg.PollInterval = time.Duration(cfg.Daemon.PollIntervalSeconds) * time.Second
	}
	poolCfg.LaunchesPerMinute = cfg.Daemon.LaunchesPerMinute

	pool := queue.NewWorkerPool(ctx, database, poolCfg, logger.Logger)
	pipelines := pipeline.NewStore(database)
	runs := run.NewStore(database)
	q := pool.GetQueue()

	// The status server doubles as the event broadcaster for the scheduler
	// and the run handler. Without --serve both run without one.
	var (
		srv               *server.Server
		runBroadcaster    runner.Broadcaster
		launchBroadcaster sched.Broadcaster
	)
	if serve {
		srv = server.NewServer(ctx, server.Config{
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.GetServerAllowedOrigins(),
		}, pipelines, runs, q, pool, logger.Logger)
		runBroadcaster = srv
		launchBroadcaster = srv
	}

	handler := runner.NewHandler(pipelines, runs, runner.Config{
		WorkspaceRoot:      cfg.Runner.WorkspaceRoot,
		CacheDir:           cfg.Runner.CacheDir,
		DefaultStepTimeout: time.Duration(cfg.GetStepTimeoutSeconds()) * time.Second,
		LogTailBytes:       cfg.GetLogTailBytes(),
		Env:                cfg.Runner.Env,
	}, runBroadcaster, logger.Logger)
	pool.Registry().Register(handler)

	pool.Start()

	tickerCfg := sched.DefaultTickerConfig()
	if cfg.Daemon.TickerIntervalSeconds > 0 {
		tickerCfg.Interval = time.Duration(cfg.Daemon.TickerIntervalSeconds) * time.Second
	}
	ticker := sched.NewTicker(ctx, pipelines, runs, q, pool, launchBroadcaster, tickerCfg, logger.Logger)
	ticker.Start()

	if srv != nil {
		srv.Start()
	}

	// Retention is re-read on config reload, so the cleanup loop always
	// prunes against the current window.
	var retentionDays atomic.Int64
	retentionDays.Store(int64(cfg.Daemon.RetentionDays))
	go runCleanupLoop(ctx, runs, q, &retentionDays)

	watcher := startConfigWatcher(&retentionDays)
	if watcher != nil {
		defer watcher.Stop()
	}

	fmt.Printf("nightwatch daemon started\n")
	fmt.Printf("  Workers: %d\n", workers)
	fmt.Printf("  Poll interval: %v\n", poolCfg.PollInterval)
	fmt.Printf("  Scheduler interval: %v\n", tickerCfg.Interval)
	fmt.Printf("  Retention: %d days\n", cfg.Daemon.RetentionDays)
	if srv != nil {
		fmt.Printf("  Status server: ws://localhost:%d/ws\n", cfg.Server.Port)
	}
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\nShutting down...\n")

	// Stop components in reverse order of startup. The server goes first so
	// clients see a clean close instead of a dead socket.
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("Status server shutdown error", "error", err)
		}
		shutdownCancel()
	}
	ticker.Stop()
	pool.Stop()
	cancel()

	fmt.Printf("nightwatch daemon stopped\n")
	return nil
}

// startConfigWatcher watches the config file, if one is in use, and applies
// reloadable settings. Worker count and port changes need a restart; the
// watcher logs them so the change is not silently ignored.
func startConfigWatcher(retentionDays *atomic.Int64) *config.Watcher {
	configPath := config.GetViper().ConfigFileUsed()
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logger.Warnw("Config watcher unavailable", "path", configPath, "error", err)
		return nil
	}

	watcher.OnReload(func(newCfg *config.Config) error {
		old := retentionDays.Swap(int64(newCfg.Daemon.RetentionDays))
		if old != int64(newCfg.Daemon.RetentionDays) {
			logger.Infow("Retention window updated",
				"old_days", old,
				"new_days", newCfg.Daemon.RetentionDays)
		}
		logger.Infow("Config reloaded; worker count and server changes apply on restart",
			"workers", newCfg.Daemon.Workers,
			"launches_per_minute", newCfg.Daemon.LaunchesPerMinute)
		return nil
	})

	watcher.Start()
	logger.Infow("Watching config file for changes", "path", configPath)
	return watcher
}

// runCleanupLoop prunes runs and jobs older than the retention window.
func runCleanupLoop(ctx context.Context, runs *run.Store, q *queue.Queue, retentionDays *atomic.Int64) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		days := retentionDays.Load()
		if days <= 0 {
			continue
		}
		retention := time.Duration(days) * 24 * time.Hour

		deleted, err := runs.DeleteOlderThan(time.Now().Add(-retention))
		if err != nil {
			logger.Warnw("Run retention cleanup failed", "error", err)
		}

		cleaned, err := q.Cleanup(retention)
		if err != nil {
			logger.Warnw("Job retention cleanup failed", "error", err)
		}

		if deleted > 0 || cleaned > 0 {
			logger.Infow("Retention cleanup complete",
				"runs_deleted", deleted,
				"jobs_deleted", cleaned,
				"retention_days", days)
		}
	}
}
