// Package sched launches pipeline runs on their cron schedules.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
)

// SupersededReason is recorded on runs and jobs displaced by a newer run
// of the same pipeline.
const SupersededReason = "superseded"

// Broadcaster defines the interface for broadcasting run lifecycle events.
// This avoids a circular dependency between sched and server packages.
type Broadcaster interface {
	BroadcastRunQueued(pipelineID, pipelineName, runID string)
	BroadcastRunCancelled(pipelineID, runID, reason string)
}

// Ticker polls for due pipelines and launches runs for them.
//
// Newest wins: before enqueueing a run, any still-live run of the same
// pipeline is cancelled. A nightly build that is still going when the next
// window arrives is stale work; finishing it has no value.
type Ticker struct {
	pipelines   *pipeline.Store
	runs        *run.Store
	queue       *queue.Queue
	workerPool  *queue.WorkerPool // For system metrics in tick logging
	broadcaster Broadcaster
	interval    time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// TickerConfig contains configuration for the scheduler ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due pipelines (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a scheduler ticker. broadcaster and workerPool may be
// nil; they only enrich event output.
func NewTicker(ctx context.Context, pipelines *pipeline.Store, runs *run.Store, q *queue.Queue, workerPool *queue.WorkerPool, broadcaster Broadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	return &Ticker{
		pipelines:   pipelines,
		runs:        runs,
		queue:       q,
		workerPool:  workerPool,
		broadcaster: broadcaster,
		interval:    interval,
		ctx:         tickerCtx,
		cancel:      cancel,
		logger:      log.Named("sched"),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			t.logQueueActivity()

			if err := t.checkDuePipelines(tickTime); err != nil {
				t.logger.Warnw("Scheduler tick error", "error", err)
			}
		}
	}
}

// logQueueActivity logs queue depth when it changes, so an idle daemon
// stays quiet.
func (t *Ticker) logQueueActivity() {
	stats, err := t.queue.GetStats()
	if err != nil {
		t.logger.Warnw("Failed to get queue stats", "error", err)
		return
	}

	activeWork := stats.Queued + stats.Running

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	if t.workerPool != nil {
		metrics := t.workerPool.GetSystemMetrics()
		t.logger.Infow("Queue activity",
			"queued", stats.Queued,
			"running", stats.Running,
			"workers_active", metrics.WorkersActive,
			"workers_total", metrics.WorkersTotal,
			"mem_percent", metrics.MemoryPercent)
		return
	}
	t.logger.Infow("Queue activity", "queued", stats.Queued, "running", stats.Running)
}

// checkDuePipelines finds pipelines past their next_run_at and launches them
func (t *Ticker) checkDuePipelines(now time.Time) error {
	due, err := t.pipelines.ListDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due pipelines")
	}
	if len(due) == 0 {
		return nil
	}

	for _, p := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if err := t.Launch(p, run.TriggerScheduled, now); err != nil {
			t.logger.Errorw("Failed to launch pipeline run",
				"pipeline_id", p.ID,
				"name", p.Name,
				"error", err)
			// Continue with other pipelines even if one fails
			continue
		}
	}
	return nil
}

// Launch supersedes any live run of the pipeline, creates a fresh run
// record, and enqueues the work. Also used by the CLI for manual triggers.
func (t *Ticker) Launch(p *pipeline.Pipeline, trigger string, now time.Time) error {
	if err := t.supersede(p); err != nil {
		return err
	}

	r := run.New(p.ID, trigger)
	if err := t.runs.Create(r); err != nil {
		return errors.Wrapf(err, "failed to create run for pipeline %s", p.ID)
	}

	payload, err := run.MarshalPayload(run.JobPayload{
		PipelineID: p.ID,
		RunID:      r.ID,
		Trigger:    trigger,
	})
	if err != nil {
		return err
	}

	job, err := queue.NewJob(run.HandlerName, p.ID, payload)
	if err != nil {
		return errors.Wrap(err, "failed to create run job")
	}
	if err := t.queue.Enqueue(job); err != nil {
		return errors.Wrapf(err, "failed to enqueue run %s", r.ID)
	}

	sched, err := pipeline.ParseSchedule(p.Schedule)
	if err != nil {
		return err
	}
	nextRunAt := sched.Next(now)

	if err := t.pipelines.UpdateAfterLaunch(p.ID, r.ID, now, nextRunAt); err != nil {
		return err
	}

	t.logger.Infow("Run launched",
		"pipeline_id", p.ID,
		"name", p.Name,
		"run_id", r.ID,
		"job_id", job.ID,
		"trigger", trigger,
		"next_run_at", nextRunAt.Format(time.RFC3339))

	if t.broadcaster != nil {
		t.broadcaster.BroadcastRunQueued(p.ID, p.Name, r.ID)
	}
	return nil
}

// supersede cancels live jobs and runs of the pipeline before a new run
// takes their place.
func (t *Ticker) supersede(p *pipeline.Pipeline) error {
	jobs, err := t.queue.CancelActiveJobsBySource(p.ID, SupersededReason)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel live jobs for pipeline %s", p.ID)
	}

	runIDs, err := t.runs.CancelActiveForPipeline(p.ID, SupersededReason)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel live runs for pipeline %s", p.ID)
	}

	if len(jobs) > 0 || len(runIDs) > 0 {
		t.logger.Infow("Superseded stale work",
			"pipeline_id", p.ID,
			"name", p.Name,
			"jobs_cancelled", len(jobs),
			"runs_cancelled", len(runIDs))
	}

	if t.broadcaster != nil {
		for _, runID := range runIDs {
			t.broadcaster.BroadcastRunCancelled(p.ID, runID, SupersededReason)
		}
	}
	return nil
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
