// Package runner executes pipeline runs: checkout, cache, steps.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/pipeline"
	"github.com/nightwatchci/nightwatch/queue"
	"github.com/nightwatchci/nightwatch/run"
)

// Broadcaster defines the interface for broadcasting run lifecycle events.
type Broadcaster interface {
	BroadcastRunStarted(pipelineID, pipelineName, runID, commitSHA string)
	BroadcastRunCompleted(pipelineID, runID string, durationMs int64)
	BroadcastRunFailed(pipelineID, runID, errorMsg string, errorDetails []string, durationMs int64)
}

// Config holds runner settings resolved from daemon configuration.
type Config struct {
	WorkspaceRoot      string
	CacheDir           string
	DefaultStepTimeout time.Duration
	LogTailBytes       int
	Env                map[string]string // Daemon-level env injected into every step
}

// Handler executes pipeline run jobs dequeued from the worker pool.
//
// Each pipeline owns one workspace directory, so runs of the same pipeline
// are serialized on a per-pipeline lock. Supersession normally prevents the
// overlap, but a manual trigger racing a cross-process cancel can put two
// live jobs for one pipeline in front of a multi-worker pool.
type Handler struct {
	pipelines   *pipeline.Store
	runs        *run.Store
	cache       *Cache
	cfg         Config
	broadcaster Broadcaster
	logger      *zap.SugaredLogger

	mu             sync.Mutex
	workspaceLocks map[string]*sync.Mutex // Pipeline ID -> workspace lock
}

// NewHandler creates a run handler. broadcaster may be nil.
func NewHandler(pipelines *pipeline.Store, runs *run.Store, cfg Config, broadcaster Broadcaster, logger *zap.SugaredLogger) *Handler {
	if cfg.LogTailBytes <= 0 {
		cfg.LogTailBytes = 64 * 1024
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = time.Hour
	}
	log := logger.Named("runner")
	return &Handler{
		pipelines:      pipelines,
		runs:           runs,
		cache:          NewCache(cfg.CacheDir, log),
		cfg:            cfg,
		broadcaster:    broadcaster,
		logger:         log,
		workspaceLocks: make(map[string]*sync.Mutex),
	}
}

// workspaceLock returns the lock guarding a pipeline's workspace directory.
func (h *Handler) workspaceLock(pipelineID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	lock, ok := h.workspaceLocks[pipelineID]
	if !ok {
		lock = &sync.Mutex{}
		h.workspaceLocks[pipelineID] = lock
	}
	return lock
}

// Name implements queue.JobHandler.
func (h *Handler) Name() string {
	return run.HandlerName
}

// Execute implements queue.JobHandler. It drives a run through its phases:
// checkout, cache restore, steps, cache save. Step failures are recorded on
// the run, not returned as errors; an error return means the job itself
// could not do its work.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	payload, err := run.UnmarshalPayload(job.Payload)
	if err != nil {
		return err
	}

	p, err := h.pipelines.Get(payload.PipelineID)
	if err != nil {
		return errors.Wrapf(err, "run %s references unknown pipeline", payload.RunID)
	}

	lock := h.workspaceLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	r, err := h.runs.Get(payload.RunID)
	if err != nil {
		return err
	}
	if r.Status == run.StatusCancelled {
		// Superseded while still queued. Nothing to do.
		h.logger.Infow("Skipping cancelled run", "run_id", r.ID, "pipeline_id", p.ID)
		return nil
	}

	// A job re-queued after an interrupted attempt (shutdown, crash) runs the
	// whole pipeline again; the prior attempt's step results must go first or
	// the history would mix the two attempts.
	if err := h.runs.DeleteStepResults(r.ID); err != nil {
		return err
	}

	started := time.Now()
	r.Status = run.StatusRunning
	r.StartedAt = &started
	if err := h.runs.Update(r); err != nil {
		return err
	}

	h.logger.Infow("Run started",
		"run_id", r.ID,
		"pipeline_id", p.ID,
		"name", p.Name,
		"trigger", r.TriggerKind)

	runErr := h.execute(ctx, p, r)

	completed := time.Now()
	r.CompletedAt = &completed
	r.DurationMS = completed.Sub(started).Milliseconds()

	if ctx.Err() != nil {
		// Cancelled mid-run. If the run row was already marked cancelled, a
		// newer run displaced this one; otherwise the daemon is shutting down
		// and the job will be re-queued. Either way this handler must not
		// overwrite the status.
		if latest, gerr := h.runs.Get(r.ID); gerr == nil && latest.Status == run.StatusCancelled {
			h.logger.Infow("Run superseded mid-flight", "run_id", r.ID, "pipeline_id", p.ID)
			return errors.Wrapf(errors.ErrSuperseded, "run %s", r.ID)
		}
		h.logger.Infow("Run interrupted", "run_id", r.ID, "pipeline_id", p.ID)
		return ctx.Err()
	}

	// A cancel from another process (CLI) lands in the database without
	// cancelling our context. Keep that status.
	if latest, err := h.runs.Get(r.ID); err == nil && latest.Status == run.StatusCancelled {
		h.logger.Infow("Run cancelled externally", "run_id", r.ID, "pipeline_id", p.ID)
		return nil
	}

	if runErr != nil {
		r.Status = run.StatusFailed
		r.ErrorMessage = runErr.Error()
		h.logger.Errorw("Run failed",
			"run_id", r.ID,
			"pipeline_id", p.ID,
			"name", p.Name,
			"duration_ms", r.DurationMS,
			"error", runErr)
	} else {
		r.Status = run.StatusSucceeded
		h.logger.Infow("Run succeeded",
			"run_id", r.ID,
			"pipeline_id", p.ID,
			"name", p.Name,
			"commit", r.CommitSHA,
			"duration_ms", r.DurationMS)
	}

	if err := h.runs.Update(r); err != nil {
		return err
	}

	if h.broadcaster != nil {
		if runErr != nil {
			h.broadcaster.BroadcastRunFailed(p.ID, r.ID, r.ErrorMessage, errors.GetAllDetails(runErr), r.DurationMS)
		} else {
			h.broadcaster.BroadcastRunCompleted(p.ID, r.ID, r.DurationMS)
		}
	}
	return nil
}

// execute runs the phases and returns the first failure. The run record is
// mutated in place (commit SHA); step results are persisted as they finish.
func (h *Handler) execute(ctx context.Context, p *pipeline.Pipeline, r *run.Run) error {
	workdir := filepath.Join(h.cfg.WorkspaceRoot, p.ID)
	if err := os.MkdirAll(h.cfg.WorkspaceRoot, 0o755); err != nil {
		return errors.Wrap(err, "failed to create workspace root")
	}

	// Phase: checkout
	sha, err := Checkout(ctx, p.RepoURL, p.Branch, workdir, h.logger)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "checkout failed")
	}
	r.CommitSHA = sha
	if err := h.runs.Update(r); err != nil {
		return err
	}

	if h.broadcaster != nil {
		h.broadcaster.BroadcastRunStarted(p.ID, p.Name, r.ID, sha)
	}

	// Phase: cache restore. Failures degrade to a cold build.
	cacheHit := false
	var cacheKey string
	if p.Cache.Enabled() {
		cacheKey, err = h.cache.Key(p, workdir)
		if err != nil {
			h.logger.Warnw("Cache key computation failed, building cold", "run_id", r.ID, "error", err)
		} else {
			cacheHit, err = h.cache.Restore(cacheKey, workdir)
			if err != nil {
				h.logger.Warnw("Cache restore failed, building cold", "run_id", r.ID, "key", cacheKey, "error", err)
				cacheHit = false
			}
		}
	}

	// Phase: steps
	var stepErr error
	for i, step := range p.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if stepErr != nil {
			h.recordStep(r, i, step, &run.StepResult{Status: run.StepSkipped}, cacheHit)
			continue
		}

		result, err := h.runStep(ctx, p, r, i, step, workdir, cacheHit)
		if err != nil {
			return err
		}
		if result.Status == run.StepTimedOut {
			stepErr = errors.Wrapf(errors.ErrTimeout, "step %q timed out", step.Name)
		} else if result.Status != run.StepSucceeded {
			stepErr = errors.Newf("step %q %s (exit code %d)", step.Name, result.Status, result.ExitCode)
		}
	}
	if stepErr != nil {
		return stepErr
	}

	// Phase: cache save, only after a fully green run.
	if p.Cache.Enabled() && cacheKey != "" && !cacheHit {
		if err := h.cache.Save(cacheKey, p.Cache.Paths, workdir); err != nil {
			h.logger.Warnw("Cache save failed", "run_id", r.ID, "key", cacheKey, "error", err)
		}
	}
	return nil
}

// runStep executes one step and persists its result.
func (h *Handler) runStep(ctx context.Context, p *pipeline.Pipeline, r *run.Run, ordinal int, step pipeline.Step, workdir string, cacheHit bool) (*run.StepResult, error) {
	timeout := p.StepTimeout(step, h.cfg.DefaultStepTimeout)
	env := buildEnv(h.cfg.Env, p.Env, step.Env)

	h.logger.Infow("Step started",
		"run_id", r.ID,
		"step", step.Name,
		"ordinal", ordinal,
		"timeout", timeout)

	outcome, err := runCommand(ctx, step.Run, workdir, env, timeout, h.cfg.LogTailBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The command never ran (unparseable, binary missing). Record it as
		// a failed step so the run history explains what happened.
		outcome = &stepOutcome{ExitCode: -1, LogTail: err.Error()}
	}

	result := &run.StepResult{
		Status:     run.StepSucceeded,
		ExitCode:   outcome.ExitCode,
		DurationMS: outcome.Duration.Milliseconds(),
		LogTail:    outcome.LogTail,
	}
	if outcome.TimedOut {
		result.Status = run.StepTimedOut
		h.logger.Warnw("Step timed out",
			"run_id", r.ID,
			"step", step.Name,
			"timeout", timeout)
	} else if outcome.ExitCode != 0 {
		result.Status = run.StepFailed
	}

	h.recordStep(r, ordinal, step, result, cacheHit)

	h.logger.Infow("Step finished",
		"run_id", r.ID,
		"step", step.Name,
		"status", result.Status,
		"exit_code", result.ExitCode,
		"duration_ms", result.DurationMS)

	return result, nil
}

// recordStep persists a step result; persistence failures are logged, not
// fatal, because the run outcome matters more than its bookkeeping.
func (h *Handler) recordStep(r *run.Run, ordinal int, step pipeline.Step, result *run.StepResult, cacheHit bool) {
	name := step.Name
	if name == "" {
		name = fmt.Sprintf("step-%d", ordinal)
	}
	result.RunID = r.ID
	result.Ordinal = ordinal
	result.Name = name
	result.CacheHit = cacheHit

	if err := h.runs.CreateStepResult(result); err != nil {
		h.logger.Errorw("Failed to record step result",
			"run_id", r.ID,
			"step", name,
			"error", err)
	}
}
