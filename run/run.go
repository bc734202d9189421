// Package run tracks pipeline executions and their per-step results.
package run

import (
	"time"

	"github.com/nightwatchci/nightwatch/internal/ids"
)

// Run status constants
const (
	StatusPending   = "pending"   // Run created, waiting for a worker
	StatusRunning   = "running"   // Run is executing
	StatusSucceeded = "succeeded" // All steps exited zero
	StatusFailed    = "failed"    // A step failed, timed out, or a phase errored
	StatusCancelled = "cancelled" // Run was superseded or cancelled by user
)

// Trigger kinds for runs
const (
	TriggerScheduled = "scheduled" // Launched by the cron ticker
	TriggerManual    = "manual"    // Launched via the CLI
)

// Step result status constants
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepTimedOut  = "timed_out"
	StepSkipped   = "skipped" // Earlier step failed, this one never ran
)

// Run represents one execution of a pipeline.
type Run struct {
	ID           string     `json:"id"`
	PipelineID   string     `json:"pipeline_id"`
	TriggerKind  string     `json:"trigger_kind"`
	Status       string     `json:"status"`
	CommitSHA    string     `json:"commit_sha,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StepResult records the outcome of a single step within a run.
type StepResult struct {
	RunID      string    `json:"run_id"`
	Ordinal    int       `json:"ordinal"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	LogTail    string    `json:"log_tail,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	CreatedAt  time.Time `json:"created_at"`
}

// New creates a pending run for the given pipeline.
func New(pipelineID, trigger string) *Run {
	now := time.Now()
	return &Run{
		ID:          ids.NewRunID(),
		PipelineID:  pipelineID,
		TriggerKind: trigger,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the run has reached a final state.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
