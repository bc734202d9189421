// Package pipeline defines scheduled build/test pipelines and their store.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/internal/ids"
)

// State constants for pipelines
const (
	StateActive  = "active"  // Pipeline runs on schedule
	StatePaused  = "paused"  // Pipeline is temporarily paused by user
	StateDeleted = "deleted" // Pipeline has been deleted by user (soft delete)
)

// Step is a single command executed inside the pipeline workspace.
type Step struct {
	Name           string            `json:"name"`
	Run            string            `json:"run"`                       // command line, shell-quoted
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 0 = pipeline default
	Env            map[string]string `json:"env,omitempty"`             // merged over pipeline env
}

// CacheConfig describes the dependency cache for a pipeline.
// The key is derived from the contents of KeyFiles (lockfiles, manifests);
// Paths are the directories archived under that key after a successful run.
type CacheConfig struct {
	KeyFiles []string `json:"key_files,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

// Enabled reports whether caching is configured at all.
func (c *CacheConfig) Enabled() bool {
	return c != nil && len(c.Paths) > 0
}

// Pipeline represents a recurring scheduled build/test job.
type Pipeline struct {
	ID                 string
	Name               string
	RepoURL            string
	Branch             string
	Schedule           string // five-field cron expression
	Steps              []Step
	Env                map[string]string
	Cache              *CacheConfig
	StepTimeoutSeconds int
	State              string
	NextRunAt          *time.Time // nil when paused
	LastRunAt          *time.Time
	LastRunID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// New builds a validated pipeline with defaults applied and the first
// next_run_at computed from the schedule.
func New(name, repoURL, branch, schedule string, steps []Step) (*Pipeline, error) {
	if name == "" {
		return nil, errors.NewInvalidSpecError("pipeline name cannot be empty")
	}
	if repoURL == "" {
		return nil, errors.NewInvalidSpecError("pipeline %q has no repo URL", name)
	}
	if len(steps) == 0 {
		return nil, errors.NewInvalidSpecError("pipeline %q has no steps", name)
	}
	for i, step := range steps {
		if step.Run == "" {
			return nil, errors.NewInvalidSpecError("pipeline %q step %d has an empty command", name, i)
		}
	}
	if branch == "" {
		branch = "main"
	}

	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := sched.Next(now)

	return &Pipeline{
		ID:        ids.NewPipelineID(),
		Name:      name,
		RepoURL:   repoURL,
		Branch:    branch,
		Schedule:  sched.Expr,
		Steps:     steps,
		State:     StateActive,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StepTimeout returns the effective timeout for a step, falling back to
// the pipeline default and finally to fallback.
func (p *Pipeline) StepTimeout(step Step, fallback time.Duration) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	if p.StepTimeoutSeconds > 0 {
		return time.Duration(p.StepTimeoutSeconds) * time.Second
	}
	return fallback
}

// MarshalSteps serializes steps for storage.
func MarshalSteps(steps []Step) (string, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal steps")
	}
	return string(data), nil
}

// UnmarshalSteps deserializes steps from storage.
func UnmarshalSteps(data string) ([]Step, error) {
	if data == "" {
		return nil, nil
	}
	var steps []Step
	if err := json.Unmarshal([]byte(data), &steps); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal steps")
	}
	return steps, nil
}

// MarshalEnv serializes an env map for storage. Empty maps serialize to "".
func MarshalEnv(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal env")
	}
	return string(data), nil
}

// UnmarshalEnv deserializes an env map from storage.
func UnmarshalEnv(data string) (map[string]string, error) {
	if data == "" {
		return nil, nil
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal env")
	}
	return env, nil
}

// MarshalCache serializes a cache config for storage. nil serializes to "".
func MarshalCache(cache *CacheConfig) (string, error) {
	if cache == nil {
		return "", nil
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal cache config")
	}
	return string(data), nil
}

// UnmarshalCache deserializes a cache config from storage.
func UnmarshalCache(data string) (*CacheConfig, error) {
	if data == "" {
		return nil, nil
	}
	var cache CacheConfig
	if err := json.Unmarshal([]byte(data), &cache); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cache config")
	}
	return &cache, nil
}
