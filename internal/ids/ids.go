// Package ids generates typed identifiers for nightwatch entities.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Typed ID prefixes. The prefix makes log lines and CLI output
// self-describing without a schema lookup.
const (
	PipelinePrefix = "pl_"
	RunPrefix      = "run_"
	JobPrefix      = "job_"
)

func generate(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// NewPipelineID returns a new pipeline identifier.
func NewPipelineID() string { return generate(PipelinePrefix) }

// NewRunID returns a new run identifier.
func NewRunID() string { return generate(RunPrefix) }

// NewJobID returns a new queue job identifier.
func NewJobID() string { return generate(JobPrefix) }
