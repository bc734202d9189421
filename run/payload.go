package run

import (
	"encoding/json"

	"github.com/nightwatchci/nightwatch/errors"
)

// HandlerName is the queue handler name for pipeline run jobs.
const HandlerName = "pipeline.run"

// JobPayload is the queue payload connecting a job to its run record.
// The scheduler marshals it at enqueue time; the runner decodes it.
type JobPayload struct {
	PipelineID string `json:"pipeline_id"`
	RunID      string `json:"run_id"`
	Trigger    string `json:"trigger"`
}

// MarshalPayload serializes a job payload.
func MarshalPayload(p JobPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal run payload")
	}
	return data, nil
}

// UnmarshalPayload deserializes a job payload.
func UnmarshalPayload(data []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "failed to unmarshal run payload")
	}
	if p.PipelineID == "" || p.RunID == "" {
		return p, errors.New("run payload missing pipeline_id or run_id")
	}
	return p, nil
}
