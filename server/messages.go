package server

import "github.com/nightwatchci/nightwatch/queue"

// RunEventMessage notifies clients of run lifecycle transitions.
// Event is one of run_queued, run_started, run_completed, run_failed,
// run_cancelled.
type RunEventMessage struct {
	Type         string   `json:"type"` // Always "run_event"
	Event        string   `json:"event"`
	PipelineID   string   `json:"pipeline_id"`
	PipelineName string   `json:"pipeline_name,omitempty"`
	RunID        string   `json:"run_id"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	ErrorDetails []string `json:"error_details,omitempty"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// JobUpdateMessage carries queue job state changes to clients.
type JobUpdateMessage struct {
	Type      string     `json:"type"` // Always "job_update"
	Job       *queue.Job `json:"job"`
	Timestamp int64      `json:"timestamp"`
}

// DaemonStatusMessage carries periodic daemon health snapshots.
type DaemonStatusMessage struct {
	Type          string  `json:"type"` // Always "daemon_status"
	Running       bool    `json:"running"`
	QueuedJobs    int     `json:"queued_jobs"`
	RunningJobs   int     `json:"running_jobs"`
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAvg1      float64 `json:"load_avg_1"`
	Timestamp     int64   `json:"timestamp"`
}
