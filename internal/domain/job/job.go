// Package job defines the durable queue row and the wire-stable payloads
// for each job type.
package job

import (
	"encoding/json"
	"time"
)

// Type identifies a job handler. The dispatch table is fixed at worker startup.
type Type string

const (
	TypePlanProtocol Type = "plan_protocol"
	TypeExecuteStep  Type = "execute_step"
	TypeRunQuality   Type = "run_quality"
	TypeOpenPR       Type = "open_pr"
	TypeProjectSetup Type = "project_setup"
)

// Status represents the queue-side state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// DefaultQueue is the queue name used when callers pass an empty queue.
const DefaultQueue = "default"

// DefaultMaxAttempts bounds requeues on failure before a job lands in
// the failed registry.
const DefaultMaxAttempts = 3

// Job is one durable queue row. A job in started is owned by exactly one
// worker; the visibility timeout requeues it if the worker dies.
type Job struct {
	JobID       string          `json:"job_id"`
	JobType     Type            `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Queue       string          `json:"queue"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PlanProtocolPayload is the wire payload for plan_protocol jobs.
type PlanProtocolPayload struct {
	ProtocolRunID int64 `json:"protocol_run_id"`
}

// ExecuteStepPayload is the wire payload for execute_step jobs.
type ExecuteStepPayload struct {
	StepRunID int64 `json:"step_run_id"`
}

// RunQualityPayload is the wire payload for run_quality jobs.
type RunQualityPayload struct {
	StepRunID int64    `json:"step_run_id"`
	Gates     []string `json:"gates,omitempty"`
}

// OpenPRPayload is the wire payload for open_pr jobs.
type OpenPRPayload struct {
	ProtocolRunID int64 `json:"protocol_run_id"`
}

// ProjectSetupPayload is the wire payload for project_setup jobs.
type ProjectSetupPayload struct {
	ProjectID     int64  `json:"project_id"`
	ProtocolRunID *int64 `json:"protocol_run_id,omitempty"`
}

// Backoff returns the requeue delay for the given attempt:
// min(2^attempt seconds, 60 seconds).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Second << uint(attempt)
	if d > 60*time.Second || d <= 0 {
		return 60 * time.Second
	}
	return d
}
