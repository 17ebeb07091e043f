// Package enginerun defines the engine-execution record. The table keeps
// the historical name codex_runs for on-disk compatibility; the record
// itself is engine-agnostic.
package enginerun

import (
	"encoding/json"
	"time"
)

// Status represents the state of an engine execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the execution reached a final state.
// Terminal status is monotonic: once set it never changes.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Run records one engine execution attempt. RunID is globally unique;
// LogPath is always set on creation.
type Run struct {
	RunID         string          `json:"run_id"`
	JobType       string          `json:"job_type"`
	RunKind       string          `json:"run_kind,omitempty"`
	Status        Status          `json:"status"`
	ProjectID     *int64          `json:"project_id,omitempty"`
	ProtocolRunID *int64          `json:"protocol_run_id,omitempty"`
	StepRunID     *int64          `json:"step_run_id,omitempty"`
	Queue         string          `json:"queue,omitempty"`
	Attempt       int             `json:"attempt"`
	WorkerID      string          `json:"worker_id,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	PromptVersion string          `json:"prompt_version,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	LogPath       string          `json:"log_path"`
	CostTokens    *int64          `json:"cost_tokens,omitempty"`
	CostCents     *int64          `json:"cost_cents,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
