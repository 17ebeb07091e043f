// Package step defines the StepRun domain entity and its state machine.
package step

import "time"

// Type classifies a step within a protocol.
type Type string

const (
	TypeSetup Type = "setup"
	TypeWork  Type = "work"
	TypeQA    Type = "qa"
)

// Status represents the lifecycle state of a step run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusNeedsQA   Status = "needs_qa"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusBlocked   Status = "blocked"
)

// transitions is the allowed step status graph. Status moves strictly
// forward except the explicit failed→pending and blocked→pending re-queues.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusBlocked},
	StatusRunning: {StatusNeedsQA, StatusCompleted, StatusFailed, StatusCancelled},
	StatusNeedsQA: {StatusCompleted, StatusFailed},
	StatusBlocked: {StatusPending, StatusCancelled},
	StatusFailed:  {StatusPending, StatusCancelled},
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the step is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known step status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusNeedsQA, StatusCompleted,
		StatusFailed, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// Run is one unit of agent work inside a protocol run.
// (protocol_run_id, step_index) and (protocol_run_id, step_name) are unique.
type Run struct {
	ID            int64          `json:"id"`
	ProtocolRunID int64          `json:"protocol_run_id"`
	StepIndex     int            `json:"step_index"`
	StepName      string         `json:"step_name"`
	StepType      Type           `json:"step_type"`
	Status        Status         `json:"status"`
	Retries       int            `json:"retries"`
	Priority      int            `json:"priority"`
	Model         string         `json:"model,omitempty"`
	EngineID      string         `json:"engine_id,omitempty"`
	Policy        string         `json:"policy,omitempty"`
	RuntimeState  map[string]any `json:"runtime_state,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	ParallelGroup string         `json:"parallel_group,omitempty"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CreateRequest holds the fields for creating a step run inside a protocol.
type CreateRequest struct {
	ProtocolRunID int64    `json:"protocol_run_id"`
	StepIndex     int      `json:"step_index"`
	StepName      string   `json:"step_name"`
	StepType      Type     `json:"step_type"`
	Status        Status   `json:"status,omitempty"`
	Model         string   `json:"model,omitempty"`
	EngineID      string   `json:"engine_id,omitempty"`
	Policy        string   `json:"policy,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	ParallelGroup string   `json:"parallel_group,omitempty"`
	Priority      int      `json:"priority,omitempty"`
}
