// Package clarification defines questions raised during planning or
// execution that a user must answer. A blocking open clarification
// forces the owning protocol into blocked.
package clarification

import "time"

// Scope identifies what a clarification is attached to.
type Scope string

const (
	ScopeProject  Scope = "project"
	ScopeProtocol Scope = "protocol"
	ScopeStep     Scope = "step"
)

// Status represents the lifecycle of a clarification.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAnswered  Status = "answered"
	StatusDismissed Status = "dismissed"
)

// Clarification is one question with optional choices. The tuple
// (scope, project_id, protocol_run_id, step_run_id, key) is unique.
type Clarification struct {
	ID            int64     `json:"id"`
	Scope         Scope     `json:"scope"`
	ProjectID     int64     `json:"project_id"`
	ProtocolRunID *int64    `json:"protocol_run_id,omitempty"`
	StepRunID     *int64    `json:"step_run_id,omitempty"`
	Key           string    `json:"key"`
	Question      string    `json:"question"`
	Options       []string  `json:"options,omitempty"`
	Recommended   string    `json:"recommended,omitempty"`
	Blocking      bool      `json:"blocking"`
	Answer        string    `json:"answer,omitempty"`
	Status        Status    `json:"status"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	AnsweredBy    string    `json:"answered_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
