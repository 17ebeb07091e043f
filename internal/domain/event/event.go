// Package event defines the append-only Event entity — the primary
// user-visible history surface for protocols, steps, and projects.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event. New types may be added freely;
// existing values are wire-stable.
type Type string

const (
	TypePlanningStarted  Type = "planning_started"
	TypePlanned          Type = "planned"
	TypePlanningFailed   Type = "planning_failed"
	TypeStepStarted      Type = "step_started"
	TypeStepCompleted    Type = "step_completed"
	TypeStepFailed       Type = "step_failed"
	TypeStepCancelled    Type = "step_cancelled"
	TypeSpecInvalid      Type = "spec_validation_error"
	TypePolicyBlocked    Type = "policy_blocked"
	TypeQAPassed         Type = "qa_passed"
	TypeQAFailed         Type = "qa_failed"
	TypeQASkipped        Type = "qa_skipped"
	TypeProtocolComplete Type = "protocol_completed"
	TypeProtocolBlocked  Type = "protocol_blocked"
	TypeProtocolCancel   Type = "protocol_cancelled"
	TypeOpenPRFailed     Type = "open_pr_failed"
	TypeCIFailed         Type = "ci_failed"
	TypeSetupStarted     Type = "setup_started"
	TypeSetupCompleted   Type = "setup_completed"
	TypeSetupBlocked     Type = "setup_blocked"
	TypeSetupFailed      Type = "setup_failed"
)

// Event is a single immutable row describing something that happened to
// a protocol run, step run, or project. At least one of ProtocolRunID
// or ProjectID must be set.
type Event struct {
	ID            int64           `json:"id"`
	ProtocolRunID *int64          `json:"protocol_run_id,omitempty"`
	StepRunID     *int64          `json:"step_run_id,omitempty"`
	ProjectID     *int64          `json:"project_id,omitempty"`
	EventType     Type            `json:"event_type"`
	Message       string          `json:"message"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Filter selects events for listing. Zero fields are ignored.
// Listing is descending by id with keyset pagination via AfterID.
type Filter struct {
	ProtocolRunID int64
	StepRunID     int64
	ProjectID     int64
	EventType     Type
	Limit         int
	AfterID       int64
}
