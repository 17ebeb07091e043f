// Package protocol defines the ProtocolRun domain entity and its
// lifecycle state machine.
package protocol

import "time"

// Status represents the lifecycle state of a protocol run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// transitions is the allowed protocol status graph. Completed and
// cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusPlanning, StatusCancelled},
	StatusPlanning: {StatusPlanned, StatusFailed, StatusCancelled},
	StatusPlanned:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusPaused, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:   {StatusRunning, StatusCancelled},
	StatusBlocked:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusFailed:   {StatusRunning, StatusCancelled},
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

// IsTerminal returns true if the run is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known protocol status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusPlanned, StatusRunning,
		StatusPaused, StatusBlocked, StatusFailed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Run is one named protocol executed against a project, usually mapped
// to a git branch of the same name. (project_id, protocol_name) is unique.
type Run struct {
	ID                  int64          `json:"id"`
	ProjectID           int64          `json:"project_id"`
	ProtocolName        string         `json:"protocol_name"`
	Status              Status         `json:"status"`
	BaseBranch          string         `json:"base_branch"`
	WorktreePath        string         `json:"worktree_path,omitempty"`
	ProtocolRoot        string         `json:"protocol_root,omitempty"`
	Description         string         `json:"description,omitempty"`
	TemplateConfig      map[string]any `json:"template_config,omitempty"`
	TemplateSource      string         `json:"template_source,omitempty"`
	PolicyPackKey       string         `json:"policy_pack_key,omitempty"`
	PolicyPackVersion   string         `json:"policy_pack_version,omitempty"`
	PolicyEffectiveHash string         `json:"policy_effective_hash,omitempty"`
	PolicyEffectiveJSON []byte         `json:"policy_effective_json,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// CreateRequest holds the fields for creating a new protocol run.
// The project's current effective policy hash is captured at creation
// and frozen for the run.
type CreateRequest struct {
	ProjectID      int64  `json:"project_id"`
	ProtocolName   string `json:"protocol_name"`
	BaseBranch     string `json:"base_branch,omitempty"`
	Description    string `json:"description,omitempty"`
	TemplateSource string `json:"template_source,omitempty"`
}
