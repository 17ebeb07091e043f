// Package project defines the Project domain entity.
package project

import "time"

// EnforcementMode controls how policy findings escalate for a project.
type EnforcementMode string

const (
	EnforcementWarn  EnforcementMode = "warn"
	EnforcementBlock EnforcementMode = "block"
)

// Project is a registered git repository that protocols run against.
// (name) is unique per store. Deleting a project cascades to its
// protocol runs, clarifications, and project-scoped events.
type Project struct {
	ID                     int64             `json:"id"`
	Name                   string            `json:"name"`
	GitURL                 string            `json:"git_url"`
	LocalPath              string            `json:"local_path,omitempty"`
	BaseBranch             string            `json:"base_branch"`
	CIProvider             string            `json:"ci_provider,omitempty"`
	SecretsEnc             []byte            `json:"-"`
	DefaultModels          map[string]string `json:"default_models,omitempty"`
	PolicyPackKey          string            `json:"policy_pack_key,omitempty"`
	PolicyPackVersion      string            `json:"policy_pack_version,omitempty"`
	PolicyOverrides        map[string]any    `json:"policy_overrides,omitempty"`
	PolicyRepoLocalEnabled bool              `json:"policy_repo_local_enabled"`
	PolicyEffectiveHash    string            `json:"policy_effective_hash,omitempty"`
	PolicyEnforcementMode  EnforcementMode   `json:"policy_enforcement_mode"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// CreateRequest holds the fields for onboarding a new project.
type CreateRequest struct {
	Name          string            `json:"name"`
	GitURL        string            `json:"git_url"`
	LocalPath     string            `json:"local_path,omitempty"`
	BaseBranch    string            `json:"base_branch,omitempty"`
	CIProvider    string            `json:"ci_provider,omitempty"`
	DefaultModels map[string]string `json:"default_models,omitempty"`
	PolicyPackKey string            `json:"policy_pack_key,omitempty"`
}

// PolicyUpdate carries a partial policy update for a project.
// PackVersion and ClearPackVersion are mutually exclusive.
type PolicyUpdate struct {
	PackKey          *string          `json:"policy_pack_key,omitempty"`
	PackVersion      *string          `json:"policy_pack_version,omitempty"`
	ClearPackVersion bool             `json:"clear_policy_pack_version,omitempty"`
	Overrides        *map[string]any  `json:"policy_overrides,omitempty"`
	RepoLocalEnabled *bool            `json:"policy_repo_local_enabled,omitempty"`
	EnforcementMode  *EnforcementMode `json:"policy_enforcement_mode,omitempty"`
}
