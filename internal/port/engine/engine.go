// Package engine defines the engine port: the capability set every
// adapter implements and the registry that resolves engine ids.
package engine

import "context"

// Kind discriminates adapter styles.
type Kind string

const (
	KindCLI Kind = "cli"
	KindIDE Kind = "ide"
	KindAPI Kind = "api"
)

// Sandbox is the filesystem capability granted to one invocation.
// Adapters must honor it: plan runs full-access, execute runs
// workspace-write, qa runs read-only.
type Sandbox string

const (
	SandboxReadOnly       Sandbox = "read-only"
	SandboxWorkspaceWrite Sandbox = "workspace-write"
	SandboxFullAccess     Sandbox = "full-access"
)

// Metadata describes one engine adapter.
type Metadata struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Kind         Kind     `json:"kind"`
	DefaultModel string   `json:"default_model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// Request carries one engine invocation.
type Request struct {
	ProjectID     int64          `json:"project_id"`
	ProtocolRunID int64          `json:"protocol_run_id"`
	StepRunID     int64          `json:"step_run_id"`
	Model         string         `json:"model,omitempty"`
	PromptFiles   []string       `json:"prompt_files"`
	WorkingDir    string         `json:"working_dir"`
	TimeoutSecs   int            `json:"timeout,omitempty"`
	Sandbox       Sandbox        `json:"sandbox"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Result is the outcome of one engine invocation.
type Result struct {
	Success    bool           `json:"success"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	Error      string         `json:"error,omitempty"`
	TokensUsed int64          `json:"tokens_used,omitempty"`
	Cost       float64        `json:"cost,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Engine is the polymorphic capability set of one adapter.
type Engine interface {
	Metadata() Metadata
	Plan(ctx context.Context, req Request) (*Result, error)
	Execute(ctx context.Context, req Request) (*Result, error)
	QA(ctx context.Context, req Request) (*Result, error)
	// CheckAvailability reports whether the engine can run on this host
	// (binary present, API reachable). Failures map to domain.ErrDependency.
	CheckAvailability(ctx context.Context) error
}
