// Package database defines the persistence port. The PostgreSQL adapter
// implements it; handlers and services depend only on this interface.
package database

import (
	"context"

	"github.com/devgodzilla/devgodzilla/internal/domain/clarification"
	"github.com/devgodzilla/devgodzilla/internal/domain/enginerun"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// Store is the typed persistence facade. Every writer operation is
// serializable at the row level; status transitions are validated inside
// a transaction and fail with domain.ErrIllegalTransition when rejected.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error)
	GetProject(ctx context.Context, id int64) (*project.Project, error)
	GetProjectByName(ctx context.Context, name string) (*project.Project, error)
	ListProjects(ctx context.Context) ([]project.Project, error)
	UpdateProjectPolicy(ctx context.Context, id int64, upd project.PolicyUpdate, effectiveHash string) (*project.Project, error)
	UpdateProjectLocalPath(ctx context.Context, id int64, localPath string) error
	UpdateProjectSecrets(ctx context.Context, id int64, enc []byte) error
	DeleteProject(ctx context.Context, id int64) error

	// Protocol runs
	CreateProtocolRun(ctx context.Context, req protocol.CreateRequest, policyHash string, policyJSON []byte, packKey, packVersion string) (*protocol.Run, error)
	GetProtocolRun(ctx context.Context, id int64) (*protocol.Run, error)
	ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.Run, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status protocol.Status) (*protocol.Run, error)
	UpdateProtocolWorktree(ctx context.Context, id int64, worktreePath, protocolRoot string) error
	UpdateProtocolTemplateConfig(ctx context.Context, id int64, templateConfig map[string]any) error

	// Step runs
	CreateStepRun(ctx context.Context, req step.CreateRequest) (*step.Run, error)
	GetStepRun(ctx context.Context, id int64) (*step.Run, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]step.Run, error)
	UpdateStepStatus(ctx context.Context, id int64, status step.Status, summary string) (*step.Run, error)
	IncrementStepRetries(ctx context.Context, id int64) (int, error)
	UpdateStepAssignment(ctx context.Context, id int64, engineID, model, assignedAgent string) error

	// Events (append-only)
	AppendEvent(ctx context.Context, e event.Event) (*event.Event, error)
	ListEvents(ctx context.Context, f event.Filter) ([]event.Event, error)

	// Policy packs
	UpsertPolicyPack(ctx context.Context, pack *policy.Pack) (*policy.Pack, error)
	GetPolicyPack(ctx context.Context, key, version string) (*policy.Pack, error)
	LatestActivePack(ctx context.Context, key string) (*policy.Pack, error)
	ListPolicyPacks(ctx context.Context, key string) ([]policy.Pack, error)

	// Engine-execution records
	CreateEngineRun(ctx context.Context, run *enginerun.Run) (*enginerun.Run, error)
	GetEngineRun(ctx context.Context, runID string) (*enginerun.Run, error)
	UpdateEngineRunStatus(ctx context.Context, runID string, status enginerun.Status, workerID string) error
	FinishEngineRun(ctx context.Context, runID string, status enginerun.Status, result []byte, errMsg string, costTokens, costCents *int64) error
	ListEngineRuns(ctx context.Context, protocolRunID int64) ([]enginerun.Run, error)

	// Clarifications
	CreateClarification(ctx context.Context, c *clarification.Clarification) (*clarification.Clarification, error)
	AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) (*clarification.Clarification, error)
	DismissClarification(ctx context.Context, id int64) error
	ListOpenClarifications(ctx context.Context, projectID int64, protocolRunID *int64) ([]clarification.Clarification, error)
}
