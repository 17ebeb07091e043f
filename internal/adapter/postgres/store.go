package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const projectCols = `id, name, git_url, local_path, base_branch, ci_provider, secrets_enc, default_models,
	 policy_pack_key, policy_pack_version, policy_overrides, policy_repo_local_enabled,
	 policy_effective_hash, policy_enforcement_mode, created_at, updated_at`

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error) {
	if req.Name == "" || req.GitURL == "" {
		return nil, fmt.Errorf("create project: name and git_url are required: %w", domain.ErrValidation)
	}
	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	modelsJSON, err := json.Marshal(req.DefaultModels)
	if err != nil {
		return nil, fmt.Errorf("marshal default_models: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name, git_url, local_path, base_branch, ci_provider, default_models, policy_pack_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+projectCols,
		req.Name, req.GitURL, req.LocalPath, baseBranch, req.CIProvider, modelsJSON, req.PolicyPackKey)

	p, err := scanProject(row)
	if err != nil {
		return nil, conflictWrap(err, "create project %s", req.Name)
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1`, id)

	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %d", id)
	}
	return &p, nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE name = $1`, name)

	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %s", name)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectCols+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectPolicy applies a partial policy update. Only non-nil
// fields change; the caller supplies the recomputed effective hash.
func (s *Store) UpdateProjectPolicy(ctx context.Context, id int64, upd project.PolicyUpdate, effectiveHash string) (*project.Project, error) {
	if upd.PackVersion != nil && upd.ClearPackVersion {
		return nil, fmt.Errorf("update project policy %d: pack_version and clear_pack_version are mutually exclusive: %w",
			id, domain.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1 FOR UPDATE`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "update project policy %d", id)
	}

	if upd.PackKey != nil {
		p.PolicyPackKey = *upd.PackKey
	}
	if upd.PackVersion != nil {
		p.PolicyPackVersion = *upd.PackVersion
	}
	if upd.ClearPackVersion {
		p.PolicyPackVersion = ""
	}
	if upd.Overrides != nil {
		p.PolicyOverrides = *upd.Overrides
	}
	if upd.RepoLocalEnabled != nil {
		p.PolicyRepoLocalEnabled = *upd.RepoLocalEnabled
	}
	if upd.EnforcementMode != nil {
		p.PolicyEnforcementMode = *upd.EnforcementMode
	}
	p.PolicyEffectiveHash = effectiveHash

	overridesJSON, err := json.Marshal(p.PolicyOverrides)
	if err != nil {
		return nil, fmt.Errorf("marshal policy_overrides: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE projects SET policy_pack_key = $2, policy_pack_version = $3, policy_overrides = $4,
		 policy_repo_local_enabled = $5, policy_effective_hash = $6, policy_enforcement_mode = $7, updated_at = now()
		 WHERE id = $1`,
		id, p.PolicyPackKey, p.PolicyPackVersion, overridesJSON,
		p.PolicyRepoLocalEnabled, p.PolicyEffectiveHash, string(p.PolicyEnforcementMode))
	if err := execExpectOne(tag, err, "update project policy %d", id); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}

func (s *Store) UpdateProjectLocalPath(ctx context.Context, id int64, localPath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET local_path = $2, updated_at = now() WHERE id = $1`, id, localPath)
	return execExpectOne(tag, err, "update project local_path %d", id)
}

func (s *Store) UpdateProjectSecrets(ctx context.Context, id int64, enc []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET secrets_enc = $2, updated_at = now() WHERE id = $1`, id, enc)
	return execExpectOne(tag, err, "update project secrets %d", id)
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete project %d", id)
}

const protocolCols = `id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root,
	 description, template_config, template_source, policy_pack_key, policy_pack_version,
	 policy_effective_hash, policy_effective_json, created_at, updated_at`

// --- Protocol runs ---

func (s *Store) CreateProtocolRun(ctx context.Context, req protocol.CreateRequest, policyHash string, policyJSON []byte, packKey, packVersion string) (*protocol.Run, error) {
	if req.ProjectID == 0 || req.ProtocolName == "" {
		return nil, fmt.Errorf("create protocol run: project_id and protocol_name are required: %w", domain.ErrValidation)
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		err := s.pool.QueryRow(ctx,
			`SELECT base_branch FROM projects WHERE id = $1`, req.ProjectID).Scan(&baseBranch)
		if err != nil {
			return nil, notFoundWrap(err, "create protocol run: project %d", req.ProjectID)
		}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO protocol_runs (project_id, protocol_name, status, base_branch, description, template_source,
		   policy_pack_key, policy_pack_version, policy_effective_hash, policy_effective_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+protocolCols,
		req.ProjectID, req.ProtocolName, string(protocol.StatusPending), baseBranch,
		req.Description, req.TemplateSource, packKey, packVersion, policyHash, policyJSON)

	r, err := scanProtocolRun(row)
	if err != nil {
		return nil, conflictWrap(err, "create protocol run %s", req.ProtocolName)
	}
	return &r, nil
}

func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*protocol.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+protocolCols+` FROM protocol_runs WHERE id = $1`, id)

	r, err := scanProtocolRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get protocol run %d", id)
	}
	return &r, nil
}

func (s *Store) ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+protocolCols+` FROM protocol_runs WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list protocol runs: %w", err)
	}
	defer rows.Close()

	var runs []protocol.Run
	for rows.Next() {
		r, err := scanProtocolRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateProtocolStatus enforces the protocol state machine inside a
// transaction: the current row is locked, the transition validated, and
// illegal moves fail with domain.ErrIllegalTransition.
func (s *Store) UpdateProtocolStatus(ctx context.Context, id int64, status protocol.Status) (*protocol.Run, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("update protocol status %d: unknown status %q: %w", id, status, domain.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`SELECT `+protocolCols+` FROM protocol_runs WHERE id = $1 FOR UPDATE`, id)
	r, err := scanProtocolRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "update protocol status %d", id)
	}

	if r.Status == status {
		// Idempotent no-op keeps retried jobs harmless.
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &r, nil
	}
	if !r.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("protocol run %d: %s -> %s: %w", id, r.Status, status, domain.ErrIllegalTransition)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE protocol_runs SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status)); err != nil {
		return nil, fmt.Errorf("update protocol status %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	r.Status = status
	return &r, nil
}

func (s *Store) UpdateProtocolWorktree(ctx context.Context, id int64, worktreePath, protocolRoot string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET worktree_path = $2, protocol_root = $3, updated_at = now() WHERE id = $1`,
		id, worktreePath, protocolRoot)
	return execExpectOne(tag, err, "update protocol worktree %d", id)
}

func (s *Store) UpdateProtocolTemplateConfig(ctx context.Context, id int64, templateConfig map[string]any) error {
	cfgJSON, err := json.Marshal(templateConfig)
	if err != nil {
		return fmt.Errorf("marshal template_config: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET template_config = $2, updated_at = now() WHERE id = $1`, id, cfgJSON)
	return execExpectOne(tag, err, "update protocol template_config %d", id)
}

const stepCols = `id, protocol_run_id, step_index, step_name, step_type, status, retries, priority,
	 model, engine_id, policy, runtime_state, depends_on, parallel_group, assigned_agent, summary,
	 created_at, updated_at`

// --- Step runs ---

func (s *Store) CreateStepRun(ctx context.Context, req step.CreateRequest) (*step.Run, error) {
	if req.ProtocolRunID == 0 || req.StepName == "" {
		return nil, fmt.Errorf("create step run: protocol_run_id and step_name are required: %w", domain.ErrValidation)
	}
	status := req.Status
	if status == "" {
		status = step.StatusPending
	}
	stepType := req.StepType
	if stepType == "" {
		stepType = step.TypeWork
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, model, engine_id,
		   policy, depends_on, parallel_group, priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+stepCols,
		req.ProtocolRunID, req.StepIndex, req.StepName, string(stepType), string(status),
		req.Model, req.EngineID, req.Policy, pgTextArray(req.DependsOn), req.ParallelGroup, req.Priority)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, conflictWrap(err, "create step run %s", req.StepName)
	}
	return &r, nil
}

func (s *Store) GetStepRun(ctx context.Context, id int64) (*step.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepCols+` FROM step_runs WHERE id = $1`, id)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get step run %d", id)
	}
	return &r, nil
}

func (s *Store) ListStepRuns(ctx context.Context, protocolRunID int64) ([]step.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepCols+` FROM step_runs WHERE protocol_run_id = $1 ORDER BY step_index ASC, id ASC`,
		protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var steps []step.Run
	for rows.Next() {
		r, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, r)
	}
	return steps, rows.Err()
}

// UpdateStepStatus enforces the step state machine inside a transaction.
// A non-empty summary replaces the stored one.
func (s *Store) UpdateStepStatus(ctx context.Context, id int64, status step.Status, summary string) (*step.Run, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("update step status %d: unknown status %q: %w", id, status, domain.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`SELECT `+stepCols+` FROM step_runs WHERE id = $1 FOR UPDATE`, id)
	r, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "update step status %d", id)
	}

	if r.Status != status {
		if !r.Status.CanTransitionTo(status) {
			return nil, fmt.Errorf("step run %d: %s -> %s: %w", id, r.Status, status, domain.ErrIllegalTransition)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE step_runs SET status = $2, summary = CASE WHEN $3 = '' THEN summary ELSE $3 END, updated_at = now()
			 WHERE id = $1`,
			id, string(status), summary); err != nil {
			return nil, fmt.Errorf("update step status %d: %w", id, err)
		}
		r.Status = status
		if summary != "" {
			r.Summary = summary
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &r, nil
}

func (s *Store) IncrementStepRetries(ctx context.Context, id int64) (int, error) {
	var retries int
	err := s.pool.QueryRow(ctx,
		`UPDATE step_runs SET retries = retries + 1, updated_at = now() WHERE id = $1 RETURNING retries`,
		id).Scan(&retries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("increment step retries %d: %w", id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("increment step retries %d: %w", id, err)
	}
	return retries, nil
}

func (s *Store) UpdateStepAssignment(ctx context.Context, id int64, engineID, model, assignedAgent string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_runs SET engine_id = $2, model = $3, assigned_agent = $4, updated_at = now() WHERE id = $1`,
		id, engineID, model, assignedAgent)
	return execExpectOne(tag, err, "update step assignment %d", id)
}

// --- Scanners ---

func scanProject(row scannable) (project.Project, error) {
	var p project.Project
	var modelsJSON, overridesJSON []byte
	err := row.Scan(&p.ID, &p.Name, &p.GitURL, &p.LocalPath, &p.BaseBranch, &p.CIProvider,
		&p.SecretsEnc, &modelsJSON, &p.PolicyPackKey, &p.PolicyPackVersion, &overridesJSON,
		&p.PolicyRepoLocalEnabled, &p.PolicyEffectiveHash, &p.PolicyEnforcementMode,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if modelsJSON != nil {
		if err := json.Unmarshal(modelsJSON, &p.DefaultModels); err != nil {
			return p, fmt.Errorf("unmarshal default_models: %w", err)
		}
	}
	if overridesJSON != nil {
		if err := json.Unmarshal(overridesJSON, &p.PolicyOverrides); err != nil {
			return p, fmt.Errorf("unmarshal policy_overrides: %w", err)
		}
	}
	return p, nil
}

func scanProtocolRun(row scannable) (protocol.Run, error) {
	var r protocol.Run
	var cfgJSON []byte
	err := row.Scan(&r.ID, &r.ProjectID, &r.ProtocolName, &r.Status, &r.BaseBranch,
		&r.WorktreePath, &r.ProtocolRoot, &r.Description, &cfgJSON, &r.TemplateSource,
		&r.PolicyPackKey, &r.PolicyPackVersion, &r.PolicyEffectiveHash, &r.PolicyEffectiveJSON,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if cfgJSON != nil {
		if err := json.Unmarshal(cfgJSON, &r.TemplateConfig); err != nil {
			return r, fmt.Errorf("unmarshal template_config: %w", err)
		}
	}
	return r, nil
}

func scanStepRun(row scannable) (step.Run, error) {
	var r step.Run
	var runtimeJSON []byte
	err := row.Scan(&r.ID, &r.ProtocolRunID, &r.StepIndex, &r.StepName, &r.StepType, &r.Status,
		&r.Retries, &r.Priority, &r.Model, &r.EngineID, &r.Policy, &runtimeJSON,
		&r.DependsOn, &r.ParallelGroup, &r.AssignedAgent, &r.Summary,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if runtimeJSON != nil {
		if err := json.Unmarshal(runtimeJSON, &r.RuntimeState); err != nil {
			return r, fmt.Errorf("unmarshal runtime_state: %w", err)
		}
	}
	return r, nil
}
