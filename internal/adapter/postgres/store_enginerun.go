package postgres

import (
	"context"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/enginerun"
)

// Engine-execution records live in codex_runs; the table keeps its
// historical name for on-disk compatibility with older deployments.
const engineRunCols = `run_id, job_type, run_kind, status, project_id, protocol_run_id, step_run_id,
	 queue, attempt, worker_id, started_at, finished_at, prompt_version, params, result, error,
	 log_path, cost_tokens, cost_cents, created_at, updated_at`

func (s *Store) CreateEngineRun(ctx context.Context, run *enginerun.Run) (*enginerun.Run, error) {
	if run.RunID == "" || run.LogPath == "" {
		return nil, fmt.Errorf("create engine run: run_id and log_path are required: %w", domain.ErrValidation)
	}
	status := run.Status
	if status == "" {
		status = enginerun.StatusQueued
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO codex_runs (run_id, job_type, run_kind, status, project_id, protocol_run_id, step_run_id,
		   queue, attempt, worker_id, prompt_version, params, log_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING `+engineRunCols,
		run.RunID, run.JobType, run.RunKind, string(status), run.ProjectID, run.ProtocolRunID,
		run.StepRunID, run.Queue, run.Attempt, run.WorkerID, run.PromptVersion, []byte(run.Params), run.LogPath)

	out, err := scanEngineRun(row)
	if err != nil {
		return nil, conflictWrap(err, "create engine run %s", run.RunID)
	}
	return &out, nil
}

func (s *Store) GetEngineRun(ctx context.Context, runID string) (*enginerun.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+engineRunCols+` FROM codex_runs WHERE run_id = $1`, runID)

	r, err := scanEngineRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get engine run %s", runID)
	}
	return &r, nil
}

// UpdateEngineRunStatus moves a non-terminal run to the given status.
// Terminal rows are never rewritten: terminal status is monotonic.
func (s *Store) UpdateEngineRunStatus(ctx context.Context, runID string, status enginerun.Status, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE codex_runs SET status = $2,
		   worker_id = CASE WHEN $3 = '' THEN worker_id ELSE $3 END,
		   started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		   updated_at = now()
		 WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		runID, string(status), workerID)
	if err != nil {
		return fmt.Errorf("update engine run status %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update engine run status %s: %w", runID, domain.ErrIllegalTransition)
	}
	return nil
}

// FinishEngineRun records the terminal outcome of a run. Finishing an
// already-terminal run is a no-op so retried reporters stay harmless.
func (s *Store) FinishEngineRun(ctx context.Context, runID string, status enginerun.Status, result []byte, errMsg string, costTokens, costCents *int64) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish engine run %s: %q is not terminal: %w", runID, status, domain.ErrValidation)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE codex_runs SET status = $2, result = $3, error = $4, cost_tokens = $5, cost_cents = $6,
		   finished_at = now(), updated_at = now()
		 WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		runID, string(status), result, errMsg, costTokens, costCents)
	if err != nil {
		return fmt.Errorf("finish engine run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) ListEngineRuns(ctx context.Context, protocolRunID int64) ([]enginerun.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+engineRunCols+` FROM codex_runs WHERE protocol_run_id = $1 ORDER BY created_at DESC`,
		protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list engine runs: %w", err)
	}
	defer rows.Close()

	var runs []enginerun.Run
	for rows.Next() {
		r, err := scanEngineRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanEngineRun(row scannable) (enginerun.Run, error) {
	var r enginerun.Run
	var params, result []byte
	err := row.Scan(&r.RunID, &r.JobType, &r.RunKind, &r.Status, &r.ProjectID, &r.ProtocolRunID,
		&r.StepRunID, &r.Queue, &r.Attempt, &r.WorkerID, &r.StartedAt, &r.FinishedAt,
		&r.PromptVersion, &params, &result, &r.Error, &r.LogPath,
		&r.CostTokens, &r.CostCents, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, fmt.Errorf("scan engine run: %w", err)
	}
	r.Params = params
	r.Result = result
	return r, nil
}
