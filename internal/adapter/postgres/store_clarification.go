package postgres

import (
	"context"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/clarification"
)

const clarificationCols = `id, scope, project_id, protocol_run_id, step_run_id, key, question, options,
	 recommended, blocking, answer, status, answered_at, answered_by, created_at, updated_at`

func (s *Store) CreateClarification(ctx context.Context, c *clarification.Clarification) (*clarification.Clarification, error) {
	if c.ProjectID == 0 || c.Key == "" || c.Question == "" {
		return nil, fmt.Errorf("create clarification: project_id, key and question are required: %w", domain.ErrValidation)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO clarifications (scope, project_id, protocol_run_id, step_run_id, key, question,
		   options, recommended, blocking)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+clarificationCols,
		string(c.Scope), c.ProjectID, c.ProtocolRunID, c.StepRunID, c.Key, c.Question,
		pgTextArray(c.Options), c.Recommended, c.Blocking)

	out, err := scanClarification(row)
	if err != nil {
		return nil, conflictWrap(err, "create clarification %s", c.Key)
	}
	return &out, nil
}

// AnswerClarification records an answer on an open clarification.
// Answering a non-open clarification fails with ErrIllegalTransition.
func (s *Store) AnswerClarification(ctx context.Context, id int64, answer, answeredBy string) (*clarification.Clarification, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE clarifications SET answer = $2, answered_by = $3, status = 'answered',
		   answered_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+clarificationCols,
		id, answer, answeredBy)

	out, err := scanClarification(row)
	if err != nil {
		// Distinguish missing from already-resolved.
		var status string
		probe := s.pool.QueryRow(ctx, `SELECT status FROM clarifications WHERE id = $1`, id)
		if probeErr := probe.Scan(&status); probeErr == nil {
			return nil, fmt.Errorf("answer clarification %d: status %s: %w", id, status, domain.ErrIllegalTransition)
		}
		return nil, notFoundWrap(err, "answer clarification %d", id)
	}
	return &out, nil
}

func (s *Store) DismissClarification(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clarifications SET status = 'dismissed', updated_at = now()
		 WHERE id = $1 AND status = 'open'`, id)
	return execExpectOne(tag, err, "dismiss clarification %d", id)
}

// ListOpenClarifications returns open clarifications for a project,
// optionally narrowed to one protocol run.
func (s *Store) ListOpenClarifications(ctx context.Context, projectID int64, protocolRunID *int64) ([]clarification.Clarification, error) {
	query := `SELECT ` + clarificationCols + ` FROM clarifications WHERE project_id = $1 AND status = 'open'`
	args := []any{projectID}
	if protocolRunID != nil {
		args = append(args, *protocolRunID)
		query += ` AND protocol_run_id = $2`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open clarifications: %w", err)
	}
	defer rows.Close()

	var out []clarification.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClarification(row scannable) (clarification.Clarification, error) {
	var c clarification.Clarification
	err := row.Scan(&c.ID, &c.Scope, &c.ProjectID, &c.ProtocolRunID, &c.StepRunID, &c.Key,
		&c.Question, &c.Options, &c.Recommended, &c.Blocking, &c.Answer, &c.Status,
		&c.AnsweredAt, &c.AnsweredBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
