package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

const eventCols = `id, protocol_run_id, step_run_id, project_id, event_type, message, metadata, created_at`

// AppendEvent inserts one immutable event row. Events are never updated
// or deleted except by project cascade.
func (s *Store) AppendEvent(ctx context.Context, e event.Event) (*event.Event, error) {
	if e.ProtocolRunID == nil && e.ProjectID == nil {
		return nil, fmt.Errorf("append event: protocol_run_id or project_id is required: %w", domain.ErrValidation)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("append event: event_type is required: %w", domain.ErrValidation)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO events (protocol_run_id, step_run_id, project_id, event_type, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+eventCols,
		e.ProtocolRunID, e.StepRunID, e.ProjectID, string(e.EventType), e.Message, []byte(e.Metadata))

	out, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return &out, nil
}

// ListEvents returns events matching the filter, newest first, with
// keyset pagination via AfterID (strictly older than AfterID).
func (s *Store) ListEvents(ctx context.Context, f event.Filter) ([]event.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ProtocolRunID != 0 {
		add("protocol_run_id = $%d", f.ProtocolRunID)
	}
	if f.StepRunID != 0 {
		add("step_run_id = $%d", f.StepRunID)
	}
	if f.ProjectID != 0 {
		add("project_id = $%d", f.ProjectID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.AfterID != 0 {
		add("id < $%d", f.AfterID)
	}

	query := `SELECT ` + eventCols + ` FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row scannable) (event.Event, error) {
	var e event.Event
	var metadata []byte
	err := row.Scan(&e.ID, &e.ProtocolRunID, &e.StepRunID, &e.ProjectID,
		&e.EventType, &e.Message, &metadata, &e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.Metadata = metadata
	return e, nil
}
