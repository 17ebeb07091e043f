package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
)

const packCols = `id, key, version, name, description, status, pack, created_at, updated_at`

// UpsertPolicyPack inserts or replaces the pack at (key, version).
// The pack document must already be validated.
func (s *Store) UpsertPolicyPack(ctx context.Context, pack *policy.Pack) (*policy.Pack, error) {
	if err := pack.Validate(); err != nil {
		return nil, fmt.Errorf("upsert policy pack: %w", err)
	}
	doc, err := json.Marshal(pack.Document)
	if err != nil {
		return nil, fmt.Errorf("marshal pack document: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO policy_packs (key, version, name, description, status, pack)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key, version) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   status = EXCLUDED.status,
		   pack = EXCLUDED.pack,
		   updated_at = now()
		 RETURNING `+packCols,
		pack.Key, pack.Version, pack.Name, pack.Description, string(pack.Status), doc)

	out, err := scanPolicyPack(row)
	if err != nil {
		return nil, fmt.Errorf("upsert policy pack %s@%s: %w", pack.Key, pack.Version, err)
	}
	return &out, nil
}

func (s *Store) GetPolicyPack(ctx context.Context, key, version string) (*policy.Pack, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+packCols+` FROM policy_packs WHERE key = $1 AND version = $2`, key, version)

	p, err := scanPolicyPack(row)
	if err != nil {
		return nil, notFoundWrap(err, "get policy pack %s@%s", key, version)
	}
	return &p, nil
}

// LatestActivePack returns the most recently created active version of
// a pack key. Creation order, not version-string order, decides: packs
// are seeded and promoted in sequence.
func (s *Store) LatestActivePack(ctx context.Context, key string) (*policy.Pack, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+packCols+` FROM policy_packs
		 WHERE key = $1 AND status = 'active'
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, key)

	p, err := scanPolicyPack(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest active pack %s", key)
	}
	return &p, nil
}

func (s *Store) ListPolicyPacks(ctx context.Context, key string) ([]policy.Pack, error) {
	query := `SELECT ` + packCols + ` FROM policy_packs`
	var args []any
	if key != "" {
		query += ` WHERE key = $1`
		args = append(args, key)
	}
	query += ` ORDER BY key ASC, created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policy packs: %w", err)
	}
	defer rows.Close()

	var packs []policy.Pack
	for rows.Next() {
		p, err := scanPolicyPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

func scanPolicyPack(row scannable) (policy.Pack, error) {
	var p policy.Pack
	var doc []byte
	err := row.Scan(&p.ID, &p.Key, &p.Version, &p.Name, &p.Description, &p.Status, &doc,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(doc, &p.Document); err != nil {
		return p, fmt.Errorf("unmarshal pack document: %w", err)
	}
	return p, nil
}
