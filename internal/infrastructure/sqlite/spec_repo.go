package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ljluestc/canary/internal/domain"
)

// SpecRepo implements [domain.SpecRepository] backed by SQLite.
type SpecRepo struct {
	DB *sql.DB
}

func (r *SpecRepo) Create(ctx context.Context, spec domain.RolloutSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO rollout_specs (id, spec) VALUES (?, ?)`,
		string(spec.ID), string(raw),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("spec %q: %w", spec.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert spec: %w", err)
	}
	return nil
}

func (r *SpecRepo) Get(ctx context.Context, id domain.SpecID) (domain.RolloutSpec, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT spec FROM rollout_specs WHERE id = ?`, string(id))
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RolloutSpec{}, fmt.Errorf("spec %q: %w", id, domain.ErrNotFound)
		}
		return domain.RolloutSpec{}, fmt.Errorf("scan spec: %w", err)
	}
	var spec domain.RolloutSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return domain.RolloutSpec{}, fmt.Errorf("unmarshal spec: %w", err)
	}
	return spec, nil
}

func (r *SpecRepo) List(ctx context.Context) ([]domain.RolloutSpec, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT spec FROM rollout_specs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	defer rows.Close()

	var specs []domain.RolloutSpec
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan spec: %w", err)
		}
		var spec domain.RolloutSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("unmarshal spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (r *SpecRepo) Update(ctx context.Context, spec domain.RolloutSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE rollout_specs SET spec = ? WHERE id = ?`,
		string(raw), string(spec.ID),
	)
	if err != nil {
		return fmt.Errorf("update spec: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("spec %q: %w", spec.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *SpecRepo) Delete(ctx context.Context, id domain.SpecID) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rollout_specs WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete spec: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("spec %q: %w", id, domain.ErrNotFound)
	}
	return nil
}
