package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ljluestc/canary/internal/domain"
)

// AnalysisRunRepo implements [domain.AnalysisRunRepository] backed by SQLite.
type AnalysisRunRepo struct {
	DB *sql.DB
}

func (r *AnalysisRunRepo) Create(ctx context.Context, ar domain.AnalysisRun) error {
	results, err := json.Marshal(ar.Results)
	if err != nil {
		return fmt.Errorf("marshal metric results: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, run_id, template, results, verdict, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, string(ar.RunID), ar.Template, string(results), string(ar.Verdict),
		timeText(ar.StartedAt), timeText(ar.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("analysis run %q: %w", ar.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert analysis run: %w", err)
	}
	return nil
}

func (r *AnalysisRunRepo) Get(ctx context.Context, id string) (domain.AnalysisRun, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, run_id, template, results, verdict, started_at, finished_at
		 FROM analysis_runs WHERE id = ?`, id)
	ar, err := scanAnalysisRun(row)
	if errors.Is(err, domain.ErrNotFound) {
		return ar, fmt.Errorf("analysis run %q: %w", id, domain.ErrNotFound)
	}
	return ar, err
}

func (r *AnalysisRunRepo) ListByRun(ctx context.Context, runID domain.RunID) ([]domain.AnalysisRun, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, run_id, template, results, verdict, started_at, finished_at
		 FROM analysis_runs WHERE run_id = ? ORDER BY started_at`, string(runID))
	if err != nil {
		return nil, fmt.Errorf("list analysis runs: %w", err)
	}
	defer rows.Close()

	var ars []domain.AnalysisRun
	for rows.Next() {
		ar, err := scanAnalysisRun(rows)
		if err != nil {
			return nil, err
		}
		ars = append(ars, ar)
	}
	return ars, rows.Err()
}

func scanAnalysisRun(s scanner) (domain.AnalysisRun, error) {
	var ar domain.AnalysisRun
	var runID, resultsJSON, verdict, startedAt, finishedAt string
	err := s.Scan(&ar.ID, &runID, &ar.Template, &resultsJSON, &verdict, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ar, domain.ErrNotFound
		}
		return ar, fmt.Errorf("scan analysis run: %w", err)
	}
	ar.RunID = domain.RunID(runID)
	ar.Verdict = domain.Verdict(verdict)
	if err := json.Unmarshal([]byte(resultsJSON), &ar.Results); err != nil {
		return ar, fmt.Errorf("unmarshal metric results: %w", err)
	}
	if ar.StartedAt, err = parseTimeText(startedAt); err != nil {
		return ar, err
	}
	if ar.FinishedAt, err = parseTimeText(finishedAt); err != nil {
		return ar, err
	}
	return ar, nil
}
