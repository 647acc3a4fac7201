package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ljluestc/canary/internal/domain"
)

// RunRepo implements [domain.RunRepository] backed by SQLite. Terminal
// runs stay in the table as archived history.
type RunRepo struct {
	DB *sql.DB
}

const runColumns = `id, spec_id, spec, stable_ref, new_ref, phase, step_index, weight,
	phase_started_at, pause_until, inconclusive_count, last_evaluated_at,
	promote_requested, resume_requested, pause_requested, abort_requested, abort_reason,
	created_at, promoted_at, completed_at, scale_down_at, history`

func (r *RunRepo) Create(ctx context.Context, run domain.RolloutRun) error {
	spec, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec snapshot: %w", err)
	}
	stableRef, err := json.Marshal(run.StableRef)
	if err != nil {
		return fmt.Errorf("marshal stable ref: %w", err)
	}
	newRef, err := json.Marshal(run.NewRef)
	if err != nil {
		return fmt.Errorf("marshal new ref: %w", err)
	}
	history, err := marshalHistory(run.History)
	if err != nil {
		return err
	}

	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO rollout_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(run.ID), string(run.SpecID), string(spec), string(stableRef), string(newRef),
		string(run.Phase), run.StepIndex, run.Weight,
		timeText(run.PhaseStartedAt), nullTimeText(run.PauseUntil),
		run.InconclusiveCount, nullTimeText(run.LastEvaluatedAt),
		boolInt(run.Control.Promote), boolInt(run.Control.Resume),
		boolInt(run.Control.Pause), boolInt(run.Control.Abort), run.AbortReason,
		timeText(run.CreatedAt), nullTimeText(run.PromotedAt),
		nullTimeText(run.CompletedAt), nullTimeText(run.ScaleDownAt), history,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %q: %w", run.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r *RunRepo) Get(ctx context.Context, id domain.RunID) (domain.RolloutRun, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM rollout_runs WHERE id = ?`, string(id))
	run, err := scanRun(row)
	if errors.Is(err, domain.ErrNotFound) {
		return run, fmt.Errorf("run %q: %w", id, domain.ErrNotFound)
	}
	return run, err
}

func (r *RunRepo) GetActiveBySpec(ctx context.Context, specID domain.SpecID) (domain.RolloutRun, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM rollout_runs
		 WHERE spec_id = ? AND phase NOT IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		string(specID), string(domain.PhasePromoted), string(domain.PhaseAborted))
	run, err := scanRun(row)
	if errors.Is(err, domain.ErrNotFound) {
		return run, fmt.Errorf("active run for spec %q: %w", specID, domain.ErrNotFound)
	}
	return run, err
}

func (r *RunRepo) ListActive(ctx context.Context) ([]domain.RolloutRun, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM rollout_runs
		 WHERE phase NOT IN (?, ?) ORDER BY created_at`,
		string(domain.PhasePromoted), string(domain.PhaseAborted))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *RunRepo) ListBySpec(ctx context.Context, specID domain.SpecID) ([]domain.RolloutRun, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM rollout_runs WHERE spec_id = ? ORDER BY created_at`,
		string(specID))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// SaveTransition persists the tick's resulting state in one statement.
// Control flags are cleared only when the tick consumed them, so a
// command written between the tick's read and this write survives.
func (r *RunRepo) SaveTransition(ctx context.Context, run domain.RolloutRun, consumed domain.ControlFlags) error {
	stableRef, err := json.Marshal(run.StableRef)
	if err != nil {
		return fmt.Errorf("marshal stable ref: %w", err)
	}
	newRef, err := json.Marshal(run.NewRef)
	if err != nil {
		return fmt.Errorf("marshal new ref: %w", err)
	}
	history, err := marshalHistory(run.History)
	if err != nil {
		return err
	}

	res, err := r.DB.ExecContext(ctx,
		`UPDATE rollout_runs SET
		   stable_ref = ?, new_ref = ?, phase = ?, step_index = ?, weight = ?,
		   phase_started_at = ?, pause_until = ?,
		   inconclusive_count = ?, last_evaluated_at = ?,
		   promoted_at = ?, completed_at = ?, scale_down_at = ?, history = ?,
		   promote_requested = CASE WHEN ? THEN 0 ELSE promote_requested END,
		   resume_requested  = CASE WHEN ? THEN 0 ELSE resume_requested END,
		   pause_requested   = CASE WHEN ? THEN 0 ELSE pause_requested END,
		   abort_requested   = CASE WHEN ? THEN 0 ELSE abort_requested END
		 WHERE id = ?`,
		string(stableRef), string(newRef), string(run.Phase), run.StepIndex, run.Weight,
		timeText(run.PhaseStartedAt), nullTimeText(run.PauseUntil),
		run.InconclusiveCount, nullTimeText(run.LastEvaluatedAt),
		nullTimeText(run.PromotedAt), nullTimeText(run.CompletedAt),
		nullTimeText(run.ScaleDownAt), history,
		boolInt(consumed.Promote), boolInt(consumed.Resume),
		boolInt(consumed.Pause), boolInt(consumed.Abort),
		string(run.ID),
	)
	if err != nil {
		return fmt.Errorf("save transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %q: %w", run.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *RunRepo) SetControlFlags(ctx context.Context, id domain.RunID, flags domain.ControlFlags, abortReason string) error {
	reason := ""
	if flags.Abort {
		reason = abortReason
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE rollout_runs SET
		   promote_requested = promote_requested OR ?,
		   resume_requested  = resume_requested OR ?,
		   pause_requested   = pause_requested OR ?,
		   abort_requested   = abort_requested OR ?,
		   abort_reason = CASE WHEN ? != '' THEN ? ELSE abort_reason END
		 WHERE id = ?`,
		boolInt(flags.Promote), boolInt(flags.Resume),
		boolInt(flags.Pause), boolInt(flags.Abort),
		reason, reason, string(id),
	)
	if err != nil {
		return fmt.Errorf("set control flags: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RunRepo) AppendHistory(ctx context.Context, id domain.RunID, record domain.TransitionRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append history: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT history FROM rollout_runs WHERE id = ?`, string(id)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %q: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("read history: %w", err)
	}

	var history []domain.TransitionRecord
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return fmt.Errorf("unmarshal history: %w", err)
	}
	history = append(history, record)
	updated, err := marshalHistory(history)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rollout_runs SET history = ? WHERE id = ?`, updated, string(id)); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return tx.Commit()
}

func marshalHistory(history []domain.TransitionRecord) (string, error) {
	if history == nil {
		history = []domain.TransitionRecord{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return string(raw), nil
}

func collectRuns(rows *sql.Rows) ([]domain.RolloutRun, error) {
	defer rows.Close()
	var runs []domain.RolloutRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(s scanner) (domain.RolloutRun, error) {
	var run domain.RolloutRun
	var (
		id, specID, specJSON, stableJSON, newJSON, phase    string
		phaseStartedAt, createdAt, abortReason, historyJSON string
		pauseUntil, lastEvaluatedAt                         sql.NullString
		promotedAt, completedAt, scaleDownAt                sql.NullString
		promoteReq, resumeReq, pauseReq, abortReq           int
	)
	err := s.Scan(&id, &specID, &specJSON, &stableJSON, &newJSON, &phase,
		&run.StepIndex, &run.Weight, &phaseStartedAt, &pauseUntil,
		&run.InconclusiveCount, &lastEvaluatedAt,
		&promoteReq, &resumeReq, &pauseReq, &abortReq, &abortReason,
		&createdAt, &promotedAt, &completedAt, &scaleDownAt, &historyJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, domain.ErrNotFound
		}
		return run, fmt.Errorf("scan run: %w", err)
	}

	run.ID = domain.RunID(id)
	run.SpecID = domain.SpecID(specID)
	run.Phase = domain.Phase(phase)
	run.AbortReason = abortReason
	run.Control = domain.ControlFlags{
		Promote: promoteReq != 0,
		Resume:  resumeReq != 0,
		Pause:   pauseReq != 0,
		Abort:   abortReq != 0,
	}

	if err := json.Unmarshal([]byte(specJSON), &run.Spec); err != nil {
		return run, fmt.Errorf("unmarshal spec snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(stableJSON), &run.StableRef); err != nil {
		return run, fmt.Errorf("unmarshal stable ref: %w", err)
	}
	if err := json.Unmarshal([]byte(newJSON), &run.NewRef); err != nil {
		return run, fmt.Errorf("unmarshal new ref: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &run.History); err != nil {
		return run, fmt.Errorf("unmarshal history: %w", err)
	}

	if run.PhaseStartedAt, err = parseTimeText(phaseStartedAt); err != nil {
		return run, err
	}
	if run.CreatedAt, err = parseTimeText(createdAt); err != nil {
		return run, err
	}
	if run.PauseUntil, err = parseNullTimeText(pauseUntil); err != nil {
		return run, err
	}
	if run.LastEvaluatedAt, err = parseNullTimeText(lastEvaluatedAt); err != nil {
		return run, err
	}
	if run.PromotedAt, err = parseNullTimeText(promotedAt); err != nil {
		return run, err
	}
	if run.CompletedAt, err = parseNullTimeText(completedAt); err != nil {
		return run, err
	}
	if run.ScaleDownAt, err = parseNullTimeText(scaleDownAt); err != nil {
		return run, err
	}
	return run, nil
}
