package domain

import "context"

// SpecRepository persists and retrieves rollout specs.
type SpecRepository interface {
	Create(ctx context.Context, spec RolloutSpec) error
	Get(ctx context.Context, id SpecID) (RolloutSpec, error)
	List(ctx context.Context) ([]RolloutSpec, error)
	Update(ctx context.Context, spec RolloutSpec) error
	Delete(ctx context.Context, id SpecID) error
}

// RunRepository persists rollout runs. Terminal runs are archived, not
// deleted, and remain queryable as history.
type RunRepository interface {
	Create(ctx context.Context, run RolloutRun) error
	Get(ctx context.Context, id RunID) (RolloutRun, error)

	// GetActiveBySpec returns the single non-terminal run for a spec,
	// or ErrNotFound. At most one active run exists per spec.
	GetActiveBySpec(ctx context.Context, specID SpecID) (RolloutRun, error)

	// ListActive returns every non-terminal run, used to resume
	// reconciliation loops after a process restart.
	ListActive(ctx context.Context) ([]RolloutRun, error)

	ListBySpec(ctx context.Context, specID SpecID) ([]RolloutRun, error)

	// SaveTransition persists the run's phase, step index, weight, and
	// history in one transaction. It clears only the control flags the
	// tick consumed, so a command landing mid-tick survives for the
	// next tick boundary.
	SaveTransition(ctx context.Context, run RolloutRun, consumed ControlFlags) error

	// SetControlFlags ORs the given flags (and abort reason, when
	// aborting) into the run's pending command set without touching
	// reconciliation state.
	SetControlFlags(ctx context.Context, id RunID, flags ControlFlags, abortReason string) error

	// AppendHistory appends a record to the run's history log without
	// changing any other state, for in-phase events such as adapter
	// failures.
	AppendHistory(ctx context.Context, id RunID, record TransitionRecord) error
}

// AnalysisRunRepository archives analysis evaluations.
type AnalysisRunRepository interface {
	Create(ctx context.Context, ar AnalysisRun) error
	Get(ctx context.Context, id string) (AnalysisRun, error)
	ListByRun(ctx context.Context, runID RunID) ([]AnalysisRun, error)
}
