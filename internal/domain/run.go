package domain

import "time"

// RunID identifies one rollout run.
type RunID string

// Phase is the state-machine phase of a rollout run.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseProgressing  Phase = "Progressing"
	PhasePaused       Phase = "Paused"
	PhaseAnalyzing    Phase = "Analyzing"
	PhaseRollingBack  Phase = "RollingBack"
	PhasePromoted     Phase = "Promoted"
	PhaseAborted      Phase = "Aborted"
)

// Terminal reports whether the phase is absorbing. No transition exists
// out of a terminal phase.
func (p Phase) Terminal() bool {
	return p == PhasePromoted || p == PhaseAborted
}

// Transition reasons recorded in run history. Free-form reasons (for
// example the failing metric of an analysis) are built on top of these.
const (
	ReasonPreviewReady      = "PreviewReady"
	ReasonPreviewHealthy    = "PreviewHealthy"
	ReasonAwaitingPromotion = "AwaitingPromotion"
	ReasonStepsCompleted    = "StepsCompleted"
	ReasonPauseStep         = "PauseStep"
	ReasonPauseElapsed      = "PauseElapsed"
	ReasonAnalysisStep      = "AnalysisStep"
	ReasonAnalysisPassed    = "AnalysisPassed"
	ReasonAnalysisFailed    = "AnalysisFailed"
	ReasonInconclusiveLimit = "InconclusiveLimit"
	ReasonTimeoutExceeded   = "TimeoutExceeded"
	ReasonOperatorPromote   = "OperatorPromote"
	ReasonOperatorResume    = "OperatorResume"
	ReasonOperatorPause     = "OperatorPause"
	ReasonOperatorAbort     = "OperatorAbort"
	ReasonSuperseded        = "Superseded"
	ReasonRolledBack        = "RolledBack"
	ReasonRouterError       = "RouterError"
	ReasonMetricsError      = "MetricsError"
	ReasonTickFailed        = "TickFailed"
	ReasonRetryBudgetSpent  = "RetryBudgetExhausted"
	ReasonInitialVersion    = "InitialVersion"
)

// ReplicaSetRef is a logical pointer to a backing replica set. The
// controller owns only the routing decision toward it, never the pod
// lifecycle.
type ReplicaSetRef struct {
	Name  string
	Hash  string
	Image string
}

// Zero reports whether the ref points at nothing.
func (r ReplicaSetRef) Zero() bool {
	return r.Name == "" && r.Hash == ""
}

// TransitionRecord is one entry in a run's immutable history log.
type TransitionRecord struct {
	Time   time.Time
	From   Phase
	To     Phase
	Reason string
}

// ControlFlags are the pending operator requests on a run. Commands set
// them; the reconciliation tick consumes them at the next tick boundary.
type ControlFlags struct {
	Promote bool
	Resume  bool
	Pause   bool
	Abort   bool
}

// Any reports whether at least one flag is set.
func (f ControlFlags) Any() bool {
	return f.Promote || f.Resume || f.Pause || f.Abort
}

// RolloutRun is one execution instance of a spec for a specific image.
// It is owned exclusively by its reconciliation loop: no other writer
// mutates phase, step, or weight.
type RolloutRun struct {
	ID     RunID
	SpecID SpecID

	// Spec is the immutable snapshot taken at run creation.
	Spec RolloutSpec

	StableRef ReplicaSetRef
	NewRef    ReplicaSetRef

	Phase     Phase
	StepIndex int
	Weight    int

	// PhaseStartedAt feeds the per-phase timeout check.
	PhaseStartedAt time.Time

	// PauseUntil is set while in a timed pause; nil means indefinite.
	PauseUntil *time.Time

	// InconclusiveCount counts consecutive inconclusive analysis
	// verdicts for the current analysis step.
	InconclusiveCount int

	// LastEvaluatedAt is the time of the most recent analysis
	// evaluation for the current analysis step.
	LastEvaluatedAt *time.Time

	Control     ControlFlags
	AbortReason string

	CreatedAt   time.Time
	PromotedAt  *time.Time
	CompletedAt *time.Time

	// ScaleDownAt is the earliest time the superseded stable replica
	// set may be torn down after a promotion.
	ScaleDownAt *time.Time

	History []TransitionRecord
}

// Transition moves the run to a new phase at the given time and appends
// the record to history. It does not persist.
func (r *RolloutRun) Transition(to Phase, reason string, now time.Time) {
	r.History = append(r.History, TransitionRecord{
		Time:   now,
		From:   r.Phase,
		To:     to,
		Reason: reason,
	})
	r.Phase = to
	r.PhaseStartedAt = now
}

// RecordEvent appends a history entry without changing phase, for
// in-phase events such as adapter failures.
func (r *RolloutRun) RecordEvent(reason string, now time.Time) {
	r.History = append(r.History, TransitionRecord{
		Time:   now,
		From:   r.Phase,
		To:     r.Phase,
		Reason: reason,
	})
}

// exitPause leaves the paused state. The step index advances only when
// the pause came from a Pause step; an operator-initiated pause holds
// before a step that still has to run.
func (r *RolloutRun) exitPause() {
	if s := r.CurrentStep(); s != nil && s.Pause != nil {
		r.StepIndex++
	}
	r.PauseUntil = nil
}

// CurrentStep returns the canary step at the run's step index, or nil
// when the index is past the last step.
func (r *RolloutRun) CurrentStep() *Step {
	if r.Spec.Canary == nil {
		return nil
	}
	if r.StepIndex < 0 || r.StepIndex >= len(r.Spec.Canary.Steps) {
		return nil
	}
	return &r.Spec.Canary.Steps[r.StepIndex]
}
