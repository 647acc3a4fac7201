package domain

import (
	"context"
	"fmt"
	"time"
)

// TickPolicies are the controller-level policy knobs for the state
// machine. All values come from configuration; the illustrative numbers
// in operator runbooks are defaults, not requirements.
type TickPolicies struct {
	// PhaseTimeouts maps a phase to its maximum duration. Zero means
	// unlimited; exceeding a limit forces a rollback with reason
	// TimeoutExceeded.
	PhaseTimeouts map[Phase]time.Duration

	// AnalysisInterval is the evaluation cadence used when a template
	// does not set its own.
	AnalysisInterval time.Duration

	// MaxInconclusive is the consecutive-inconclusive bound used when
	// a template does not set its own.
	MaxInconclusive int
}

// WeightInput is the input to the apply-weight activity.
type WeightInput struct {
	Run     RolloutRun
	Percent int
}

// RouteInput is the input to the promote-route and rollback-route
// activities.
type RouteInput struct {
	Run RolloutRun
}

// ReadinessInput is the input to the check-readiness activity.
type ReadinessInput struct {
	Run RolloutRun
}

// AnalysisInput is the input to the run-analysis activity.
type AnalysisInput struct {
	Run      RolloutRun
	Template string
}

// SaveInput is the input to the save-transition activity.
type SaveInput struct {
	Run      RolloutRun
	Consumed ControlFlags
}

// TickWorkflow is the rollout state machine, executed one reconciliation
// tick at a time. Every adapter- or repository-touching step is a named
// idempotent activity so a durable engine can retry a tick that failed
// partway; the body itself is deterministic given the activity results
// and the tick's captured Now.
//
// A tick reads the run, consumes pending operator commands, dispatches
// the phase handler, and persists the resulting phase, step index,
// weight, and history in one transaction.
type TickWorkflow struct {
	Runs      RunRepository
	Analyses  AnalysisRunRepository
	Router    TrafficRouter
	Health    HealthChecker
	Engine    *AnalysisEngine
	Templates map[string]AnalysisTemplate
	Policies  TickPolicies
}

// Name is the stable workflow registration name.
func (w *TickWorkflow) Name() string { return "rollout-tick" }

func (w *TickWorkflow) LoadRun() Activity[RunID, RolloutRun] {
	return NewActivity("load-run", func(ctx context.Context, id RunID) (RolloutRun, error) {
		return w.Runs.Get(ctx, id)
	})
}

func (w *TickWorkflow) CheckReadiness() Activity[ReadinessInput, bool] {
	return NewActivity("check-readiness", func(ctx context.Context, in ReadinessInput) (bool, error) {
		return w.Health.Ready(ctx, in.Run, in.Run.NewRef)
	})
}

func (w *TickWorkflow) ApplyWeight() Activity[WeightInput, struct{}] {
	return NewActivity("apply-weight", func(ctx context.Context, in WeightInput) (struct{}, error) {
		return struct{}{}, w.Router.SetWeight(ctx, in.Run, in.Percent)
	})
}

func (w *TickWorkflow) PromoteRoute() Activity[RouteInput, struct{}] {
	return NewActivity("promote-route", func(ctx context.Context, in RouteInput) (struct{}, error) {
		return struct{}{}, w.Router.Promote(ctx, in.Run)
	})
}

func (w *TickWorkflow) RollbackRoute() Activity[RouteInput, struct{}] {
	return NewActivity("rollback-route", func(ctx context.Context, in RouteInput) (struct{}, error) {
		return struct{}{}, w.Router.Rollback(ctx, in.Run)
	})
}

// RunAnalysis evaluates the template once and archives the result.
// The archive happens inside the activity so a replayed tick does not
// re-query the metrics backend for a verdict it already has.
func (w *TickWorkflow) RunAnalysis() Activity[AnalysisInput, AnalysisRun] {
	return NewActivity("run-analysis", func(ctx context.Context, in AnalysisInput) (AnalysisRun, error) {
		tmpl, ok := w.Templates[in.Template]
		if !ok {
			return AnalysisRun{}, fmt.Errorf("%w: analysis template %q", ErrNotFound, in.Template)
		}
		ar, err := w.Engine.Evaluate(ctx, tmpl, in.Run)
		if err != nil {
			return AnalysisRun{}, err
		}
		if err := w.Analyses.Create(ctx, ar); err != nil {
			return AnalysisRun{}, fmt.Errorf("archive analysis run: %w", err)
		}
		return ar, nil
	})
}

func (w *TickWorkflow) SaveTransition() Activity[SaveInput, struct{}] {
	return NewActivity("save-transition", func(ctx context.Context, in SaveInput) (struct{}, error) {
		return struct{}{}, w.Runs.SaveTransition(ctx, in.Run, in.Consumed)
	})
}

// Run executes one reconciliation tick.
func (w *TickWorkflow) Run(runner DurableRunner, in TickInput) (TickResult, error) {
	run, err := RunActivity(runner, w.LoadRun(), in.RunID)
	if err != nil {
		return TickResult{}, err
	}
	if run.Phase.Terminal() {
		return TickResult{Phase: run.Phase}, nil
	}

	now := in.Now
	var consumed ControlFlags

	// Forced paths take precedence over the phase handler: an abort is
	// honored at the tick boundary regardless of phase, and a phase
	// exceeding its maximum duration rolls back.
	switch {
	case run.Control.Abort && run.Phase != PhaseRollingBack:
		consumed.Abort = true
		reason := run.AbortReason
		if reason == "" {
			reason = ReasonOperatorAbort
		}
		run.Transition(PhaseRollingBack, reason, now)
	case run.Phase != PhaseRollingBack && w.phaseTimedOut(run, now):
		run.Transition(PhaseRollingBack, ReasonTimeoutExceeded, now)
	}

	switch run.Phase {
	case PhaseInitializing:
		if err := w.tickInitializing(runner, &run, now); err != nil {
			return TickResult{}, err
		}
	case PhaseProgressing:
		if err := w.tickProgressing(runner, &run, &consumed, now); err != nil {
			return TickResult{}, err
		}
	case PhasePaused:
		if err := w.tickPaused(runner, &run, &consumed, now); err != nil {
			return TickResult{}, err
		}
	case PhaseAnalyzing:
		if err := w.tickAnalyzing(runner, &run, &consumed, now); err != nil {
			return TickResult{}, err
		}
	case PhaseRollingBack:
		if err := w.tickRollingBack(runner, &run, now); err != nil {
			return TickResult{}, err
		}
	}

	if _, err := RunActivity(runner, w.SaveTransition(), SaveInput{Run: run, Consumed: consumed}); err != nil {
		return TickResult{}, err
	}
	return TickResult{Phase: run.Phase}, nil
}

// tickInitializing waits for the new replica set's readiness signal
// before any traffic shifts begin.
func (w *TickWorkflow) tickInitializing(runner DurableRunner, run *RolloutRun, now time.Time) error {
	ready, err := RunActivity(runner, w.CheckReadiness(), ReadinessInput{Run: *run})
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	if run.Spec.Kind == StrategyBlueGreen {
		if run.Spec.BlueGreen.AutoPromotion {
			return w.cutover(runner, run, ReasonPreviewHealthy, now)
		}
		run.PauseUntil = nil
		run.Transition(PhasePaused, ReasonAwaitingPromotion, now)
		return nil
	}
	run.Transition(PhaseProgressing, ReasonPreviewReady, now)
	return nil
}

// tickProgressing executes the canary step at the current index. One
// step per tick keeps each tick short and individually persisted.
func (w *TickWorkflow) tickProgressing(runner DurableRunner, run *RolloutRun, consumed *ControlFlags, now time.Time) error {
	if run.Control.Pause {
		consumed.Pause = true
		run.PauseUntil = nil
		run.Transition(PhasePaused, ReasonOperatorPause, now)
		return nil
	}

	step := run.CurrentStep()
	if step == nil {
		// Past the last step (or a blue-green run resumed here):
		// shift all traffic and promote.
		return w.cutover(runner, run, ReasonStepsCompleted, now)
	}

	switch {
	case step.SetWeight != nil:
		pct := step.SetWeight.Percent
		if _, err := RunActivity(runner, w.ApplyWeight(), WeightInput{Run: *run, Percent: pct}); err != nil {
			return err
		}
		run.Weight = pct
		run.StepIndex++
		run.RecordEvent(fmt.Sprintf("SetWeight(%d)", pct), now)
	case step.Pause != nil:
		if step.Pause.Duration > 0 {
			until := now.Add(step.Pause.Duration)
			run.PauseUntil = &until
		} else {
			run.PauseUntil = nil
		}
		run.Transition(PhasePaused, ReasonPauseStep, now)
	case step.Analysis != nil:
		run.InconclusiveCount = 0
		run.LastEvaluatedAt = nil
		run.Transition(PhaseAnalyzing, ReasonAnalysisStep, now)
	}
	return nil
}

func (w *TickWorkflow) tickPaused(runner DurableRunner, run *RolloutRun, consumed *ControlFlags, now time.Time) error {
	switch {
	case run.Control.Promote:
		consumed.Promote = true
		if run.Spec.Kind == StrategyBlueGreen {
			return w.cutover(runner, run, ReasonOperatorPromote, now)
		}
		run.exitPause()
		run.Transition(PhaseProgressing, ReasonOperatorPromote, now)
	case run.Control.Resume:
		consumed.Resume = true
		if run.Spec.Kind == StrategyBlueGreen {
			// A held preview cuts over only on an explicit promote;
			// resume leaves the hold in place.
			return nil
		}
		run.exitPause()
		run.Transition(PhaseProgressing, ReasonOperatorResume, now)
	case run.PauseUntil != nil && !now.Before(*run.PauseUntil):
		run.exitPause()
		run.Transition(PhaseProgressing, ReasonPauseElapsed, now)
	}
	return nil
}

func (w *TickWorkflow) tickAnalyzing(runner DurableRunner, run *RolloutRun, consumed *ControlFlags, now time.Time) error {
	if run.Control.Pause {
		consumed.Pause = true
		run.PauseUntil = nil
		run.Transition(PhasePaused, ReasonOperatorPause, now)
		return nil
	}

	step := run.CurrentStep()
	if step == nil || step.Analysis == nil {
		// Index no longer points at an analysis step; reconverge.
		run.Transition(PhaseProgressing, ReasonAnalysisStep, now)
		return nil
	}
	if !w.evaluationDue(*run, *step.Analysis, now) {
		return nil
	}

	ar, err := RunActivity(runner, w.RunAnalysis(), AnalysisInput{Run: *run, Template: step.Analysis.Template})
	if err != nil {
		return err
	}
	evaluated := now
	run.LastEvaluatedAt = &evaluated

	switch ar.Verdict {
	case VerdictPass:
		run.InconclusiveCount = 0
		run.StepIndex++
		run.Transition(PhaseProgressing, ReasonAnalysisPassed, now)
	case VerdictFail:
		run.Transition(PhaseRollingBack, ReasonAnalysisFailed+": "+ar.FailureMessage(), now)
	case VerdictInconclusive:
		run.InconclusiveCount++
		if limit := w.maxInconclusive(step.Analysis.Template); limit > 0 && run.InconclusiveCount >= limit {
			run.Transition(PhaseRollingBack, ReasonInconclusiveLimit, now)
		}
	}
	return nil
}

func (w *TickWorkflow) tickRollingBack(runner DurableRunner, run *RolloutRun, now time.Time) error {
	if _, err := RunActivity(runner, w.RollbackRoute(), RouteInput{Run: *run}); err != nil {
		return err
	}
	run.Weight = 0
	completed := now
	run.CompletedAt = &completed
	run.Transition(PhaseAborted, ReasonRolledBack, now)
	return nil
}

// cutover shifts all traffic to the new replica set and promotes the
// run. After promotion StableRef is the promoted replica set and NewRef
// holds the superseded one awaiting external scale-down.
func (w *TickWorkflow) cutover(runner DurableRunner, run *RolloutRun, reason string, now time.Time) error {
	if _, err := RunActivity(runner, w.PromoteRoute(), RouteInput{Run: *run}); err != nil {
		return err
	}
	run.Weight = 100
	promoted := now
	run.PromotedAt = &promoted
	run.CompletedAt = &promoted
	if bg := run.Spec.BlueGreen; bg != nil && bg.ScaleDownDelay > 0 {
		teardown := now.Add(bg.ScaleDownDelay)
		run.ScaleDownAt = &teardown
	}
	run.StableRef, run.NewRef = run.NewRef, run.StableRef
	run.Transition(PhasePromoted, reason, now)
	return nil
}

func (w *TickWorkflow) phaseTimedOut(run RolloutRun, now time.Time) bool {
	limit := w.Policies.PhaseTimeouts[run.Phase]
	return limit > 0 && now.Sub(run.PhaseStartedAt) > limit
}

func (w *TickWorkflow) evaluationDue(run RolloutRun, step StepAnalysis, now time.Time) bool {
	if run.LastEvaluatedAt == nil {
		return !now.Before(run.PhaseStartedAt.Add(step.StartOffset))
	}
	interval := w.Policies.AnalysisInterval
	if tmpl, ok := w.Templates[step.Template]; ok && tmpl.Interval > 0 {
		interval = tmpl.Interval
	}
	return !now.Before(run.LastEvaluatedAt.Add(interval))
}

func (w *TickWorkflow) maxInconclusive(template string) int {
	if tmpl, ok := w.Templates[template]; ok && tmpl.MaxInconclusive > 0 {
		return tmpl.MaxInconclusive
	}
	return w.Policies.MaxInconclusive
}
