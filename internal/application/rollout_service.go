package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ljluestc/canary/internal/domain"
)

// RunStatus is the operator-facing view of a run.
type RunStatus struct {
	Run      domain.RolloutRun
	Analyses []domain.AnalysisRun
}

// RolloutService manages spec admission and run lifecycle commands. It
// never mutates a run's reconciliation state directly: commands are
// recorded as control flags and consumed by the run's loop at the next
// tick boundary.
type RolloutService struct {
	Specs     domain.SpecRepository
	Runs      domain.RunRepository
	Analyses  domain.AnalysisRunRepository
	Templates map[string]domain.AnalysisTemplate

	Orchestrator *Orchestrator
	Logger       *zap.Logger
	Now          func() time.Time
}

func (s *RolloutService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *RolloutService) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Submit admits a spec and reconciles runs toward it. The first image
// ever submitted for a spec becomes the stable version without a
// progressive run; a changed image starts a new run at weight zero,
// aborting any in-flight run first.
func (s *RolloutService) Submit(ctx context.Context, spec domain.RolloutSpec) (domain.RolloutRun, error) {
	if err := spec.Validate(s.Templates); err != nil {
		return domain.RolloutRun{}, err
	}

	if err := s.Specs.Create(ctx, spec); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return domain.RolloutRun{}, err
		}
		if err := s.Specs.Update(ctx, spec); err != nil {
			return domain.RolloutRun{}, err
		}
	}
	return s.reconcile(ctx, spec)
}

// reconcile creates, supersedes, or leaves alone the spec's run so that
// at most one is active.
func (s *RolloutService) reconcile(ctx context.Context, spec domain.RolloutSpec) (domain.RolloutRun, error) {
	active, err := s.Runs.GetActiveBySpec(ctx, spec.ID)
	switch {
	case err == nil:
		if active.NewRef.Image == spec.Image {
			return active, nil
		}
		// A newer desired image supersedes the in-flight run: request
		// an abort and let the run's own loop roll traffic back. The
		// successor starts once the loop reports the run finished.
		s.logger().Info("superseding in-flight run",
			zap.String("run", string(active.ID)),
			zap.String("image", spec.Image))
		if err := s.Runs.SetControlFlags(ctx, active.ID, domain.ControlFlags{Abort: true}, domain.ReasonSuperseded); err != nil {
			return domain.RolloutRun{}, err
		}
		if s.Orchestrator != nil {
			s.Orchestrator.Notify(active.ID)
		}
		return active, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.RolloutRun{}, err
	}

	last, found, err := s.latestRun(ctx, spec.ID)
	if err != nil {
		return domain.RolloutRun{}, err
	}
	if !found {
		return s.bootstrap(ctx, spec)
	}
	if last.StableRef.Image == spec.Image {
		// The desired image is already stable; nothing to roll out.
		return last, nil
	}
	run, err := s.startRun(ctx, spec, last.StableRef)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// A concurrent submit inserted an active run between the check
		// above and our insert; that run is the authoritative one.
		return s.Runs.GetActiveBySpec(ctx, spec.ID)
	}
	return run, err
}

// HandleFinished is the orchestrator's terminal-run callback. When the
// finished run was superseded, the successor for the latest submitted
// image starts here.
func (s *RolloutService) HandleFinished(run domain.RolloutRun) {
	ctx := context.Background()
	spec, err := s.Specs.Get(ctx, run.SpecID)
	if err != nil {
		s.logger().Warn("load spec after run finished",
			zap.String("spec", string(run.SpecID)), zap.Error(err))
		return
	}
	if _, err := s.reconcile(ctx, spec); err != nil {
		s.logger().Warn("start successor run",
			zap.String("spec", string(run.SpecID)), zap.Error(err))
	}
}

// bootstrap records the first submitted image as stable. There is no
// prior version to shift traffic away from, so the run is born promoted.
func (s *RolloutService) bootstrap(ctx context.Context, spec domain.RolloutSpec) (domain.RolloutRun, error) {
	now := s.now()
	ref := replicaSetRef(spec)
	run := domain.RolloutRun{
		ID:             domain.RunID(uuid.NewString()),
		SpecID:         spec.ID,
		Spec:           spec,
		StableRef:      ref,
		NewRef:         ref,
		Phase:          domain.PhasePromoted,
		Weight:         100,
		PhaseStartedAt: now,
		CreatedAt:      now,
		PromotedAt:     &now,
		CompletedAt:    &now,
		History: []domain.TransitionRecord{{
			Time: now, From: domain.PhaseInitializing, To: domain.PhasePromoted,
			Reason: domain.ReasonInitialVersion,
		}},
	}
	if err := s.Runs.Create(ctx, run); err != nil {
		return domain.RolloutRun{}, err
	}
	s.logger().Info("initial version promoted",
		zap.String("spec", string(spec.ID)),
		zap.String("image", spec.Image))
	return run, nil
}

func (s *RolloutService) startRun(ctx context.Context, spec domain.RolloutSpec, stable domain.ReplicaSetRef) (domain.RolloutRun, error) {
	now := s.now()
	run := domain.RolloutRun{
		ID:             domain.RunID(uuid.NewString()),
		SpecID:         spec.ID,
		Spec:           spec,
		StableRef:      stable,
		NewRef:         replicaSetRef(spec),
		Phase:          domain.PhaseInitializing,
		PhaseStartedAt: now,
		CreatedAt:      now,
	}
	if err := s.Runs.Create(ctx, run); err != nil {
		return domain.RolloutRun{}, err
	}
	s.logger().Info("rollout run created",
		zap.String("spec", string(spec.ID)),
		zap.String("run", string(run.ID)),
		zap.String("image", spec.Image),
		zap.String("strategy", string(spec.Kind)))
	if s.Orchestrator != nil {
		s.Orchestrator.Add(run.ID)
	}
	return run, nil
}

// latestRun returns the spec's most recent run. found is false when the
// spec has no runs yet.
func (s *RolloutService) latestRun(ctx context.Context, specID domain.SpecID) (domain.RolloutRun, bool, error) {
	runs, err := s.Runs.ListBySpec(ctx, specID)
	if err != nil {
		return domain.RolloutRun{}, false, err
	}
	if len(runs) == 0 {
		return domain.RolloutRun{}, false, nil
	}
	// Runs are chronological; the last one finished most recently.
	return runs[len(runs)-1], true, nil
}

// Promote requests promotion of a paused run: skip the remaining pause
// for a canary, or cut over a held blue-green preview.
func (s *RolloutService) Promote(ctx context.Context, id domain.RunID) error {
	run, err := s.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Phase != domain.PhasePaused {
		return fmt.Errorf("%w: promote requires phase Paused, run %q is %s", domain.ErrInvalidTransition, id, run.Phase)
	}
	return s.command(ctx, id, domain.ControlFlags{Promote: true}, "")
}

// Resume continues a paused run at its current step.
func (s *RolloutService) Resume(ctx context.Context, id domain.RunID) error {
	run, err := s.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Phase != domain.PhasePaused {
		return fmt.Errorf("%w: resume requires phase Paused, run %q is %s", domain.ErrInvalidTransition, id, run.Phase)
	}
	if run.Spec.Kind == domain.StrategyBlueGreen {
		return fmt.Errorf("%w: run %q holds a blue-green preview, promote it instead", domain.ErrInvalidTransition, id)
	}
	return s.command(ctx, id, domain.ControlFlags{Resume: true}, "")
}

// Pause holds the run at its current weight before the next step runs.
func (s *RolloutService) Pause(ctx context.Context, id domain.RunID) error {
	run, err := s.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Phase != domain.PhaseProgressing && run.Phase != domain.PhaseAnalyzing {
		return fmt.Errorf("%w: pause requires an advancing run, run %q is %s", domain.ErrInvalidTransition, id, run.Phase)
	}
	return s.command(ctx, id, domain.ControlFlags{Pause: true}, "")
}

// Abort rolls the run back. Valid from any non-terminal phase.
func (s *RolloutService) Abort(ctx context.Context, id domain.RunID, reason string) error {
	run, err := s.Runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Phase.Terminal() {
		return fmt.Errorf("%w: run %q already finished in %s", domain.ErrInvalidTransition, id, run.Phase)
	}
	if reason == "" {
		reason = domain.ReasonOperatorAbort
	}
	return s.command(ctx, id, domain.ControlFlags{Abort: true}, reason)
}

func (s *RolloutService) command(ctx context.Context, id domain.RunID, flags domain.ControlFlags, abortReason string) error {
	if err := s.Runs.SetControlFlags(ctx, id, flags, abortReason); err != nil {
		return err
	}
	if s.Orchestrator != nil {
		s.Orchestrator.Notify(id)
	}
	return nil
}

// Status returns the run together with its archived analysis evaluations.
func (s *RolloutService) Status(ctx context.Context, id domain.RunID) (RunStatus, error) {
	run, err := s.Runs.Get(ctx, id)
	if err != nil {
		return RunStatus{}, err
	}
	analyses, err := s.Analyses.ListByRun(ctx, id)
	if err != nil {
		return RunStatus{}, err
	}
	return RunStatus{Run: run, Analyses: analyses}, nil
}

// ListRuns returns every run for a spec, oldest first.
func (s *RolloutService) ListRuns(ctx context.Context, specID domain.SpecID) ([]domain.RolloutRun, error) {
	return s.Runs.ListBySpec(ctx, specID)
}

// ListActive returns every non-terminal run across all specs.
func (s *RolloutService) ListActive(ctx context.Context) ([]domain.RolloutRun, error) {
	return s.Runs.ListActive(ctx)
}

// replicaSetRef derives the logical replica set pointer for a spec's
// image. The hash is stable for a given image so re-submitting the same
// image maps to the same replica set.
func replicaSetRef(spec domain.RolloutSpec) domain.ReplicaSetRef {
	sum := sha256.Sum256([]byte(spec.Image))
	hash := hex.EncodeToString(sum[:])[:10]
	return domain.ReplicaSetRef{
		Name:  fmt.Sprintf("%s-%s", spec.ID, hash),
		Hash:  hash,
		Image: spec.Image,
	}
}
