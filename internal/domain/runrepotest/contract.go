// Package runrepotest provides contract tests for [domain.RunRepository]
// implementations, including the restart round-trip and the control-flag
// consumption semantics the reconciliation loop depends on.
package runrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ljluestc/canary/internal/domain"
)

// Factory creates a fresh [domain.RunRepository] for each test invocation.
type Factory func(t *testing.T) domain.RunRepository

func newRun(id domain.RunID, specID domain.SpecID, createdAt time.Time) domain.RolloutRun {
	return domain.RolloutRun{
		ID:     id,
		SpecID: specID,
		Spec: domain.RolloutSpec{
			ID:       specID,
			Image:    "registry.example.com/app:v2",
			Replicas: 3,
			Kind:     domain.StrategyCanary,
			Canary: &domain.CanaryStrategy{
				Steps: []domain.Step{
					{SetWeight: &domain.StepSetWeight{Percent: 25}},
					{SetWeight: &domain.StepSetWeight{Percent: 100}},
				},
			},
		},
		StableRef:      domain.ReplicaSetRef{Name: "app-v1", Hash: "aaa111", Image: "registry.example.com/app:v1"},
		NewRef:         domain.ReplicaSetRef{Name: "app-v2", Hash: "bbb222", Image: "registry.example.com/app:v2"},
		Phase:          domain.PhaseInitializing,
		PhaseStartedAt: createdAt,
		CreatedAt:      createdAt,
		History: []domain.TransitionRecord{
			{Time: createdAt, From: domain.PhaseInitializing, To: domain.PhaseInitializing, Reason: "Created"},
		},
	}
}

// Run exercises the [domain.RunRepository] contract.
func Run(t *testing.T, factory Factory) {
	t0 := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		run := newRun("r1", "checkout", t0)

		if err := repo.Create(ctx, run); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SpecID != "checkout" {
			t.Errorf("SpecID = %q, want %q", got.SpecID, "checkout")
		}
		if got.Phase != domain.PhaseInitializing {
			t.Errorf("Phase = %q, want %q", got.Phase, domain.PhaseInitializing)
		}
		if got.StableRef.Hash != "aaa111" || got.NewRef.Hash != "bbb222" {
			t.Errorf("refs not preserved: stable=%+v new=%+v", got.StableRef, got.NewRef)
		}
		if len(got.History) != 1 || got.History[0].Reason != "Created" {
			t.Errorf("history not preserved: %+v", got.History)
		}
		if !got.CreatedAt.Equal(t0) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		run := newRun("r1", "checkout", t0)

		if err := repo.Create(ctx, run); err != nil {
			t.Fatalf("first Create: %v", err)
		}
		err := repo.Create(ctx, run)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("RoundTripFullState", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		run := newRun("r1", "checkout", t0)
		if err := repo.Create(ctx, run); err != nil {
			t.Fatal(err)
		}

		// Mutate everything a tick can touch and persist it.
		t1 := t0.Add(30 * time.Second)
		pauseUntil := t1.Add(5 * time.Minute)
		evaluated := t1.Add(-10 * time.Second)
		run.Phase = domain.PhaseAnalyzing
		run.StepIndex = 1
		run.Weight = 25
		run.PhaseStartedAt = t1
		run.PauseUntil = &pauseUntil
		run.InconclusiveCount = 2
		run.LastEvaluatedAt = &evaluated
		run.History = append(run.History, domain.TransitionRecord{
			Time: t1, From: domain.PhaseProgressing, To: domain.PhaseAnalyzing, Reason: domain.ReasonAnalysisStep,
		})
		if err := repo.SaveTransition(ctx, run, domain.ControlFlags{}); err != nil {
			t.Fatalf("SaveTransition: %v", err)
		}

		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Phase != domain.PhaseAnalyzing || got.StepIndex != 1 || got.Weight != 25 {
			t.Errorf("state = %s/%d/%d, want Analyzing/1/25", got.Phase, got.StepIndex, got.Weight)
		}
		if got.PauseUntil == nil || !got.PauseUntil.Equal(pauseUntil) {
			t.Errorf("PauseUntil = %v, want %v", got.PauseUntil, pauseUntil)
		}
		if got.InconclusiveCount != 2 {
			t.Errorf("InconclusiveCount = %d, want 2", got.InconclusiveCount)
		}
		if got.LastEvaluatedAt == nil || !got.LastEvaluatedAt.Equal(evaluated) {
			t.Errorf("LastEvaluatedAt = %v, want %v", got.LastEvaluatedAt, evaluated)
		}
		if len(got.History) != 2 {
			t.Fatalf("history length = %d, want 2", len(got.History))
		}
		if got.History[1].Reason != domain.ReasonAnalysisStep {
			t.Errorf("history[1].Reason = %q", got.History[1].Reason)
		}
	})

	t.Run("SaveTransitionKeepsUnconsumedFlags", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		run := newRun("r1", "checkout", t0)
		if err := repo.Create(ctx, run); err != nil {
			t.Fatal(err)
		}

		// A promote arrives while a tick is in flight. The tick read the
		// run before the flag landed, so it consumes nothing: the save
		// must leave the flag pending for the next tick.
		if err := repo.SetControlFlags(ctx, "r1", domain.ControlFlags{Promote: true}, ""); err != nil {
			t.Fatalf("SetControlFlags: %v", err)
		}
		run.Phase = domain.PhaseProgressing
		if err := repo.SaveTransition(ctx, run, domain.ControlFlags{}); err != nil {
			t.Fatalf("SaveTransition: %v", err)
		}

		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.Control.Promote {
			t.Fatal("Promote flag cleared by a tick that did not consume it")
		}

		// The next tick consumes it.
		got.Phase = domain.PhasePromoted
		if err := repo.SaveTransition(ctx, got, domain.ControlFlags{Promote: true}); err != nil {
			t.Fatalf("SaveTransition: %v", err)
		}
		got, err = repo.Get(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Control.Promote {
			t.Fatal("Promote flag still set after consumption")
		}
	})

	t.Run("SetControlFlagsAccumulates", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Create(ctx, newRun("r1", "checkout", t0)); err != nil {
			t.Fatal(err)
		}

		if err := repo.SetControlFlags(ctx, "r1", domain.ControlFlags{Pause: true}, ""); err != nil {
			t.Fatal(err)
		}
		if err := repo.SetControlFlags(ctx, "r1", domain.ControlFlags{Abort: true}, "bad deploy"); err != nil {
			t.Fatal(err)
		}

		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.Control.Pause || !got.Control.Abort {
			t.Errorf("Control = %+v, want Pause and Abort set", got.Control)
		}
		if got.AbortReason != "bad deploy" {
			t.Errorf("AbortReason = %q, want %q", got.AbortReason, "bad deploy")
		}
	})

	t.Run("SetControlFlagsNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.SetControlFlags(context.Background(), "nonexistent", domain.ControlFlags{Abort: true}, "x")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("SetControlFlags: got %v, want ErrNotFound", err)
		}
	})

	t.Run("GetActiveBySpec", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		done := newRun("r1", "checkout", t0)
		done.Phase = domain.PhasePromoted
		if err := repo.Create(ctx, done); err != nil {
			t.Fatal(err)
		}
		active := newRun("r2", "checkout", t0.Add(time.Hour))
		active.Phase = domain.PhaseProgressing
		if err := repo.Create(ctx, active); err != nil {
			t.Fatal(err)
		}

		got, err := repo.GetActiveBySpec(ctx, "checkout")
		if err != nil {
			t.Fatalf("GetActiveBySpec: %v", err)
		}
		if got.ID != "r2" {
			t.Errorf("active run = %q, want r2", got.ID)
		}

		_, err = repo.GetActiveBySpec(ctx, "payments")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetActiveBySpec(payments): got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListActiveExcludesTerminal", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		phases := map[domain.RunID]domain.Phase{
			"r1": domain.PhaseProgressing,
			"r2": domain.PhasePromoted,
			"r3": domain.PhaseAborted,
			"r4": domain.PhasePaused,
		}
		for id, phase := range phases {
			run := newRun(id, domain.SpecID(id), t0)
			run.Phase = phase
			if err := repo.Create(ctx, run); err != nil {
				t.Fatal(err)
			}
		}

		got, err := repo.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListActive: got %d runs, want 2", len(got))
		}
		for _, run := range got {
			if run.Phase.Terminal() {
				t.Errorf("ListActive returned terminal run %q in phase %q", run.ID, run.Phase)
			}
		}
	})

	t.Run("ListBySpec", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		first := newRun("r1", "checkout", t0)
		first.Phase = domain.PhaseAborted
		if err := repo.Create(ctx, first); err != nil {
			t.Fatal(err)
		}
		second := newRun("r2", "checkout", t0.Add(time.Hour))
		if err := repo.Create(ctx, second); err != nil {
			t.Fatal(err)
		}
		if err := repo.Create(ctx, newRun("r3", "payments", t0)); err != nil {
			t.Fatal(err)
		}

		got, err := repo.ListBySpec(ctx, "checkout")
		if err != nil {
			t.Fatalf("ListBySpec: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListBySpec: got %d, want 2", len(got))
		}
		if got[0].ID != "r1" || got[1].ID != "r2" {
			t.Errorf("order = %q, %q, want r1, r2", got[0].ID, got[1].ID)
		}
	})

	t.Run("SecondActiveRunForSpecRejected", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Create(ctx, newRun("r1", "checkout", t0)); err != nil {
			t.Fatal(err)
		}
		err := repo.Create(ctx, newRun("r2", "checkout", t0.Add(time.Minute)))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second active Create: got %v, want ErrAlreadyExists", err)
		}

		// A terminal predecessor does not block a new active run.
		done := newRun("r3", "payments", t0)
		done.Phase = domain.PhasePromoted
		if err := repo.Create(ctx, done); err != nil {
			t.Fatal(err)
		}
		if err := repo.Create(ctx, newRun("r4", "payments", t0.Add(time.Minute))); err != nil {
			t.Fatalf("Create after terminal run: %v", err)
		}
	})

	t.Run("AppendHistory", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Create(ctx, newRun("r1", "checkout", t0)); err != nil {
			t.Fatal(err)
		}

		record := domain.TransitionRecord{
			Time: t0.Add(time.Minute), From: domain.PhaseProgressing, To: domain.PhaseProgressing,
			Reason: domain.ReasonRouterError,
		}
		if err := repo.AppendHistory(ctx, "r1", record); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}

		got, err := repo.Get(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.History) != 2 {
			t.Fatalf("history length = %d, want 2", len(got.History))
		}
		if got.History[1].Reason != domain.ReasonRouterError {
			t.Errorf("history[1].Reason = %q", got.History[1].Reason)
		}
	})

	t.Run("SaveTransitionNotFound", func(t *testing.T) {
		repo := factory(t)
		run := newRun("ghost", "checkout", t0)
		err := repo.SaveTransition(context.Background(), run, domain.ControlFlags{})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("SaveTransition: got %v, want ErrNotFound", err)
		}
	})
}
