package goworkflows_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/go-workflows/backend"
	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"

	"github.com/ljluestc/canary/internal/domain"
	"github.com/ljluestc/canary/internal/infrastructure/goworkflows"
	"github.com/ljluestc/canary/internal/infrastructure/sqlite"
)

func startWorker(t *testing.T, b backend.Backend) *worker.Worker {
	t.Helper()
	w := worker.New(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.WaitForCompletion()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w
}

type stubRouter struct {
	mu      sync.Mutex
	changes []string
}

func (r *stubRouter) SetWeight(_ context.Context, _ domain.RolloutRun, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, "weight")
	return nil
}

func (r *stubRouter) Promote(context.Context, domain.RolloutRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, "promote")
	return nil
}

func (r *stubRouter) Rollback(context.Context, domain.RolloutRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, "rollback")
	return nil
}

type readyHealth struct{}

func (readyHealth) Ready(context.Context, domain.RolloutRun, domain.ReplicaSetRef) (bool, error) {
	return true, nil
}

// TestTick_GoWorkflows drives a canary run to promotion through the
// durable engine: every activity executes through the go-workflows
// worker and the run state round-trips through SQLite between ticks.
func TestTick_GoWorkflows(t *testing.T) {
	b := wfsqlite.NewInMemoryBackend()
	w := startWorker(t, b)
	c := client.New(b)

	db := sqlite.OpenTestDB(t)
	runRepo := &sqlite.RunRepo{DB: db}
	analysisRepo := &sqlite.AnalysisRunRepo{DB: db}

	router := &stubRouter{}
	wf := &domain.TickWorkflow{
		Runs:     runRepo,
		Analyses: analysisRepo,
		Router:   router,
		Health:   readyHealth{},
		Policies: domain.TickPolicies{AnalysisInterval: 30 * time.Second},
	}

	engine := &goworkflows.Engine{Worker: w, Client: c, Timeout: 10 * time.Second}
	runner, err := engine.TickRunner(wf)
	if err != nil {
		t.Fatalf("TickRunner: %v", err)
	}

	ctx := context.Background()
	t0 := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	run := domain.RolloutRun{
		ID:     "r1",
		SpecID: "checkout",
		Spec: domain.RolloutSpec{
			ID:       "checkout",
			Image:    "registry.example.com/checkout:v2",
			Replicas: 3,
			Kind:     domain.StrategyCanary,
			Canary: &domain.CanaryStrategy{
				Steps: []domain.Step{
					{SetWeight: &domain.StepSetWeight{Percent: 30}},
				},
			},
		},
		StableRef:      domain.ReplicaSetRef{Name: "checkout-v1", Hash: "aaa", Image: "registry.example.com/checkout:v1"},
		NewRef:         domain.ReplicaSetRef{Name: "checkout-v2", Hash: "bbb", Image: "registry.example.com/checkout:v2"},
		Phase:          domain.PhaseInitializing,
		PhaseStartedAt: t0,
		CreatedAt:      t0,
	}
	if err := runRepo.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	want := []domain.Phase{
		domain.PhaseProgressing, // readiness confirmed
		domain.PhaseProgressing, // weight 30 applied
		domain.PhasePromoted,    // steps exhausted, cutover
	}
	for i, wantPhase := range want {
		handle, err := runner.Run(ctx, domain.TickInput{RunID: "r1", Now: t0.Add(time.Duration(i+1) * time.Minute)})
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		result, err := handle.AwaitResult(ctx)
		if err != nil {
			t.Fatalf("tick %d result: %v", i, err)
		}
		if result.Phase != wantPhase {
			t.Fatalf("tick %d: phase = %q, want %q", i, result.Phase, wantPhase)
		}
	}

	got, err := runRepo.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != domain.PhasePromoted || got.Weight != 100 {
		t.Errorf("final state = %s/%d, want Promoted/100", got.Phase, got.Weight)
	}
	if got.StableRef.Hash != "bbb" {
		t.Errorf("StableRef.Hash = %q, want the promoted replica set", got.StableRef.Hash)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.changes) != 2 || router.changes[0] != "weight" || router.changes[1] != "promote" {
		t.Errorf("router calls = %v, want [weight promote]", router.changes)
	}
}
