// Package analysisrunrepotest provides contract tests for
// [domain.AnalysisRunRepository] implementations.
package analysisrunrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ljluestc/canary/internal/domain"
)

// Factory creates a fresh [domain.AnalysisRunRepository] for each test
// invocation.
type Factory func(t *testing.T) domain.AnalysisRunRepository

func newAnalysisRun(id string, runID domain.RunID, verdict domain.Verdict, at time.Time) domain.AnalysisRun {
	return domain.AnalysisRun{
		ID:       id,
		RunID:    runID,
		Template: "success-rate",
		Results: []domain.MetricResult{
			{Name: "success-rate", Value: 0.97, Condition: ">= 0.95", Status: domain.MetricPassed},
			{Name: "p99-latency", Value: 0.21, Condition: "<= 0.3", Status: domain.MetricPassed},
		},
		Verdict:    verdict,
		StartedAt:  at,
		FinishedAt: at.Add(2 * time.Second),
	}
}

// Run exercises the [domain.AnalysisRunRepository] contract.
func Run(t *testing.T, factory Factory) {
	t0 := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		ar := newAnalysisRun("a1", "r1", domain.VerdictPass, t0)

		if err := repo.Create(ctx, ar); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "a1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RunID != "r1" || got.Template != "success-rate" {
			t.Errorf("got run %q template %q", got.RunID, got.Template)
		}
		if got.Verdict != domain.VerdictPass {
			t.Errorf("Verdict = %q, want Pass", got.Verdict)
		}
		if len(got.Results) != 2 {
			t.Fatalf("Results length = %d, want 2", len(got.Results))
		}
		if got.Results[0].Value != 0.97 || got.Results[0].Status != domain.MetricPassed {
			t.Errorf("Results[0] = %+v", got.Results[0])
		}
		if !got.StartedAt.Equal(t0) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, t0)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		ar := newAnalysisRun("a1", "r1", domain.VerdictPass, t0)

		if err := repo.Create(ctx, ar); err != nil {
			t.Fatalf("first Create: %v", err)
		}
		err := repo.Create(ctx, ar)
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

	t.Run("ListByRunOrdersByStart", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		// Inserted out of order; listing is chronological.
		for _, ar := range []domain.AnalysisRun{
			newAnalysisRun("a2", "r1", domain.VerdictInconclusive, t0.Add(30*time.Second)),
			newAnalysisRun("a1", "r1", domain.VerdictPass, t0),
			newAnalysisRun("a3", "r2", domain.VerdictFail, t0),
		} {
			if err := repo.Create(ctx, ar); err != nil {
				t.Fatalf("Create %s: %v", ar.ID, err)
			}
		}

		got, err := repo.ListByRun(ctx, "r1")
		if err != nil {
			t.Fatalf("ListByRun: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListByRun: got %d, want 2", len(got))
		}
		if got[0].ID != "a1" || got[1].ID != "a2" {
			t.Errorf("order = %q, %q, want a1, a2", got[0].ID, got[1].ID)
		}
	})
}
