// Package specrepotest provides contract tests for [domain.SpecRepository]
// implementations.
package specrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ljluestc/canary/internal/domain"
)

// Factory creates a fresh [domain.SpecRepository] for each test invocation.
type Factory func(t *testing.T) domain.SpecRepository

func canarySpec(id domain.SpecID, image string) domain.RolloutSpec {
	return domain.RolloutSpec{
		ID:       id,
		Image:    image,
		Replicas: 3,
		Kind:     domain.StrategyCanary,
		Canary: &domain.CanaryStrategy{
			Steps: []domain.Step{
				{SetWeight: &domain.StepSetWeight{Percent: 20}},
				{Pause: &domain.StepPause{Duration: time.Minute}},
				{SetWeight: &domain.StepSetWeight{Percent: 100}},
			},
		},
	}
}

// Run exercises the [domain.SpecRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		spec := canarySpec("checkout", "registry.example.com/checkout:v2")

		if err := repo.Create(ctx, spec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repo.Get(ctx, "checkout")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(spec, got); diff != "" {
			t.Errorf("spec round-trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		spec := canarySpec("checkout", "registry.example.com/checkout:v2")

		if err := repo.Create(ctx, spec); err != nil {
			t.Fatalf("first Create: %v", err)
		}
		err := repo.Create(ctx, spec)
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

	t.Run("List", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, spec := range []domain.RolloutSpec{
			canarySpec("checkout", "registry.example.com/checkout:v2"),
			canarySpec("payments", "registry.example.com/payments:v7"),
		} {
			if err := repo.Create(ctx, spec); err != nil {
				t.Fatalf("Create %s: %v", spec.ID, err)
			}
		}

		got, err := repo.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List: got %d, want 2", len(got))
		}
	})

	t.Run("Update", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Create(ctx, canarySpec("checkout", "registry.example.com/checkout:v2")); err != nil {
			t.Fatal(err)
		}
		updated := canarySpec("checkout", "registry.example.com/checkout:v3")
		if err := repo.Update(ctx, updated); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, err := repo.Get(ctx, "checkout")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Image != "registry.example.com/checkout:v3" {
			t.Errorf("Image = %q after update", got.Image)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Update(context.Background(), canarySpec("ghost", "registry.example.com/ghost:v1"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Create(ctx, canarySpec("checkout", "registry.example.com/checkout:v2")); err != nil {
			t.Fatal(err)
		}
		if err := repo.Delete(ctx, "checkout"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := repo.Get(ctx, "checkout")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Delete(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: got %v, want ErrNotFound", err)
		}
	})
}
