package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ljluestc/canary/internal/domain"
)

var testTemplates = map[string]domain.AnalysisTemplate{
	"success-rate": {
		Name: "success-rate",
		Metrics: []domain.Metric{{
			Name:      "success-rate",
			Query:     `sum(rate(http_requests_total{code!~"5.."}[{{window}}])) / sum(rate(http_requests_total[{{window}}]))`,
			Condition: domain.Condition{Op: ">=", Threshold: 0.95},
			Window:    time.Minute,
			FailOpen:  true,
		}},
		Interval:        30 * time.Second,
		MaxInconclusive: 3,
	},
}

func canarySpec(steps ...domain.Step) domain.RolloutSpec {
	return domain.RolloutSpec{
		ID:       "checkout",
		Image:    "registry.example.com/checkout:v2",
		Replicas: 3,
		Kind:     domain.StrategyCanary,
		Canary:   &domain.CanaryStrategy{Steps: steps},
	}
}

func TestValidate_CanaryMonotonicWeights(t *testing.T) {
	spec := canarySpec(
		domain.Step{SetWeight: &domain.StepSetWeight{Percent: 10}},
		domain.Step{SetWeight: &domain.StepSetWeight{Percent: 50}},
		domain.Step{SetWeight: &domain.StepSetWeight{Percent: 25}},
	)
	err := spec.Validate(testTemplates)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}
}

func TestValidate_CanaryEqualWeightsAllowed(t *testing.T) {
	spec := canarySpec(
		domain.Step{SetWeight: &domain.StepSetWeight{Percent: 25}},
		domain.Step{Pause: &domain.StepPause{Duration: 2 * time.Minute}},
		domain.Step{SetWeight: &domain.StepSetWeight{Percent: 25}},
	)
	if err := spec.Validate(testTemplates); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_StepMustSetExactlyOneVariant(t *testing.T) {
	spec := canarySpec(domain.Step{
		SetWeight: &domain.StepSetWeight{Percent: 10},
		Pause:     &domain.StepPause{Duration: time.Minute},
	})
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}

	spec = canarySpec(domain.Step{})
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate empty step: got %v, want ErrInvalidArgument", err)
	}
}

func TestValidate_WeightRange(t *testing.T) {
	spec := canarySpec(domain.Step{SetWeight: &domain.StepSetWeight{Percent: 101}})
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}
}

func TestValidate_UnknownAnalysisTemplate(t *testing.T) {
	spec := canarySpec(domain.Step{Analysis: &domain.StepAnalysis{Template: "latency-p99"}})
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}
}

// A spec with no replicas would wait on a readiness signal that can
// never arrive.
func TestValidate_ZeroReplicasRejected(t *testing.T) {
	spec := canarySpec(domain.Step{SetWeight: &domain.StepSetWeight{Percent: 10}})
	spec.Replicas = 0
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}
}

func TestValidate_BlueGreenRequiresServices(t *testing.T) {
	spec := domain.RolloutSpec{
		ID:       "checkout",
		Image:    "registry.example.com/checkout:v2",
		Replicas: 2,
		Kind:     domain.StrategyBlueGreen,
		BlueGreen: &domain.BlueGreenStrategy{
			ActiveService: "checkout-active",
		},
	}
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}

	spec.BlueGreen.PreviewService = "checkout-preview"
	if err := spec.Validate(testTemplates); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_KindParamsMustMatch(t *testing.T) {
	spec := canarySpec(domain.Step{SetWeight: &domain.StepSetWeight{Percent: 10}})
	spec.BlueGreen = &domain.BlueGreenStrategy{ActiveService: "a", PreviewService: "p"}
	if err := spec.Validate(testTemplates); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Validate: got %v, want ErrInvalidArgument", err)
	}
}

func TestParseCondition(t *testing.T) {
	cond, err := domain.ParseCondition(">= 0.95")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	if !cond.Holds(0.95) || !cond.Holds(0.99) {
		t.Error("condition should hold at and above the threshold")
	}
	if cond.Holds(0.9) {
		t.Error("condition should not hold below the threshold")
	}

	if _, err := domain.ParseCondition("about 0.95"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("ParseCondition: got %v, want ErrInvalidArgument", err)
	}
}
