package domain

import (
	"fmt"
	"time"
)

// SpecID identifies a rollout spec (one per managed application).
type SpecID string

// StrategyKind identifies the kind of rollout strategy.
type StrategyKind string

const (
	StrategyBlueGreen StrategyKind = "blue-green"
	StrategyCanary    StrategyKind = "canary"
)

// BlueGreenStrategy runs two full environments with an instant traffic
// cutover on promotion.
type BlueGreenStrategy struct {
	// ActiveService receives production traffic; PreviewService fronts
	// the new replica set until promotion swaps the two.
	ActiveService  string
	PreviewService string

	// AutoPromotion cuts over as soon as the preview replica set is
	// healthy. When false the run holds in Paused until an explicit
	// promote command.
	AutoPromotion bool

	// ScaleDownDelay is the grace period the previous stable replica
	// set is retained after promotion. The teardown itself is external;
	// the run only records the deadline.
	ScaleDownDelay time.Duration
}

// CanaryStrategy shifts a growing share of traffic to the new replica set
// through an ordered step sequence.
type CanaryStrategy struct {
	Steps []Step
}

// Step is one canary rollout step. Exactly one field is set.
type Step struct {
	SetWeight *StepSetWeight `json:",omitempty"`
	Pause     *StepPause     `json:",omitempty"`
	Analysis  *StepAnalysis  `json:",omitempty"`
}

// StepSetWeight shifts the canary traffic share to Percent.
type StepSetWeight struct {
	Percent int
}

// StepPause holds the current weight. A zero Duration pauses until an
// explicit resume or promote command.
type StepPause struct {
	Duration time.Duration
}

// StepAnalysis gates progression on a metric analysis template.
type StepAnalysis struct {
	Template string

	// StartOffset delays the first evaluation after entering the step.
	StartOffset time.Duration
}

// RolloutSpec is the user-declared desired state for one application.
// It is snapshotted into each run at creation; a changed Image starts
// a new run.
type RolloutSpec struct {
	ID       SpecID
	Image    string
	Replicas int

	// Exactly one of BlueGreen or Canary is set, matching Kind.
	Kind      StrategyKind
	BlueGreen *BlueGreenStrategy
	Canary    *CanaryStrategy
}

// Validate rejects malformed specs before a run is created. Configuration
// errors never surface mid-execution. templates is the set of known
// analysis template names.
func (s RolloutSpec) Validate(templates map[string]AnalysisTemplate) error {
	if s.ID == "" {
		return fmt.Errorf("%w: spec ID is required", ErrInvalidArgument)
	}
	if s.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidArgument)
	}
	if s.Replicas < 1 {
		return fmt.Errorf("%w: replicas must be at least 1", ErrInvalidArgument)
	}

	switch s.Kind {
	case StrategyBlueGreen:
		if s.BlueGreen == nil {
			return fmt.Errorf("%w: blue-green parameters are required", ErrInvalidArgument)
		}
		if s.Canary != nil {
			return fmt.Errorf("%w: canary parameters set on a blue-green spec", ErrInvalidArgument)
		}
		if s.BlueGreen.ActiveService == "" || s.BlueGreen.PreviewService == "" {
			return fmt.Errorf("%w: blue-green requires active and preview services", ErrInvalidArgument)
		}
		if s.BlueGreen.ScaleDownDelay < 0 {
			return fmt.Errorf("%w: scale-down delay must be non-negative", ErrInvalidArgument)
		}
		return nil

	case StrategyCanary:
		if s.Canary == nil {
			return fmt.Errorf("%w: canary parameters are required", ErrInvalidArgument)
		}
		if s.BlueGreen != nil {
			return fmt.Errorf("%w: blue-green parameters set on a canary spec", ErrInvalidArgument)
		}
		return validateSteps(s.Canary.Steps, templates)

	default:
		return fmt.Errorf("%w: unsupported strategy kind %q", ErrInvalidArgument, s.Kind)
	}
}

func validateSteps(steps []Step, templates map[string]AnalysisTemplate) error {
	lastWeight := 0
	for i, step := range steps {
		set := 0
		if step.SetWeight != nil {
			set++
		}
		if step.Pause != nil {
			set++
		}
		if step.Analysis != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: step %d must set exactly one of setWeight, pause, analysis", ErrInvalidArgument, i)
		}

		switch {
		case step.SetWeight != nil:
			pct := step.SetWeight.Percent
			if pct < 0 || pct > 100 {
				return fmt.Errorf("%w: step %d weight %d out of range 0-100", ErrInvalidArgument, i, pct)
			}
			// Weights must not decrease across a single run.
			if pct < lastWeight {
				return fmt.Errorf("%w: step %d weight %d decreases from %d", ErrInvalidArgument, i, pct, lastWeight)
			}
			lastWeight = pct
		case step.Pause != nil:
			if step.Pause.Duration < 0 {
				return fmt.Errorf("%w: step %d pause duration must be non-negative", ErrInvalidArgument, i)
			}
		case step.Analysis != nil:
			if step.Analysis.Template == "" {
				return fmt.Errorf("%w: step %d analysis template is required", ErrInvalidArgument, i)
			}
			if _, ok := templates[step.Analysis.Template]; !ok {
				return fmt.Errorf("%w: step %d references unknown analysis template %q", ErrInvalidArgument, i, step.Analysis.Template)
			}
			if step.Analysis.StartOffset < 0 {
				return fmt.Errorf("%w: step %d start offset must be non-negative", ErrInvalidArgument, i)
			}
		}
	}
	return nil
}
