package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnalysisEngine evaluates analysis templates against live metrics.
type AnalysisEngine struct {
	Provider MetricsProvider
	Now      func() time.Time
}

// Evaluate runs every metric of the template once and combines the
// results: all metrics passing is Pass, any metric explicitly breaching
// its condition is Fail, and any inconclusive metric with no explicit
// failure is Inconclusive. Metrics are evaluated independently; a
// failure does not short-circuit the remaining queries, so the archived
// run carries every metric's value.
//
// An unreachable metrics backend is an adapter error, not a verdict:
// Evaluate returns it so the tick can be retried with backoff instead
// of condemning the rollout.
func (e *AnalysisEngine) Evaluate(ctx context.Context, template AnalysisTemplate, run RolloutRun) (AnalysisRun, error) {
	if e.Provider == nil {
		return AnalysisRun{}, &QueryError{
			Kind: QueryBackendUnavailable,
			Err:  errors.New("no metrics provider configured"),
		}
	}
	started := e.now()
	ar := AnalysisRun{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Template:  template.Name,
		StartedAt: started,
	}

	failed := false
	inconclusive := false
	for _, m := range template.Metrics {
		result, err := e.evaluateMetric(ctx, m)
		if err != nil {
			return AnalysisRun{}, fmt.Errorf("metric %q: %w", m.Name, err)
		}
		switch result.Status {
		case MetricFailed:
			failed = true
		case MetricInconclusive:
			inconclusive = true
		}
		ar.Results = append(ar.Results, result)
	}

	switch {
	case failed:
		ar.Verdict = VerdictFail
	case inconclusive:
		ar.Verdict = VerdictInconclusive
	default:
		ar.Verdict = VerdictPass
	}
	ar.FinishedAt = e.now()
	return ar, nil
}

func (e *AnalysisEngine) evaluateMetric(ctx context.Context, m Metric) (MetricResult, error) {
	result := MetricResult{
		Name:      m.Name,
		Condition: m.Condition.String(),
	}

	value, err := e.Provider.Query(ctx, m.Query, m.Window)
	if err != nil {
		var qe *QueryError
		if !errors.As(err, &qe) || !qe.Inconclusive() {
			return MetricResult{}, err
		}
		if m.FailOpen {
			result.Status = MetricInconclusive
		} else {
			result.Status = MetricFailed
		}
		result.Message = err.Error()
		return result, nil
	}

	result.Value = value
	if m.Condition.Holds(value) {
		result.Status = MetricPassed
	} else {
		result.Status = MetricFailed
	}
	return result, nil
}

func (e *AnalysisEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
