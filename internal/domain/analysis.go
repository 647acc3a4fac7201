package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verdict is the aggregate outcome of one analysis evaluation.
type Verdict string

const (
	VerdictPass         Verdict = "Pass"
	VerdictFail         Verdict = "Fail"
	VerdictInconclusive Verdict = "Inconclusive"
)

// Condition compares a metric value against a threshold.
type Condition struct {
	Op        string
	Threshold float64
}

// ParseCondition parses a comparison expression such as ">= 0.95".
func ParseCondition(expr string) (Condition, error) {
	fields := strings.Fields(expr)
	if len(fields) != 2 {
		return Condition{}, fmt.Errorf("%w: condition %q must be <op> <threshold>", ErrInvalidArgument, expr)
	}
	switch fields[0] {
	case ">=", "<=", ">", "<", "==":
	default:
		return Condition{}, fmt.Errorf("%w: unsupported comparison operator %q", ErrInvalidArgument, fields[0])
	}
	threshold, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: threshold %q is not a number", ErrInvalidArgument, fields[1])
	}
	return Condition{Op: fields[0], Threshold: threshold}, nil
}

// Holds reports whether the value satisfies the condition.
func (c Condition) Holds(value float64) bool {
	switch c.Op {
	case ">=":
		return value >= c.Threshold
	case "<=":
		return value <= c.Threshold
	case ">":
		return value > c.Threshold
	case "<":
		return value < c.Threshold
	case "==":
		return value == c.Threshold
	default:
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %g", c.Op, c.Threshold)
}

// Metric is one query within an analysis template.
type Metric struct {
	Name      string
	Query     string
	Condition Condition

	// Window is the evaluation window passed to the metrics provider.
	Window time.Duration

	// FailOpen controls how inconclusive results (no data, query
	// timeout) are treated for this metric: fail-open defers, fail-closed
	// counts them as an explicit failure.
	FailOpen bool
}

// AnalysisTemplate is a named set of metrics evaluated together. All
// metrics must pass for the template to pass.
type AnalysisTemplate struct {
	Name    string
	Metrics []Metric

	// Interval is the cadence between evaluations while a run is in
	// the Analyzing phase.
	Interval time.Duration

	// MaxInconclusive bounds consecutive inconclusive verdicts before
	// the analysis is treated as failed.
	MaxInconclusive int
}

// MetricStatus classifies one metric's result within an analysis run.
type MetricStatus string

const (
	MetricPassed       MetricStatus = "Passed"
	MetricFailed       MetricStatus = "Failed"
	MetricInconclusive MetricStatus = "Inconclusive"
)

// MetricResult is the measured outcome for one metric.
type MetricResult struct {
	Name      string
	Value     float64
	Condition string
	Status    MetricStatus

	// Message carries the provider error for inconclusive results.
	Message string
}

// AnalysisRun is one evaluation of a template against live metrics.
// Archived once the verdict is consumed by the state machine.
type AnalysisRun struct {
	ID         string
	RunID      RunID
	Template   string
	Results    []MetricResult
	Verdict    Verdict
	StartedAt  time.Time
	FinishedAt time.Time
}

// FailureMessage summarizes the failing metrics for history records.
// Empty when the verdict is not Fail.
func (a AnalysisRun) FailureMessage() string {
	var parts []string
	for _, r := range a.Results {
		if r.Status == MetricFailed {
			parts = append(parts, fmt.Sprintf("%s=%g violates %s", r.Name, r.Value, r.Condition))
		}
	}
	return strings.Join(parts, "; ")
}
