package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QueryErrorKind classifies metrics provider failures.
type QueryErrorKind string

const (
	// QueryTimeout means the backend did not answer within the window.
	QueryTimeout QueryErrorKind = "Timeout"

	// QueryNoData means the query succeeded but returned no samples.
	QueryNoData QueryErrorKind = "NoData"

	// QueryBackendUnavailable means the backend could not be reached.
	QueryBackendUnavailable QueryErrorKind = "BackendUnavailable"
)

// QueryError is a classified metrics query failure.
type QueryError struct {
	Kind QueryErrorKind
	Err  error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("metrics query: %s", e.Kind)
	}
	return fmt.Sprintf("metrics query: %s: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// QueryErrorIs reports whether err is a QueryError of the given kind.
func QueryErrorIs(err error, kind QueryErrorKind) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Kind == kind
}

// Inconclusive reports whether err should be treated as an inconclusive
// analysis result rather than an explicit failure: a missing data point
// or a slow backend does not by itself condemn a rollout.
func (e *QueryError) Inconclusive() bool {
	return e.Kind == QueryTimeout || e.Kind == QueryNoData
}

// MetricsProvider executes a read-only scalar query against an external
// metrics backend. No side effects. Implementations must be safe for
// concurrent use.
type MetricsProvider interface {
	Query(ctx context.Context, query string, window time.Duration) (float64, error)
}
