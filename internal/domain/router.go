package domain

import (
	"context"
	"errors"
	"fmt"
)

// RouterErrorKind classifies traffic router failures.
type RouterErrorKind string

const (
	// RouterUnreachable means the routing backend could not be reached.
	RouterUnreachable RouterErrorKind = "Unreachable"

	// RouterInvalidTarget means the routing target (service, ingress)
	// does not exist or does not match the run.
	RouterInvalidTarget RouterErrorKind = "InvalidTarget"

	// RouterPartialApply means some but not all routing rules were
	// updated. The caller must retry with the same target state until
	// it converges.
	RouterPartialApply RouterErrorKind = "PartialApply"
)

// RouterError is a classified traffic router failure.
type RouterError struct {
	Kind RouterErrorKind
	Err  error
}

func (e *RouterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("router: %s", e.Kind)
	}
	return fmt.Sprintf("router: %s: %v", e.Kind, e.Err)
}

func (e *RouterError) Unwrap() error { return e.Err }

// IsRouterPartialApply reports whether err is a partial routing apply,
// the case that must be retried to convergence.
func IsRouterPartialApply(err error) bool {
	var re *RouterError
	return errors.As(err, &re) && re.Kind == RouterPartialApply
}

// TrafficRouter translates a desired traffic decision into routing
// backend state. All operations are idempotent: applying the same
// target state twice has no additional effect. Implementations must be
// safe for concurrent use by unrelated runs.
type TrafficRouter interface {
	// SetWeight routes percent of traffic to the run's new replica set.
	SetWeight(ctx context.Context, run RolloutRun, percent int) error

	// Promote performs the instant cutover to the new replica set.
	Promote(ctx context.Context, run RolloutRun) error

	// Rollback instantly reverts all traffic to the stable replica set.
	Rollback(ctx context.Context, run RolloutRun) error
}

// HealthChecker reports whether a replica set is ready to receive
// traffic. Used before any traffic shifts begin.
type HealthChecker interface {
	Ready(ctx context.Context, run RolloutRun, ref ReplicaSetRef) (bool, error)
}
