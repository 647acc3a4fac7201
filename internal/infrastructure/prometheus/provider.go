// Package prometheus implements [domain.MetricsProvider] on the
// Prometheus HTTP API.
package prometheus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/ljluestc/canary/internal/domain"
)

// QueryAPI is the slice of the Prometheus v1 API the provider needs.
// Satisfied by [promv1.API]; tests substitute a scripted implementation.
type QueryAPI interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

// Provider executes instant queries and classifies failures into the
// rollout error taxonomy: unreachable backends are retryable tick
// errors, missing data and slow answers are inconclusive.
type Provider struct {
	API QueryAPI

	// Timeout bounds a single query round-trip. Zero means 30 seconds.
	Timeout time.Duration

	Now func() time.Time
}

// NewProvider connects to a Prometheus server at the given address.
func NewProvider(address string) (*Provider, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &Provider{API: promv1.NewAPI(client)}, nil
}

func (p *Provider) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 30 * time.Second
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Query runs an instant query. The literal `{{window}}` in the query is
// replaced with the evaluation window in Prometheus duration syntax, so
// templates can write `rate(x[{{window}}])` and stay window-agnostic.
func (p *Provider) Query(ctx context.Context, query string, window time.Duration) (float64, error) {
	expr := strings.ReplaceAll(query, "{{window}}", model.Duration(window).String())

	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	value, _, err := p.API.Query(ctx, expr, p.now())
	if err != nil {
		return 0, classify(err)
	}
	return scalar(value)
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.QueryError{Kind: domain.QueryTimeout, Err: err}
	}
	var apiErr *promv1.Error
	if errors.As(err, &apiErr) && (apiErr.Type == promv1.ErrTimeout || apiErr.Type == promv1.ErrCanceled) {
		return &domain.QueryError{Kind: domain.QueryTimeout, Err: err}
	}
	return &domain.QueryError{Kind: domain.QueryBackendUnavailable, Err: err}
}

// scalar reduces a query result to one sample. An empty vector or a NaN
// sample is NoData: the series does not exist yet, which is common in
// the first moments of a canary.
func scalar(value model.Value) (float64, error) {
	switch v := value.(type) {
	case *model.Scalar:
		return sample(float64(v.Value))
	case model.Vector:
		if len(v) == 0 {
			return 0, &domain.QueryError{Kind: domain.QueryNoData}
		}
		return sample(float64(v[0].Value))
	default:
		return 0, &domain.QueryError{
			Kind: domain.QueryNoData,
			Err:  fmt.Errorf("expected scalar or vector result, got %s", value.Type()),
		}
	}
}

func sample(v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, &domain.QueryError{Kind: domain.QueryNoData}
	}
	return v, nil
}
