package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ljluestc/canary/internal/application"
	"github.com/ljluestc/canary/internal/domain"
)

// Client is the typed HTTP client for the control-plane API. Response
// statuses map back to the domain sentinels, so callers can errors.Is
// against ErrNotFound and ErrInvalidTransition across the wire.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Submit sends a spec for admission and returns the resulting run.
func (c *Client) Submit(ctx context.Context, spec domain.RolloutSpec) (domain.RolloutRun, error) {
	var run domain.RolloutRun
	err := c.do(ctx, http.MethodPost, "/v1/specs", spec, &run)
	return run, err
}

// Status returns the run together with its archived analyses.
func (c *Client) Status(ctx context.Context, id domain.RunID) (application.RunStatus, error) {
	var status application.RunStatus
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+string(id), nil, &status)
	return status, err
}

// ListActive returns every non-terminal run.
func (c *Client) ListActive(ctx context.Context) ([]domain.RolloutRun, error) {
	var runs []domain.RolloutRun
	err := c.do(ctx, http.MethodGet, "/v1/runs", nil, &runs)
	return runs, err
}

// ListRuns returns all runs for a spec, oldest first.
func (c *Client) ListRuns(ctx context.Context, specID domain.SpecID) ([]domain.RolloutRun, error) {
	var runs []domain.RolloutRun
	err := c.do(ctx, http.MethodGet, "/v1/runs?spec="+string(specID), nil, &runs)
	return runs, err
}

func (c *Client) Promote(ctx context.Context, id domain.RunID) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+string(id)+"/promote", nil, nil)
}

func (c *Client) Resume(ctx context.Context, id domain.RunID) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+string(id)+"/resume", nil, nil)
}

func (c *Client) Pause(ctx context.Context, id domain.RunID) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+string(id)+"/pause", nil, nil)
}

func (c *Client) Abort(ctx context.Context, id domain.RunID, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+string(id)+"/abort", abortRequest{Reason: reason}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	var body errorResponse
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
	default:
		return fmt.Errorf("server error: %s", msg)
	}
}
