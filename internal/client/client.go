// Package client provides an HTTP client for the fleetjobs server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/fleetjobs/internal/metrics"
	"github.com/raphaelgruber/fleetjobs/internal/models"
)

// Client talks to a fleetjobs server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, uses FLEETJOBS_SERVER_URL
// or defaults to localhost:8090. Timeout is configurable via
// FLEETJOBS_CLIENT_TIMEOUT.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("FLEETJOBS_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("FLEETJOBS_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StartJob starts a job and returns its id.
func (c *Client) StartJob(ctx context.Context, req models.StartJobRequest) (string, error) {
	var resp models.StartJobResponse
	if err := c.post(ctx, "/api/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob polls one job. Found is false in the returned status when the
// id is unknown or expired; the caller stops polling then.
func (c *Client) GetJob(ctx context.Context, id string) (models.JobStatus, error) {
	var status models.JobStatus
	err := c.getWithRetry(ctx, "/api/jobs/"+id, &status)
	return status, err
}

// ListJobs returns all retained jobs, most recent first.
func (c *Client) ListJobs(ctx context.Context) ([]models.JobStatus, error) {
	var out []models.JobStatus
	if err := c.getWithRetry(ctx, "/api/jobs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var resp models.CancelResponse
	if err := c.post(ctx, "/api/jobs/"+id+"/cancel", nil, &resp); err != nil {
		return false, err
	}
	return resp.Acknowledged, nil
}

// Stats fetches the server's runtime statistics.
func (c *Client) Stats(ctx context.Context) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	err := c.getWithRetry(ctx, "/api/stats", &snap)
	return snap, err
}

// getWithRetry performs an idempotent GET, retrying transient transport
// failures with exponential backoff so a briefly unreachable server
// does not break an active watch loop.
func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusOK, res.StatusCode == http.StatusNotFound:
			// 404 carries a found:false body, not an error.
			if err := json.NewDecoder(res.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		case res.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("server error: %s", res.Status)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status: %s", res.Status))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// post performs a non-idempotent POST exactly once.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest && res.StatusCode != http.StatusNotFound {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(res.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status: %s", res.Status)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
