package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/camatools/pacsync/internal/types"
)

// Client talks to a running control plane. Used by the CLI.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://127.0.0.1:7171").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// RemoteError is a non-2xx response decoded from the server.
type RemoteError struct {
	StatusCode    int    `json:"-"`
	Code          string `json:"error_code"`
	Message       string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// SubmitOptions are the optional sync submission parameters.
type SubmitOptions struct {
	EntityTypes []string
	Since       string
	BatchSize   int
}

// SubmitFull submits a full sync job.
func (c *Client) SubmitFull(ctx context.Context, tenant string, opts SubmitOptions) (*types.Job, error) {
	return c.submit(ctx, "/sync/full", tenant, opts)
}

// SubmitIncremental submits an incremental sync job.
func (c *Client) SubmitIncremental(ctx context.Context, tenant string, opts SubmitOptions) (*types.Job, error) {
	return c.submit(ctx, "/sync/incremental", tenant, opts)
}

func (c *Client) submit(ctx context.Context, path, tenant string, opts SubmitOptions) (*types.Job, error) {
	body := submitRequest{
		TenantID:    tenant,
		EntityTypes: opts.EntityTypes,
		Since:       opts.Since,
		BatchSize:   opts.BatchSize,
	}
	var job types.Job
	if err := c.do(ctx, http.MethodPost, path, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Status fetches one job.
func (c *Client) Status(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/sync/status/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel requests cancellation of one job.
func (c *Client) Cancel(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/sync/cancel/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List fetches jobs newest-first, optionally filtered by status.
func (c *Client) List(ctx context.Context, status string, limit int) ([]*types.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/sync/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		re := &RemoteError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, re); err != nil || re.Message == "" {
			re.Message = string(data)
		}
		return re
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}
