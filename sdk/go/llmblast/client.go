// Package llmblast is a thin HTTP client for the llmblastd REST API.
package llmblast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Batches wait for every prompt to finish, so it is longer than a single call.
const DefaultHTTPTimeout = 2 * time.Minute

// DefaultPollInterval is how often WaitJob polls when no interval is given.
const DefaultPollInterval = 500 * time.Millisecond

// Client wraps the HTTP interactions with the llmblastd API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// BatchRequest is the payload of a synchronous batch.
// Empty Provider and Model fall back to the server defaults.
type BatchRequest struct {
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
	Prompts  []string `json:"prompts"`
}

// BatchResult holds one response per prompt, in prompt order.
type BatchResult struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Responses []string `json:"responses"`
}

// JobSubmission describes an asynchronous batch job.
type JobSubmission struct {
	ID       string            `json:"id,omitempty"`
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Prompts  []string          `json:"prompts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Job is the server-side view of a submitted batch.
type Job struct {
	ID        string            `json:"id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Prompts   []string          `json:"prompts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    string            `json:"status"`
	Attempts  int               `json:"attempts"`
	Responses []string          `json:"responses,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// JobStats aggregates job counts by status.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListOptions filters ListJobs and JobStats queries. Zero values are omitted.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Provider string
	Query    string
	Since    time.Time
	Order    string
}

func (o ListOptions) values() url.Values {
	values := url.Values{}
	if o.Limit > 0 {
		values.Set("limit", fmt.Sprint(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", fmt.Sprint(o.Offset))
	}
	if len(o.Statuses) > 0 {
		values.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Provider != "" {
		values.Set("provider", o.Provider)
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	if !o.Since.IsZero() {
		values.Set("since", fmt.Sprint(o.Since.Unix()))
	}
	if o.Order != "" {
		values.Set("order", o.Order)
	}
	return values
}

// APIError represents the error envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("llmblast api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("llmblast api error (%d): %s", e.StatusCode, e.Message)
}

// ErrJobFailed is returned by WaitJob when the job ends in the failed state.
var ErrJobFailed = errors.New("llmblast: job failed")

// NewClient instantiates a client for the llmblastd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// DispatchBatch runs a batch synchronously. Either every prompt gets an
// answer or an *APIError describing the failing prompt is returned.
func (c *Client) DispatchBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if req.Prompts == nil {
		req.Prompts = []string{}
	}
	var result BatchResult
	if err := c.post(ctx, "/api/v1/batches", req, &result); err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// SubmitJob enqueues a batch for asynchronous processing.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var created Job
	if err := c.post(ctx, "/api/v1/jobs", submission, &created); err != nil {
		return Job{}, err
	}
	return created, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var found Job
	if err := c.get(ctx, "/api/v1/jobs/"+id, nil, &found); err != nil {
		return Job{}, err
	}
	return found, nil
}

// ListJobs returns jobs matching the given filter.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]Job, error) {
	var body struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, "/api/v1/jobs", opts.values(), &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

// JobStats returns aggregated counts for jobs matching the given filter.
func (c *Client) JobStats(ctx context.Context, opts ListOptions) (JobStats, error) {
	var stats JobStats
	if err := c.get(ctx, "/api/v1/jobs/stats", opts.values(), &stats); err != nil {
		return JobStats{}, err
	}
	return stats, nil
}

// WaitJob polls until the job reaches a terminal state or ctx is done.
// A failed job is returned together with an error wrapping ErrJobFailed.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if current.Terminal() {
			if current.Status == "failed" {
				return current, fmt.Errorf("%w: %s: %s", ErrJobFailed, current.ErrorCode, current.LastError)
			}
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			envelope := struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}
			if err := json.Unmarshal(data, &envelope); err != nil {
				// flat payloads from proxies in front of the server
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
