package llmblast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	return client
}

func TestDispatchBatch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/batches", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req BatchRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		responses := make([]string, len(req.Prompts))
		for i, p := range req.Prompts {
			responses[i] = "re:" + p
		}
		_ = json.NewEncoder(w).Encode(BatchResult{Provider: "openai", Model: "gpt-4o-mini", Responses: responses})
	}))

	result, err := client.DispatchBatch(context.Background(), BatchRequest{Prompts: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"re:a", "re:b"}, result.Responses)
	assert.Equal(t, "openai", result.Provider)
}

func TestDispatchBatchSendsEmptyArrayForNilPrompts(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw)) {
			return
		}
		assert.JSONEq(t, `[]`, string(raw["prompts"]))
		_, _ = w.Write([]byte(`{"provider":"openai","model":"m","responses":[]}`))
	}))

	result, err := client.DispatchBatch(context.Background(), BatchRequest{})
	require.NoError(t, err)
	assert.Empty(t, result.Responses)
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"DECODE_ERROR","message":"bad body","metadata":{"index":"3"}}}`))
	}))

	_, err := client.DispatchBatch(context.Background(), BatchRequest{Prompts: []string{"x"}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "DECODE_ERROR", apiErr.Code)
	assert.Equal(t, "bad body", apiErr.Message)
	assert.Equal(t, "3", apiErr.Metadata["index"])
	assert.Contains(t, apiErr.Error(), "DECODE_ERROR")
}

func TestAPIErrorFallsBackToRawBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))

	_, err := client.GetJob(context.Background(), "job-1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestSubmitAndGetJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var sub JobSubmission
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&sub)) {
			return
		}
		assert.Equal(t, "team-a", sub.Metadata["owner"])
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: "pending", Prompts: sub.Prompts})
	})
	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: r.PathValue("id"), Status: "succeeded", Responses: []string{"ok"}})
	})
	client := newTestClient(t, mux)

	created, err := client.SubmitJob(context.Background(), JobSubmission{
		Provider: "openai",
		Prompts:  []string{"hi"},
		Metadata: map[string]string{"owner": "team-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", created.ID)
	assert.False(t, created.Terminal())

	found, err := client.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, found.Terminal())
	assert.Equal(t, []string{"ok"}, found.Responses)
}

func TestListJobsAndStatsEncodeFilters(t *testing.T) {
	since := time.Unix(1700000000, 0)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "pending,failed", q.Get("status"))
		assert.Equal(t, "1700000000", q.Get("since"))
		assert.Equal(t, "asc", q.Get("order"))
		assert.Empty(t, q.Get("offset"))
		_, _ = w.Write([]byte(`{"jobs":[{"id":"a","status":"pending"},{"id":"b","status":"failed"}]}`))
	})
	mux.HandleFunc("GET /api/v1/jobs/stats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "openai", r.URL.Query().Get("provider"))
		_ = json.NewEncoder(w).Encode(JobStats{Total: 3, Succeeded: 2, Failed: 1})
	})
	client := newTestClient(t, mux)

	jobs, err := client.ListJobs(context.Background(), ListOptions{
		Limit:    5,
		Statuses: []string{"pending", "failed"},
		Since:    since,
		Order:    "asc",
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[1].ID)

	stats, err := client.JobStats(context.Background(), ListOptions{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, JobStats{Total: 3, Succeeded: 2, Failed: 1}, stats)
}

func TestWaitJobPollsUntilTerminal(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status})
	}))

	got, err := client.WaitJob(context.Background(), "job-1", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.EqualValues(t, 3, polls.Load())
}

func TestWaitJobReportsFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: "failed", ErrorCode: "TRANSPORT_ERROR", LastError: "dial tcp"})
	}))

	got, err := client.WaitJob(context.Background(), "job-1", time.Millisecond)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "TRANSPORT_ERROR")
	assert.Equal(t, "failed", got.Status)
}

func TestWaitJobHonoursContext(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: "pending"})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.WaitJob(ctx, "job-1", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080", nil)
	assert.Error(t, err)

	client, err := NewClient("http://localhost:8080/base", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPTimeout, client.httpClient.Timeout)
}
