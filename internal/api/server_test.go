package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmblast/internal/auth"
	"llmblast/internal/dispatch"
	xerrors "llmblast/internal/errors"
	"llmblast/internal/job"
	"llmblast/internal/llm"
	"llmblast/internal/observability/metrics"
)

type fixedCredentials struct{}

func (fixedCredentials) ResolveProvider(name, model string) (llm.Provider, error) {
	if name == "" {
		name = "openai"
	}
	kind, err := llm.ParseKind(name)
	if err != nil {
		return llm.Provider{}, err
	}
	return llm.NewProvider(kind, model, "sk-test"), nil
}

type replyDoer func(prompt string) (int, string)

func (f replyDoer) Do(req *http.Request) (*http.Response, error) {
	var payload struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		return nil, err
	}
	status, body := f(payload.Messages[0].Content)
	return &http.Response{StatusCode: status, Header: make(http.Header), Body: io.NopCloser(strings.NewReader(body))}, nil
}

func echo(prompt string) (int, string) {
	raw, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "re:" + prompt}}}})
	return http.StatusOK, string(raw)
}

func newTestServer(t *testing.T, doer llm.Doer, opts ...Option) *httptest.Server {
	t.Helper()
	dispatcher := dispatch.New(llm.NewCaller(llm.WithDoer(doer)))
	srv := httptest.NewServer(NewServer(":0", dispatcher, fixedCredentials{}, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestDispatchBatchEndpoint(t *testing.T) {
	srv := newTestServer(t, replyDoer(echo))

	resp := postJSON(t, srv.URL+"/api/v1/batches", `{"provider":"openai","model":"gpt-4o-mini","prompts":["a","b","c"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body batchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"re:a", "re:b", "re:c"}, body.Responses)
	assert.Equal(t, "openai", body.Provider)
	assert.Equal(t, "gpt-4o-mini", body.Model)
}

func TestDispatchBatchEndpointEmptyBatch(t *testing.T) {
	srv := newTestServer(t, replyDoer(echo))

	resp := postJSON(t, srv.URL+"/api/v1/batches", `{"prompts":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), `"responses":[]`)
}

func TestDispatchBatchEndpointErrors(t *testing.T) {
	failing := replyDoer(func(prompt string) (int, string) {
		if prompt == "bad" {
			return http.StatusOK, `{"choices":[]}`
		}
		return echo(prompt)
	})
	srv := newTestServer(t, failing)

	cases := []struct {
		name   string
		body   string
		status int
		code   xerrors.Code
	}{
		{"malformed json", `{"prompts":`, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown field", `{"prompts":[],"temperature":1}`, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"missing prompts", `{"provider":"openai"}`, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown provider", `{"provider":"gemini","prompts":["a"]}`, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unsupported provider", `{"provider":"anthropic","prompts":["a"]}`, http.StatusBadRequest, llm.CodeUnsupportedProvider},
		{"extraction failure", `{"prompts":["ok","bad","ok"]}`, http.StatusBadGateway, llm.CodeExtractionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/v1/batches", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			detail := decodeError(t, resp)
			assert.Equal(t, string(tc.code), detail.Code)
			assert.NotEmpty(t, detail.Message)
		})
	}

	resp := postJSON(t, srv.URL+"/api/v1/batches", `{"prompts":["ok","bad","ok"]}`)
	assert.Equal(t, "1", decodeError(t, resp).Metadata["index"])
}

func TestJobEndpoints(t *testing.T) {
	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(16)
	svc := job.NewService(store, queue)
	collector := metrics.New("api_test")
	srv := newTestServer(t, replyDoer(echo), WithJobService(svc), WithMetrics(collector))

	dispatcher := dispatch.New(llm.NewCaller(llm.WithDoer(replyDoer(echo))))
	processor := job.NewProcessor(dispatcher, fixedCredentials{}, store, queue)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = processor.Start(ctx) }()

	resp := postJSON(t, srv.URL+"/api/v1/jobs", `{"id":"job-42","provider":"openai","model":"m","prompts":["x","y"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/jobs/job-42", resp.Header.Get("Location"))

	finished, err := svc.WaitUntilCompleted(ctx, "job-42", 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, finished.Status)

	get, err := http.Get(srv.URL + "/api/v1/jobs/job-42")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	var fetched job.Job
	require.NoError(t, json.NewDecoder(get.Body).Decode(&fetched))
	assert.Equal(t, []string{"re:x", "re:y"}, fetched.Responses)

	missing, err := http.Get(srv.URL + "/api/v1/jobs/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, string(job.CodeJobNotFound), decodeError(t, missing).Code)

	list, err := http.Get(srv.URL + "/api/v1/jobs?status=succeeded&limit=5&order=asc")
	require.NoError(t, err)
	defer list.Body.Close()
	var listed struct {
		Jobs []job.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&listed))
	require.Len(t, listed.Jobs, 1)

	badList, err := http.Get(srv.URL + "/api/v1/jobs?status=exploded")
	require.NoError(t, err)
	defer badList.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badList.StatusCode)

	statsResp, err := http.Get(srv.URL + "/api/v1/jobs/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	var stats job.Stats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Succeeded)

	invalid := postJSON(t, srv.URL+"/api/v1/jobs", `{"provider":"openai","prompts":[]}`)
	assert.Equal(t, http.StatusBadRequest, invalid.StatusCode)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, _ := io.ReadAll(metricsResp.Body)
	assert.Contains(t, string(raw), `api_test_http_requests_total{code="202",handler="jobs_create",method="POST"} 1`)
}

func TestJobEndpointsDisabled(t *testing.T) {
	srv := newTestServer(t, replyDoer(echo))

	resp := postJSON(t, srv.URL+"/api/v1/jobs", `{"provider":"openai","prompts":["a"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	noMetrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer noMetrics.Body.Close()
	assert.Equal(t, http.StatusNotFound, noMetrics.StatusCode)
}

func TestAuthProtectsRoutes(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Tokens: []auth.Token{
			{Name: "caller", Secret: "invoke-token", Permissions: []string{auth.PermissionBatchInvoke}},
			{Name: "viewer", Secret: "read-token", Permissions: []string{auth.PermissionJobsRead, auth.PermissionMetricsRead}},
		},
	})
	require.NoError(t, err)
	srv := newTestServer(t, replyDoer(echo), WithAuth(authSvc), WithMetrics(metrics.New("api_auth_test")))

	send := func(method, path, token, body string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := send(http.MethodPost, "/api/v1/batches", "", `{"prompts":["a"]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(auth.CodeUnauthenticated), decodeError(t, resp).Code)

	resp = send(http.MethodPost, "/api/v1/batches", "read-token", `{"prompts":["a"]}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, string(auth.CodePermissionDenied), detail.Code)
	assert.Equal(t, auth.PermissionBatchInvoke, detail.Metadata["permission"])

	resp = send(http.MethodPost, "/api/v1/batches", "invoke-token", `{"prompts":["a"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body batchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"re:a"}, body.Responses)

	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/healthz", "", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodGet, "/metrics", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/metrics", "read-token", "").StatusCode)
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
