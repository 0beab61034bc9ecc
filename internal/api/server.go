package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmblast/internal/auth"
	xerrors "llmblast/internal/errors"
	"llmblast/internal/job"
	"llmblast/internal/llm"
	"llmblast/internal/observability/metrics"
	"llmblast/pkg/logger"
)

const maxRequestBytes = 8 << 20

// BatchDispatcher 定义同步批量调用能力。
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, prompts []string, provider llm.Provider) ([]string, error)
}

// CredentialSource 根据 provider 名称与模型解析出带密钥的描述符。
type CredentialSource interface {
	ResolveProvider(name, model string) (llm.Provider, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr        string
	dispatcher  BatchDispatcher
	credentials CredentialSource
	jobs        *job.Service
	metrics     *metrics.Collector
	auth        *auth.Service
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithJobService 启用异步任务接口。
func WithJobService(svc *job.Service) Option {
	return func(s *Server) {
		s.jobs = svc
	}
}

// WithMetrics 指定指标采集器，同时挂载 /metrics。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithAuth 为除 /healthz 外的路由启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dispatcher BatchDispatcher, credentials CredentialSource, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		dispatcher:  dispatcher,
		credentials: credentials,
		logger:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/batches", "batches", auth.PermissionBatchInvoke, s.handleDispatchBatch)
	s.route(mux, "POST /api/v1/jobs", "jobs_create", auth.PermissionJobsWrite, s.handleSubmitJob)
	s.route(mux, "GET /api/v1/jobs", "jobs_list", auth.PermissionJobsRead, s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/stats", "jobs_stats", auth.PermissionJobsRead, s.handleJobStats)
	s.route(mux, "GET /api/v1/jobs/{id}", "jobs_get", auth.PermissionJobsRead, s.handleGetJob)
	s.route(mux, "GET /healthz", "healthz", "", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.protect("metrics", auth.PermissionMetricsRead, s.metrics.Handler()))
	}
	return mux
}

// route 依次套上认证与指标中间件，permission 为空表示匿名可访问。
func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if permission != "" {
		handler = s.protect(name, permission, handler)
	}
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
}

func (s *Server) protect(event, permission string, next http.Handler) http.Handler {
	if !s.auth.Enabled() {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		Permissions: []string{permission},
		AuditEvent:  event,
		WriteError:  writeError,
	})(next)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type batchRequest struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Prompts  []string `json:"prompts"`
}

type batchResponse struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Responses []string `json:"responses"`
}

// handleDispatchBatch 同步执行一个批次，全部成功才返回回复数组。
func (s *Server) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil || s.credentials == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher 未初始化"))
		return
	}
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Prompts == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "prompts 必须是字符串数组"))
		return
	}
	provider, err := s.credentials.ResolveProvider(req.Provider, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	responses, err := s.dispatcher.DispatchBatch(r.Context(), req.Prompts, provider)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		Provider:  provider.Kind().String(),
		Model:     provider.Model(),
		Responses: responses,
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var req job.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空"))
		return
	}
	found, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) ([]job.ListOption, error) {
	query := r.URL.Query()
	var opts []job.ListOption

	for _, key := range []string{"limit", "offset"} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
		}
		if key == "limit" {
			opts = append(opts, job.WithLimit(value))
		} else {
			opts = append(opts, job.WithOffset(value))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if !job.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := query.Get("since"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须是 Unix 秒")
		}
		opts = append(opts, job.WithUpdatedSince(time.Unix(seconds, 0)))
	}
	if raw := query.Get("provider"); raw != "" {
		opts = append(opts, job.WithProvider(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, job.WithQuery(raw))
	}
	opts = append(opts, job.WithSortOrder(job.ParseSortOrder(query.Get("order"))))
	return opts, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if typed, ok := xerrors.From(err); ok {
		detail.Metadata = typed.Metadata()
	}
	writeJSON(w, xerrors.HTTPStatusOf(err), errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
