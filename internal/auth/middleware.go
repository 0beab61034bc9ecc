package auth

import (
	"log/slog"
	"net/http"
	"time"

	xerrors "llmblast/internal/errors"
)

// ErrorWriter 将认证错误写回客户端。
type ErrorWriter func(w http.ResponseWriter, err error)

// MiddlewareConfig 配置认证中间件的行为。
type MiddlewareConfig struct {
	// Permissions 是访问该路由所需的权限。
	Permissions []string
	// AuditEvent 是审计日志中的事件名称，为空时使用请求路径。
	AuditEvent string
	// WriteError 为空时使用纯文本状态码响应。
	WriteError ErrorWriter
}

// Middleware 返回一个完成认证、授权与审计的 HTTP 中间件。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	writeError := cfg.WriteError
	if writeError == nil {
		writeError = func(w http.ResponseWriter, err error) {
			status := xerrors.HTTPStatusOf(err)
			http.Error(w, http.StatusText(status), status)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(cfg.Permissions...)
			}
			if err != nil {
				writeError(w, err)
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", xerrors.HTTPStatusOf(err)),
					slog.String("code", string(xerrors.CodeOf(err))),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("subject", subject.Name))
				}
				s.audit.Warn("access_denied", attrs...)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name),
			)
		})
	}
}

// auditWriter 记录响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
