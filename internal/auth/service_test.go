package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "llmblast/internal/errors"
)

func tokenConfig() Config {
	return Config{
		Mode: ModeToken,
		Tokens: []Token{
			{Name: "ops", Secret: "ops-secret", Permissions: []string{PermissionAll}},
			{Name: "reader", Secret: "reader-secret", Permissions: []string{PermissionJobsRead}},
			{Name: "retired", Secret: "retired-secret", Permissions: []string{PermissionAll}, Disabled: true},
		},
	}
}

func TestNewServiceValidatesTokens(t *testing.T) {
	_, err := NewService(Config{Mode: ModeToken})
	assert.Error(t, err)

	_, err = NewService(Config{Mode: ModeToken, Tokens: []Token{{Name: "a", Secret: " "}}})
	assert.Error(t, err)

	_, err = NewService(Config{Mode: ModeToken, Tokens: []Token{{Name: "a", Secret: "x"}, {Name: "b", Secret: "x"}}})
	assert.ErrorContains(t, err, "duplicates")

	_, err = NewService(Config{Mode: "oauth"})
	assert.Error(t, err)

	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
}

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService(tokenConfig())
	require.NoError(t, err)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer reader-secret")
	require.NoError(t, err)
	assert.Equal(t, "reader", subject.Name)

	subject, err = svc.AuthenticateRequest(ctx, "bearer   ops-secret ")
	require.NoError(t, err)
	assert.Equal(t, "ops", subject.Name)

	cases := map[string]xerrors.Code{
		"":                       CodeUnauthenticated,
		"Bearer ":                CodeUnauthenticated,
		"Basic b3BzOnNlY3JldA==": CodeUnauthenticated,
		"Bearer nope":            CodeUnauthenticated,
		"Bearer retired-secret":  CodePermissionDenied,
	}
	for header, code := range cases {
		_, err := svc.AuthenticateRequest(ctx, header)
		assert.Equal(t, code, xerrors.CodeOf(err), "header %q", header)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	reader := &Subject{Name: "reader", Permissions: []string{" Jobs:Read "}}
	assert.NoError(t, reader.Authorize(PermissionJobsRead))
	err := reader.Authorize(PermissionJobsRead, PermissionBatchInvoke)
	assert.Equal(t, CodePermissionDenied, xerrors.CodeOf(err))
	assert.Equal(t, http.StatusForbidden, xerrors.HTTPStatusOf(err))

	admin := &Subject{Name: "admin", Permissions: []string{PermissionAll}}
	assert.NoError(t, admin.Authorize(PermissionBatchInvoke, PermissionMetricsRead))

	var missing *Subject
	assert.Equal(t, CodeUnauthenticated, xerrors.CodeOf(missing.Authorize()))
}

func TestParseMode(t *testing.T) {
	mode, ok := ParseMode("")
	assert.True(t, ok)
	assert.Equal(t, ModeDisabled, mode)

	mode, ok = ParseMode(" TOKEN ")
	assert.True(t, ok)
	assert.Equal(t, ModeToken, mode)

	_, ok = ParseMode("jwt")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	svc, err := NewService(tokenConfig())
	require.NoError(t, err)

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{Permissions: []string{PermissionBatchInvoke}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromContext(r.Context())
			w.WriteHeader(http.StatusCreated)
		}))

	serve := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusUnauthorized, serve("Bearer wrong"))
	assert.Equal(t, http.StatusForbidden, serve("Bearer reader-secret"))
	assert.Nil(t, seen)

	assert.Equal(t, http.StatusCreated, serve("Bearer ops-secret"))
	require.NotNil(t, seen)
	assert.Equal(t, "ops", seen.Name)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)

	called := false
	handler := svc.Middleware(MiddlewareConfig{Permissions: []string{PermissionAll}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			assert.Nil(t, SubjectFromContext(r.Context()))
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareUsesErrorWriter(t *testing.T) {
	svc, err := NewService(tokenConfig())
	require.NoError(t, err)

	var written error
	handler := svc.Middleware(MiddlewareConfig{
		WriteError: func(w http.ResponseWriter, err error) {
			written = err
			w.WriteHeader(xerrors.HTTPStatusOf(err))
		},
	})(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthenticated, xerrors.CodeOf(written))
}
