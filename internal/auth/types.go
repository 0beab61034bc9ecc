package auth

import (
	"net/http"
	"strings"

	xerrors "llmblast/internal/errors"
)

// 认证失败相关的错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

// 认证子系统返回的错误。
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrSubjectRevoked   = xerrors.New(CodePermissionDenied, "subject is disabled")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:    "authentication required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:    "permission denied",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
}

// API 使用的权限名称。PermissionAll 授予全部权限。
const (
	PermissionAll         = "*"
	PermissionBatchInvoke = "batches:invoke"
	PermissionJobsWrite   = "jobs:write"
	PermissionJobsRead    = "jobs:read"
	PermissionMetricsRead = "metrics:read"
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// ParseMode 解析配置中的认证方式，空值视为 disabled。
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeDisabled:
		return ModeDisabled, true
	case ModeToken:
		return ModeToken, true
	default:
		return "", false
	}
}

// Token 描述一个静态访问令牌及其权限。
type Token struct {
	Name        string
	Secret      string
	Permissions []string
	Disabled    bool
}

// Config 配置认证服务。
type Config struct {
	Mode   Mode
	Tokens []Token
}

// Subject 是通过认证的调用方，经由 context 传递给处理函数。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求主体拥有全部给定权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, "missing permission "+perm,
				xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}
