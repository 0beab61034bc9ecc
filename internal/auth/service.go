package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"llmblast/pkg/logger"
)

// Service 负责校验 API 请求携带的 Bearer 令牌。
type Service struct {
	mode     Mode
	subjects map[[sha256.Size]byte]*Subject
	audit    *slog.Logger
}

// NewService 构造认证服务。令牌以摘要形式保存，不保留明文。
func NewService(cfg Config) (*Service, error) {
	svc := &Service{
		mode:     cfg.Mode,
		subjects: make(map[[sha256.Size]byte]*Subject, len(cfg.Tokens)),
		audit:    logger.Audit(),
	}
	if svc.mode == "" {
		svc.mode = ModeDisabled
	}

	switch svc.mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	if len(cfg.Tokens) == 0 {
		return nil, errors.New("token mode requires at least one token")
	}
	for _, token := range cfg.Tokens {
		secret := strings.TrimSpace(token.Secret)
		if secret == "" {
			return nil, fmt.Errorf("token %q has an empty secret", token.Name)
		}
		digest := sha256.Sum256([]byte(secret))
		if _, dup := svc.subjects[digest]; dup {
			return nil, fmt.Errorf("token %q duplicates another token", token.Name)
		}
		subject := &Subject{
			Name:        token.Name,
			Permissions: append([]string(nil), token.Permissions...),
			Disabled:    token.Disabled,
		}
		subject.normalise()
		svc.subjects[digest] = subject
	}
	return svc, nil
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, ok := s.subjects[sha256.Sum256([]byte(token))]
	if !ok {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}
