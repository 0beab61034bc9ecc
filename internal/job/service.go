package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "llmblast/internal/errors"
	"llmblast/internal/llm"
	"llmblast/pkg/logger"
)

// MaxPromptsPerJob 限制单个任务携带的 prompt 数量。
const MaxPromptsPerJob = 10000

// TransitionObserver 接收任务状态迁移的计数。
type TransitionObserver interface {
	ObserveJobTransition(status string)
}

// Service 负责任务的创建与查询。
type Service struct {
	store    Store
	producer Producer
	observer TransitionObserver
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceObserver 配置状态迁移观测。
func WithServiceObserver(observer TransitionObserver) ServiceOption {
	return func(s *Service) {
		s.observer = observer
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验请求、持久化任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if len(req.Prompts) == 0 {
		return nil, xerrors.New(CodeJobValidation, "prompts 不能为空")
	}
	if len(req.Prompts) > MaxPromptsPerJob {
		return nil, xerrors.New(CodeJobValidation, "prompts 数量超过上限")
	}
	kind, err := llm.ParseKind(req.Provider)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "provider 不合法")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:       jobID,
		Provider: kind.String(),
		Model:    strings.TrimSpace(req.Model),
		Prompts:  cloneStrings(req.Prompts),
		Metadata: cloneMetadata(req.Metadata),
		Status:   StatusPending,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.observe(StatusPending)

	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		if markErr := s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error()); markErr == nil {
			s.observe(StatusFailed)
		}
		return nil, wrapped
	}
	logger.AuditEvent("job.submitted",
		slog.String("job_id", jobID),
		slog.String("provider", job.Provider),
		slog.String("model", job.Model),
		slog.Int("batch_size", len(job.Prompts)),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询任务直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待任务完成超时")
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

func (s *Service) observe(status Status) {
	if s.observer != nil {
		s.observer.ObserveJobTransition(string(status))
	}
}
