package job

import (
	"context"
	"log/slog"

	xerrors "llmblast/internal/errors"
	"llmblast/pkg/logger"
)

const recoveryPageSize = 100

// RecoveryOptions 控制启动时如何处理上次进程遗留的任务。
type RecoveryOptions struct {
	// FailRunning 将 running 状态的任务标记为中断失败。多个实例共享存储时不要开启。
	FailRunning bool
}

// RecoveryReport 汇总一次恢复的结果。
type RecoveryReport struct {
	Requeued    int `json:"requeued"`
	Interrupted int `json:"interrupted"`
}

// Recover 先按需把 running 任务标记为中断失败，再将 pending 任务重新入队。
func (s *Service) Recover(ctx context.Context, opts RecoveryOptions) (RecoveryReport, error) {
	var report RecoveryReport
	if opts.FailRunning {
		n, err := s.FailInterrupted(ctx)
		report.Interrupted = n
		if err != nil {
			return report, err
		}
	}
	n, err := s.RequeuePending(ctx)
	report.Requeued = n
	return report, err
}

// FailInterrupted 将所有 running 任务标记为 JOB_INTERRUPTED。
// 必须在处理器启动之前调用，否则会误伤刚被领取的任务。
func (s *Service) FailInterrupted(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	running, err := s.collectIDs(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	for i, id := range running {
		if err := s.store.MarkFailed(ctx, id, CodeJobInterrupted, "进程重启时任务仍在执行"); err != nil {
			return i, err
		}
		s.observe(StatusFailed)
	}
	if len(running) > 0 {
		logger.AuditEvent("job.interrupted", slog.Int("count", len(running)))
	}
	return len(running), nil
}

// RequeuePending 将所有 pending 任务重新入队，重复投递由 Claim 去重。
func (s *Service) RequeuePending(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	pending, err := s.collectIDs(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	for i, id := range pending {
		if err := s.producer.Publish(ctx, id); err != nil {
			return i, xerrors.Wrap(CodeJobPublish, err, "恢复任务入队失败", xerrors.WithMetadata("job_id", id))
		}
	}
	if len(pending) > 0 {
		logger.AuditEvent("job.requeued", slog.Int("count", len(pending)))
	}
	return len(pending), nil
}

func (s *Service) collectIDs(ctx context.Context, status Status) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += recoveryPageSize {
		page, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(status),
			WithLimit(recoveryPageSize),
			WithOffset(offset),
			WithSortOrder(SortByUpdatedAsc),
		))
		if err != nil {
			return nil, err
		}
		for _, job := range page {
			ids = append(ids, job.ID)
		}
		if len(page) < recoveryPageSize {
			return ids, nil
		}
	}
}
