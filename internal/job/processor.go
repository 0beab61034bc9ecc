package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "llmblast/internal/errors"
	"llmblast/internal/llm"
	"llmblast/internal/observability/alerting"
	"llmblast/pkg/logger"
)

// BatchDispatcher 定义了处理器所需的批量调用能力，*dispatch.Dispatcher 满足该接口。
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, prompts []string, provider llm.Provider) ([]string, error)
}

// CredentialSource 根据任务记录的 provider 名称与模型解析出带密钥的描述符。
// 密钥不随任务持久化。
type CredentialSource interface {
	ResolveProvider(name, model string) (llm.Provider, error)
}

// Processor 负责从队列消费任务并交给批量分发器执行。失败的任务不会重试。
type Processor struct {
	dispatcher  BatchDispatcher
	credentials CredentialSource
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    TransitionObserver
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithTransitionObserver 配置状态迁移观测。
func WithTransitionObserver(observer TransitionObserver) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(dispatcher BatchDispatcher, credentials CredentialSource, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		dispatcher:  dispatcher,
		credentials: credentials,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务 ID，仅在存储不可用时返回错误。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.dispatcher == nil || p.credentials == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobConflict) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, err, "claim")
		return err
	}
	p.observe(StatusRunning)

	provider, err := p.credentials.ResolveProvider(job.Provider, job.Model)
	if err != nil {
		return p.fail(ctx, job, err, "resolve")
	}

	responses, err := p.dispatcher.DispatchBatch(ctx, job.Prompts, provider)
	if err != nil {
		return p.fail(ctx, job, err, "dispatch")
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, responses); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return p.fail(ctx, job, err, "store")
	}
	p.observe(StatusSucceeded)
	logger.AuditEvent("job.succeeded",
		slog.String("job_id", job.ID),
		slog.String("provider", job.Provider),
		slog.Int("batch_size", len(job.Prompts)),
	)
	return nil
}

func (p *Processor) fail(ctx context.Context, job *Job, cause error, stage string) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	if err := p.store.MarkFailed(ctx, job.ID, code, cause.Error()); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	p.observe(StatusFailed)
	logger.AuditEvent("job.failed",
		slog.String("job_id", job.ID),
		slog.String("provider", job.Provider),
		slog.String("stage", stage),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	p.emitAlert(ctx, job, cause, stage)
	return nil
}

func (p *Processor) observe(status Status) {
	if p.observer != nil {
		p.observer.ObserveJobTransition(string(status))
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, cause error, stage string) {
	if p.alerter == nil || job == nil || cause == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	metadata := map[string]string{}
	if typed, ok := xerrors.From(cause); ok {
		metadata = typed.Metadata()
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		Provider:   job.Provider,
		Model:      job.Model,
		BatchSize:  len(job.Prompts),
		Stage:      stage,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
