package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "llmblast/internal/errors"
	"llmblast/internal/llm"
	"llmblast/internal/observability/metrics"
	"llmblast/pkg/logger"
)

// Caller 定义了单个 prompt 的调用能力，*llm.Caller 满足该接口。
type Caller interface {
	Call(ctx context.Context, prompt string, provider llm.Provider) (string, error)
}

// BatchObserver 接收批次级别的观测数据。
type BatchObserver interface {
	ObserveBatch(provider llm.Provider, size int, duration time.Duration, err error)
}

// Dispatcher 负责批量并发调用并按输入顺序汇总结果。
type Dispatcher struct {
	caller   Caller
	logger   *slog.Logger
	observer BatchObserver
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithObserver 配置批次观测回调。
func WithObserver(observer BatchObserver) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// New 构造 Dispatcher。
func New(caller Caller, opts ...Option) *Dispatcher {
	d := &Dispatcher{caller: caller}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

type outcome struct {
	text string
	err  error
}

// DispatchBatch 为每个 prompt 启动一个并发调用，等待全部完成后按输入位置汇总。
//
// 任意一个调用失败则整个批次失败，返回下标最小的那个错误，其余结果全部丢弃。
// 某个调用提前失败时不会取消其它仍在进行的调用，函数总是等所有调用结束后才返回。
func (d *Dispatcher) DispatchBatch(ctx context.Context, prompts []string, provider llm.Provider) ([]string, error) {
	start := time.Now()
	responses, err := d.dispatch(ctx, prompts, provider)
	elapsed := time.Since(start)

	if d.observer != nil {
		d.observer.ObserveBatch(provider, len(prompts), elapsed, err)
	}
	if d.logger != nil {
		attrs := []any{
			slog.Any("provider", provider),
			slog.Int("batch_size", len(prompts)),
			slog.Duration("duration", elapsed),
		}
		if err != nil {
			d.logger.Warn("批次调用失败", append(attrs, slog.Any("error", err))...)
		} else {
			d.logger.Debug("批次调用完成", attrs...)
		}
	}
	return responses, err
}

func (d *Dispatcher) dispatch(ctx context.Context, prompts []string, provider llm.Provider) ([]string, error) {
	if d.caller == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher 未配置 caller")
	}

	outcomes := make([]outcome, len(prompts))
	var g errgroup.Group
	for i, prompt := range prompts {
		g.Go(func() error {
			outcomes[i] = d.callOne(ctx, i, prompt, provider)
			// 返回 nil 使 errgroup 只负责汇合，失败与否由下面按下标判定。
			return nil
		})
	}
	_ = g.Wait()

	responses := make([]string, len(prompts))
	for i, out := range outcomes {
		if out.err != nil {
			return nil, xerrors.Annotate(out.err, xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
		responses[i] = out.text
	}
	return responses, nil
}

func (d *Dispatcher) callOne(ctx context.Context, index int, prompt string, provider llm.Provider) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			if d.logger != nil {
				d.logger.Error("调用协程异常退出",
					slog.Int("index", index),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
			out = outcome{err: xerrors.New(llm.CodeConcurrencyFault, fmt.Sprintf("worker %d aborted: %v", index, r))}
		}
	}()
	text, err := d.caller.Call(ctx, prompt, provider)
	return outcome{text: text, err: err}
}

var defaultDispatcher = sync.OnceValue(func() *Dispatcher {
	collector := metrics.Default()
	caller := llm.NewCaller(
		llm.WithObserver(collector),
		llm.WithLogger(logger.Named("llm")),
	)
	return New(caller,
		WithObserver(collector),
		WithLogger(logger.Named("dispatch")),
	)
})

// Default 返回基于共享 HTTP 客户端的进程级 Dispatcher。
func Default() *Dispatcher {
	return defaultDispatcher()
}

// CallBatch 是暴露给宿主（CLI、服务端、SDK 使用方）的批量调用入口。
func CallBatch(ctx context.Context, prompts []string, provider llm.Provider) ([]string, error) {
	return Default().DispatchBatch(ctx, prompts, provider)
}
