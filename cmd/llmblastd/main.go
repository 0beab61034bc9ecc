package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"llmblast/internal/api"
	"llmblast/internal/auth"
	"llmblast/internal/config"
	"llmblast/internal/dispatch"
	"llmblast/internal/job"
	"llmblast/internal/llm"
	"llmblast/internal/observability/alerting"
	"llmblast/internal/observability/metrics"
	storage "llmblast/internal/storage/mysql"
	"llmblast/pkg/logger"
)

// main 是 llmblast 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("llmblastd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.Named("llmblastd")

	collector := metrics.Default()
	dispatcher := newDispatcher(cfg, collector)

	store, err := openStore(ctx, cfg.Job.Store)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Job.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}

	service := job.NewService(store, queue, job.WithServiceObserver(collector))
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	if cfg.Job.Recovery.Enabled && cfg.Job.Recovery.FailRunning {
		interrupted, err := service.FailInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("标记中断任务失败: %w", err)
		}
		log.Info("已标记中断任务", slog.Int("count", interrupted))
	}

	authService, err := auth.NewService(cfg.AuthSettings())
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}

	processor := job.NewProcessor(dispatcher, cfg, store, queue,
		job.WithWorkerCount(cfg.Job.Workers),
		job.WithProcessorLogger(logger.Named("processor")),
		job.WithAlertDispatcher(newAlerter(cfg.Alerting)),
		job.WithTransitionObserver(collector),
	)

	server := api.NewServer(cfg.Server.Address, dispatcher, cfg,
		api.WithJobService(service),
		api.WithMetrics(collector),
		api.WithAuth(authService),
		api.WithLogger(logger.Named("api")),
	)

	log.Info("llmblastd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("default_provider", cfg.LLM.DefaultProvider),
		slog.String("store", cfg.Job.Store.Driver),
		slog.String("queue", cfg.Job.Queue.Driver),
		slog.Int("workers", cfg.Job.Workers),
		slog.String("auth", string(authService.Mode())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := processor.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("任务处理器异常退出: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Job.Recovery.Enabled {
		// 与处理器并发执行，避免内存队列写满时阻塞。
		g.Go(func() error {
			requeued, err := service.RequeuePending(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("恢复遗留任务失败: %w", err)
			}
			log.Info("遗留任务已重新入队", slog.Int("count", requeued))
			return nil
		})
	}
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			if err := metrics.StartServer(gctx, cfg.Metrics.Address, collector); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("指标服务异常退出: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("llmblastd 已停止")
	return err
}

// newDispatcher 构造带观测的 Dispatcher，并应用配置中的私有网关地址。
func newDispatcher(cfg *config.Config, collector *metrics.Collector) *dispatch.Dispatcher {
	opts := []llm.CallerOption{
		llm.WithObserver(collector),
		llm.WithLogger(logger.Named("llm")),
	}
	for _, kind := range []llm.Kind{llm.KindOpenAIChat, llm.KindAnthropicMessages} {
		if endpoint := cfg.ProviderSettings(kind).Endpoint; endpoint != "" {
			opts = append(opts, llm.WithEndpoint(kind, endpoint))
		}
	}
	return dispatch.New(llm.NewCaller(opts...),
		dispatch.WithObserver(collector),
		dispatch.WithLogger(logger.Named("dispatch")),
	)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (job.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return job.NewMemoryStore(), nil
	case "mysql":
		store, err := job.OpenMySQLStore(ctx, storage.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (job.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return job.NewMemoryQueue(cfg.Size), nil
	case "redis":
		queue, err := job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait(),
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Timeout: cfg.Timeout()})
	}
	return alerting.NewFanout(notifiers...)
}
