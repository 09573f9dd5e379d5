// Package app wires configuration into the running service graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/toolhub/internal/audit"
	"github.com/ent0n29/toolhub/internal/config"
	"github.com/ent0n29/toolhub/internal/execution"
	"github.com/ent0n29/toolhub/internal/httpapi"
	"github.com/ent0n29/toolhub/internal/lease"
	"github.com/ent0n29/toolhub/internal/llm"
	"github.com/ent0n29/toolhub/internal/observability"
	"github.com/ent0n29/toolhub/internal/reliability"
	"github.com/ent0n29/toolhub/internal/schedule"
	"github.com/ent0n29/toolhub/internal/taskruntime"
	"github.com/ent0n29/toolhub/internal/tasks"
	"github.com/ent0n29/toolhub/internal/tools"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Tools     *tools.Service
	Tasks     *taskruntime.Service
	Scheduler *schedule.Scheduler
	Backends  *llm.Catalog
	Metrics   *observability.Metrics
	StoreMode string

	closers []func(ctx context.Context) error
	logger  *slog.Logger
}

// Build connects to the configured backing services and assembles the
// pipeline, task runtime, scheduler and API. Without DATABASE_URL every store
// is in memory; without REDIS_URL leases are process-local.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *BuildResult, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := &BuildResult{Config: cfg, logger: logger, StoreMode: "in-memory"}
	defer func() {
		if err != nil {
			_ = res.Cleanup(context.Background())
		}
	}()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	res.Metrics = metrics

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres connect failed: %w", err)
		}
		res.onClose(func(context.Context) error { pool.Close(); return nil })
		if err = pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		res.StoreMode = "postgres"
	}

	var rdb *redis.Client
	var locker lease.Locker = lease.NewLocalLocker()
	if cfg.RedisURL != "" {
		rdb, err = lease.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		res.onClose(func(context.Context) error { return rdb.Close() })
		if err = rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		locker = lease.NewRedisLocker(rdb)
	}

	recorder, err := buildRecorder(ctx, cfg, rdb, metrics, logger)
	if err != nil {
		return nil, err
	}
	res.onClose(recorder.Close)

	// Tool pipeline.
	toolStore, err := newToolStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	var (
		deployer tools.Deployer
		fetcher  tools.ToolFetcher
		invoker  tools.Invoker
	)
	if cfg.DeployGatewayURL != "" {
		gw := tools.NewGatewayClient(cfg.DeployGatewayURL, cfg.UpstreamTimeout)
		deployer, fetcher, invoker = gw, gw, gw
	} else {
		gw := tools.NewLocalGateway()
		deployer, fetcher, invoker = gw, gw, gw
		logger.Warn("DEPLOY_GATEWAY_URL not set; using the in-process gateway")
	}
	checker := tools.NewGitHubChecker(cfg.GitHubAPIURL, cfg.GitHubToken, cfg.UpstreamTimeout)
	registry, err := tools.NewRegistry(tools.DefaultProcessors(checker, deployer, fetcher)...)
	if err != nil {
		return nil, fmt.Errorf("processor registry: %w", err)
	}
	pipeline := tools.NewRunner(tools.RunnerConfig{
		StageTimeout: cfg.PipelineStageTimeout,
		Retry: reliability.RetryPolicy{
			MaxAttempts:     cfg.PipelineMaxAttempts,
			InitialInterval: cfg.PipelineRetryBase,
			MaxInterval:     cfg.PipelineRetryMax,
		},
		LeaseTTL:       cfg.LeaseTTL,
		NoLeaseRenewal: !cfg.LeaseRenew,
	}, toolStore, registry, locker, recorder, metrics, logger)
	toolSvc := tools.NewService(pipeline, invoker, 0, logger)
	res.Tools = toolSvc
	res.onClose(toolSvc.Close)

	// Model backends.
	profiles, defaultProfile, err := llm.LoadProfiles(cfg.LLMBackendsFile)
	if err != nil {
		return nil, fmt.Errorf("load backend profiles: %w", err)
	}
	res.Backends = llm.NewCatalog(llm.DefaultSelector(metrics, logger), profiles, defaultProfile)

	// Tasks.
	taskStore, mode, err := tasks.NewStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	logger.Info("task store ready", "mode", mode)
	taskSvc := taskruntime.New(taskruntime.Config{
		TaskTimeout: cfg.TaskTimeout,
		StepTimeout: cfg.TaskStepTimeout,
		Retry: reliability.RetryPolicy{
			MaxAttempts:     cfg.TaskMaxStepAttempts,
			InitialInterval: cfg.PipelineRetryBase,
			MaxInterval:     cfg.PipelineRetryMax,
		},
		LeaseTTL:           cfg.LeaseTTL,
		NoLeaseRenewal:     !cfg.LeaseRenew,
		CancelPollInterval: cfg.TaskCancelPollInterval,
	}, tasks.NewManager(taskStore), execution.NewRunner(res.Backends, toolSvc), locker, recorder, metrics, logger)
	res.Tasks = taskSvc
	res.onClose(taskSvc.Close)

	// Scheduler.
	scheduleStore, _, err := schedule.NewStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("schedule store init failed: %w", err)
	}
	res.Scheduler = schedule.New(schedule.Config{
		MaxStaleness: cfg.SchedulerMaxStaleness,
		Concurrency:  cfg.SchedulerConcurrency,
	}, scheduleStore, taskSvc, recorder, metrics, logger)
	res.onClose(func(context.Context) error { res.Scheduler.Wait(); return nil })

	var ready func(ctx context.Context) error
	if pool != nil || rdb != nil {
		ready = func(ctx context.Context) error {
			if pool != nil {
				if err := pool.Ping(ctx); err != nil {
					return fmt.Errorf("postgres: %w", err)
				}
			}
			if rdb != nil {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		}
	}
	res.API = httpapi.New(cfg, httpapi.Deps{
		Tools:     toolSvc,
		Tasks:     taskSvc,
		Scheduler: res.Scheduler,
		Metrics:   metrics,
		Logger:    logger,
		Ready:     ready,
		StoreMode: res.StoreMode,
	})
	return res, nil
}

// Start resumes work interrupted by a previous shutdown and, when enabled,
// starts the in-process scheduler clock.
func (b *BuildResult) Start(ctx context.Context) error {
	if _, err := b.Tools.ResumeAll(ctx); err != nil {
		return fmt.Errorf("resume submissions: %w", err)
	}
	if _, err := b.Tasks.ResumeUnfinished(ctx); err != nil {
		return fmt.Errorf("resume tasks: %w", err)
	}
	if b.Config.SchedulerEnabled {
		b.Scheduler.Start(ctx, b.Config.SchedulerTickInterval)
	}
	return nil
}

// Cleanup releases resources in reverse order of acquisition.
func (b *BuildResult) Cleanup(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *BuildResult) onClose(fn func(ctx context.Context) error) {
	b.closers = append(b.closers, fn)
}

func newToolStore(ctx context.Context, pool *pgxpool.Pool) (tools.Store, error) {
	if pool == nil {
		return tools.NewMemoryStore(), nil
	}
	st, err := tools.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("tool store init failed: %w", err)
	}
	return st, nil
}

func buildRecorder(ctx context.Context, cfg config.Config, rdb *redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*audit.AsyncRecorder, error) {
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if cfg.NATSURL != "" {
		sink, err := audit.NewNATSSink(cfg.NATSURL, cfg.AuditNATSSubject)
		if err != nil {
			return nil, fmt.Errorf("nats audit sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if rdb != nil {
		sinks = append(sinks, audit.NewRedisStreamSink(rdb, cfg.AuditRedisStream))
	}
	if cfg.AuditSQLitePath != "" {
		sink, err := audit.NewSQLiteSink(ctx, cfg.AuditSQLitePath)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, fmt.Errorf("sqlite audit sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return audit.NewAsyncRecorder(sinks,
		audit.WithLogger(logger),
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithDropHook(metrics.ObserveAuditDrop),
	), nil
}
