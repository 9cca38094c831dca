// Package bootstrap assembles the full service from its parts: stores,
// locks, pipeline, workers, scheduler and the HTTP API.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/courier/internal/app"
	"github.com/antoniostano/courier/internal/config"
	"github.com/antoniostano/courier/internal/httpapi"
	"github.com/antoniostano/courier/internal/locking"
	"github.com/antoniostano/courier/internal/messages"
	"github.com/antoniostano/courier/internal/notify"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/pipeline"
	"github.com/antoniostano/courier/internal/processing"
	"github.com/antoniostano/courier/internal/sandbox"
	"github.com/antoniostano/courier/internal/scheduler"
	"github.com/antoniostano/courier/internal/task"
	"github.com/antoniostano/courier/internal/termination"
	"github.com/antoniostano/courier/internal/usage"
)

// BuildResult holds the assembled application.
type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Service   *app.Service
	Scheduler *scheduler.Scheduler
	Metrics   *observability.Metrics
	StoreMode string

	// StartWorkers launches the batch worker pool on ctx.
	StartWorkers func(ctx context.Context)
	// Cleanup releases external resources on shutdown.
	Cleanup func() error
}

// Build wires stores, locks, pipeline, workers and the HTTP API. With a
// DATABASE_URL everything durable lives in Postgres; without one the whole
// system runs in process, which is how the tests run it.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var (
		pool      *pgxpool.Pool
		tasks     task.Store
		msgs      messages.Store
		locks     locking.Facade
		flags     termination.FlagStore
		files     processing.FileStore
		storeMode = "in-memory"
	)

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if tasks, err = task.NewPostgresStore(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("task store init: %w", err)
		}
		if msgs, err = messages.NewPostgresStore(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("message store init: %w", err)
		}
		if locks, err = locking.NewPostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("lock store init: %w", err)
		}
		if flags, err = termination.NewPostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("termination store init: %w", err)
		}
		if files, err = processing.NewPostgresFiles(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("file store init: %w", err)
		}
		storeMode = "postgres"
	} else {
		tasks = task.NewMemoryStore()
		msgs = messages.NewMemoryStore()
		locks = locking.NewMemory()
		flags = termination.NewMemory()
		files = processing.NewMemoryFiles()
	}
	log.Printf("store mode: %s", storeMode)

	sink := notify.Sink(notify.LogSink{})
	if strings.TrimSpace(cfg.NotifyURL) != "" {
		sink = notify.NewHTTPSink(cfg.NotifyURL, nil)
	}
	callbacks := notify.CallbackDispatcher(notify.LogDispatcher{})
	if strings.TrimSpace(cfg.CallbackURL) != "" {
		callbacks = notify.NewHTTPDispatcher(cfg.CallbackURL, nil)
	}
	calc := usage.NewRateCalculator(msgs, 0)

	machine := task.NewStateMachine(tasks, calc, callbacks, metrics)
	queue := pipeline.NewQueue(4 * cfg.BatchSize)
	pipe := pipeline.New(locks, tasks, msgs, queue, metrics, pipeline.Config{
		SandboxLockTTL: cfg.SandboxLockTTL,
		SpinWait:       cfg.LockSpinWait,
	})
	proc := processing.NewCore(files, locks, sink, metrics, processing.CoreConfig{
		FileLockTTL: cfg.FileLockTTL,
		SpinWait:    cfg.LockSpinWait,
	})

	dialer := sandbox.NewDialer(sandbox.Config{
		BaseURL:     cfg.SandboxWSBaseURL,
		DialTimeout: cfg.SandboxDialTimeout,
		InitTimeout: cfg.InitTimeout,
		AckTimeout:  cfg.AckTimeout,
		ReadTimeout: cfg.ReadTimeout,
		TaskTimeout: cfg.TaskTimeout,
	})

	svc := app.NewService(cfg, dialer, tasks, machine, pipe, flags, sink, metrics)

	workerCfg := pipeline.WorkerConfig{
		BatchSize:      cfg.BatchSize,
		MaxRetries:     cfg.MaxRetries,
		TopicLockTTL:   cfg.TopicLockTTL,
		SpinWait:       cfg.LockSpinWait,
		TerminationTTL: cfg.TerminationTTL,
	}
	startWorkers := func(runCtx context.Context) {
		pipeline.Start(runCtx, cfg.PipelineWorkers, func() *pipeline.Worker {
			return pipeline.NewWorker(queue, locks, msgs, flags, machine, proc, metrics, workerCfg).
				WithInterrupter(svc)
		})
	}

	sched := scheduler.New(svc, tasks)
	for _, j := range cfg.Jobs {
		if err := sched.Add(scheduler.JobSpec{
			ID:        j.ID,
			TopicID:   j.TopicID,
			ProjectID: j.ProjectID,
			Prompt:    j.Prompt,
			Schedule:  j.Schedule,
		}); err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, fmt.Errorf("register job %s: %w", j.ID, err)
		}
	}
	api := httpapi.New(cfg, svc, msgs, pipe, metrics)

	cleanup := func() error {
		queue.Close()
		var errs []string
		if err := msgs.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := tasks.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if pool != nil {
			pool.Close()
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Service:      svc,
		Scheduler:    sched,
		Metrics:      metrics,
		StoreMode:    storeMode,
		StartWorkers: startWorkers,
		Cleanup:      cleanup,
	}, nil
}
