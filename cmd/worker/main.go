// Package main is the entrypoint for the jobforge worker. One process claims
// jobs for its configured job types and executes them through the strategy
// registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mediaforge/jobforge/internal/cache"
	"github.com/mediaforge/jobforge/internal/config"
	"github.com/mediaforge/jobforge/internal/dispatch"
	"github.com/mediaforge/jobforge/internal/observability"
	"github.com/mediaforge/jobforge/internal/queue"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/internal/strategy/local"
	"github.com/mediaforge/jobforge/internal/strategy/remote"
	"github.com/mediaforge/jobforge/pkg/models"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"worker", cfg.Worker.Name,
		"cluster", cfg.Worker.Cluster,
		"job_types", cfg.Worker.JobTypes,
		"concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracing, err := observability.InitTracingFromEnv("jobforge-worker")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and strategy registry
	pgStore := store.NewPostgresStore(pool)
	media := local.NewFilesystemMediaStore(cfg.Media.Root)
	retry := queue.NewBackoff(cfg.Queue.RetryInitialBackoff, cfg.Queue.RetryMaxBackoff)

	registry, poller, err := buildRegistry(cfg, pgStore, media, retry)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	// 6. Start the claim loops, the keepalive reaper, and (for remote job
	// types) the provider reconciliation poller.
	runnerCfg := queue.RunnerConfig{
		WorkerName:         cfg.Worker.Name,
		Cluster:            cfg.Worker.Cluster,
		JobTypes:           cfg.Worker.JobTypes,
		RoutingTag:         cfg.Worker.RoutingTag,
		DebugWorker:        cfg.Worker.IsDebugWorker,
		MinimumPriority:    cfg.Worker.MinimumPriority,
		BatchSize:          cfg.Worker.BatchSize,
		PollInterval:       cfg.Worker.PollInterval,
		StarvationEveryNth: cfg.Worker.StarvationEveryNth,
		ReclaimWindow:      cfg.Queue.ReclaimWindow,
		MaxAttempts:        cfg.Queue.MaxAttempts,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		runner := queue.NewRunner(runnerCfg, pgStore, registry, retry, slog.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}

	reaper := queue.NewReaper(pgStore, redisCache,
		cfg.Queue.KeepaliveGrace, cfg.Queue.KeepaliveSweepInterval, slog.Default())
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	if poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for in-flight jobs...")
	wg.Wait()
	slog.Info("worker stopped gracefully")
	return nil
}

// buildRegistry binds a strategy to every (category, job type, model type)
// combination this worker serves. Remote job types also get a reconciliation
// poller that backstops lost webhooks.
func buildRegistry(cfg *config.Config, st store.Store, media *local.FilesystemMediaStore, retry queue.Backoff) (*dispatch.Registry, *remote.Poller, error) {
	registry := dispatch.NewRegistry()
	var provider *remote.HTTPProvider
	var remoteTypes []models.JobType

	for _, jobType := range cfg.Worker.JobTypes {
		category, ok := models.CategoryOf(jobType)
		if !ok {
			return nil, nil, fmt.Errorf("unknown job type %q", jobType)
		}

		var strat strategy.Strategy
		if jobType == models.JobTypeSoraImage {
			if provider == nil {
				provider = remote.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
			}
			strat = remote.New(string(jobType), provider, st, slog.Default())
			remoteTypes = append(remoteTypes, jobType)
		} else {
			strat = local.New(string(jobType), local.Config{
				Bin:     cfg.Worker.ExecBin,
				Script:  filepath.Join(cfg.Worker.ScriptsDir, string(jobType)+".py"),
				WorkDir: cfg.Worker.WorkDir,
				Timeout: cfg.Worker.ExecTimeout,
			}, media, slog.Default())
		}

		for _, modelType := range models.ModelTypesFor(jobType) {
			if err := registry.Register(dispatch.Key{
				Category: category, JobType: jobType, ModelType: modelType,
			}, strat); err != nil {
				return nil, nil, err
			}
		}
	}

	// The poller is built once the full set of remote job types is known, so
	// it sweeps every one of them.
	var poller *remote.Poller
	if len(remoteTypes) > 0 {
		fetcher := remote.NewHTTPResultFetcher(cfg.Provider.Timeout, media.Upload)
		resolver := remote.NewResolver(st, fetcher, retry, cfg.Queue.MaxAttempts, slog.Default())
		poller = remote.NewPoller(st, provider, resolver, remoteTypes, cfg.Worker.PollerInterval, slog.Default())
	}

	return registry, poller, nil
}
