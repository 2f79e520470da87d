// Package queue contains the worker side of the job table: claiming, retry
// policy, and the keepalive reaper.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mediaforge/jobforge/internal/dispatch"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/pkg/models"
)

// RunnerConfig is the claim-and-execute policy for one runner loop.
type RunnerConfig struct {
	WorkerName string
	Cluster    string

	JobTypes        []models.JobType
	RoutingTag      string
	DebugWorker     bool
	MinimumPriority int

	BatchSize    int
	PollInterval time.Duration

	// StarvationEveryNth makes every Nth claim ignore priority ordering so
	// a flood of high-priority work cannot starve the backlog. Zero
	// disables the guard.
	StarvationEveryNth int

	ReclaimWindow time.Duration
	MaxAttempts   int

	// ReleaseDelay is how long a job released on a registry miss stays out
	// of the claimable pool, giving a correctly configured worker a window
	// to pick it up first.
	ReleaseDelay time.Duration
}

// Runner claims jobs, dispatches them to strategies, and reports outcomes.
// One Runner processes its batch sequentially; run several for parallelism.
type Runner struct {
	cfg      RunnerConfig
	store    store.Store
	registry *dispatch.Registry
	retry    Backoff
	log      *slog.Logger

	claims              int
	consecutiveFailures int
	errorStreak         int
}

func NewRunner(cfg RunnerConfig, st store.Store, registry *dispatch.Registry, retry Backoff, log *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 30 * time.Second
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		registry: registry,
		retry:    retry,
		log:      log.With("worker", cfg.WorkerName),
	}
}

// Run claims and executes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started",
		"job_types", r.cfg.JobTypes,
		"batch_size", r.cfg.BatchSize,
		"debug_worker", r.cfg.DebugWorker)

	for {
		if ctx.Err() != nil {
			r.log.Info("runner stopped")
			return nil
		}

		n, err := r.Tick(ctx)
		switch {
		case err != nil:
			r.errorStreak++
			delay := r.cfg.PollInterval + time.Duration(r.errorStreak)*time.Second
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
			r.log.Error("claim cycle failed", "error", err, "streak", r.errorStreak, "delay", delay)
			sleep(ctx, delay)
		case n == 0:
			r.errorStreak = 0
			sleep(ctx, r.cfg.PollInterval)
		default:
			r.errorStreak = 0
		}

		if delay := slowdownDelay(r.consecutiveFailures); delay > 0 {
			r.log.Warn("throttling after consecutive failures",
				"failures", r.consecutiveFailures, "delay", delay)
			sleep(ctx, delay)
		}
	}
}

// Tick runs one claim cycle and returns how many jobs were claimed.
// Exported for tests.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	r.claims++

	filter := store.ClaimFilter{
		WorkerName:      r.cfg.WorkerName,
		Cluster:         r.cfg.Cluster,
		JobTypes:        r.cfg.JobTypes,
		RoutingTag:      r.cfg.RoutingTag,
		DebugWorker:     r.cfg.DebugWorker,
		MinimumPriority: r.cfg.MinimumPriority,
		Limit:           r.cfg.BatchSize,
		ReclaimWindow:   r.cfg.ReclaimWindow,
		IgnorePriority:  r.cfg.StarvationEveryNth > 0 && r.claims%r.cfg.StarvationEveryNth == 0,
	}

	jobs, err := r.store.ClaimJobs(ctx, filter)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		r.process(ctx, job)
	}
	return len(jobs), nil
}

func (r *Runner) process(ctx context.Context, job *models.Job) {
	log := r.log.With("job_token", job.JobToken, "job_type", job.JobType, "attempt", job.AttemptCount)

	strat, ok := r.registry.Lookup(job)
	if !ok {
		// A job this worker's registry cannot execute was claimed because
		// the claim filter is coarser than the registry. Give it back.
		log.Warn("no strategy registered for claimed job, releasing",
			"category", job.Category, "model_type", job.ModelType)
		if err := r.store.ReleaseJob(ctx, job.JobToken, time.Now().Add(r.cfg.ReleaseDelay)); err != nil {
			log.Error("release job", "error", err)
		}
		return
	}

	outcome, err := strat.Execute(ctx, job)
	switch {
	case err == nil:
		updated, markErr := r.store.MarkJobSucceeded(ctx, job.JobToken, outcome.Result)
		if markErr != nil {
			log.Error("mark job succeeded", "error", markErr)
			return
		}
		if !updated {
			log.Warn("job finished elsewhere before success report")
		}
		r.consecutiveFailures = 0
		log.Info("job succeeded",
			"strategy", strat.Name(),
			"result_entity_token", outcome.Result.EntityToken)

	case errors.Is(err, strategy.ErrAsyncPending):
		// The provider owns the job now; webhook or poller finishes it.
		r.consecutiveFailures = 0

	default:
		r.consecutiveFailures++
		category, permanent := strategy.Classify(err)
		log.Warn("job attempt failed",
			"strategy", strat.Name(),
			"failure_category", category,
			"permanent", permanent,
			"error", err)

		var markErr error
		if permanent {
			_, markErr = r.store.MarkJobFailedPermanently(ctx, job.JobToken, category, err.Error())
		} else {
			retryAt := r.retry.RetryAt(time.Now(), job.AttemptCount)
			_, markErr = r.store.MarkJobFailed(ctx, job.JobToken, category, err.Error(), retryAt, r.cfg.MaxAttempts)
		}
		if markErr != nil {
			log.Error("record job failure", "error", markErr)
		}
	}
}

// slowdownDelay maps a run of consecutive failures to an extra pause. A
// worker whose every job fails is usually broken (bad mount, dead GPU) and
// reclaiming the whole queue at full speed only burns attempts.
func slowdownDelay(failures int) time.Duration {
	switch {
	case failures < 5:
		return 0
	case failures < 10:
		return 5 * time.Second
	case failures < 20:
		return 10 * time.Second
	case failures < 50:
		return 30 * time.Second
	case failures < 100:
		return time.Minute
	default:
		return 2 * time.Minute
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
