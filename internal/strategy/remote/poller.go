package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mediaforge/jobforge/internal/queue"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/pkg/models"
)

const pollBatchSize = 50

// Poller is the fallback for lost webhooks: it periodically asks the
// provider about every started remote job and resolves the ones that
// finished. Throttling responses back the whole sweep off with a bounded
// exponential delay.
type Poller struct {
	store    store.Store
	provider Provider
	resolver *Resolver
	jobTypes []models.JobType
	interval time.Duration
	throttle queue.Backoff
	log      *slog.Logger

	throttleStreak int
}

func NewPoller(st store.Store, provider Provider, resolver *Resolver, jobTypes []models.JobType, interval time.Duration, log *slog.Logger) *Poller {
	return &Poller{
		store:    st,
		provider: provider,
		resolver: resolver,
		jobTypes: jobTypes,
		interval: interval,
		throttle: queue.NewBackoff(time.Second, time.Minute),
		log:      log,
	}
}

// JobTypes reports the job types this poller sweeps.
func (p *Poller) JobTypes() []models.JobType {
	return p.jobTypes
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("provider poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("provider poller stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep checks every started remote job once. Exported for tests.
func (p *Poller) Sweep(ctx context.Context) {
	jobs, err := p.store.ListStartedRemoteJobs(ctx, p.jobTypes, pollBatchSize)
	if err != nil {
		p.log.Error("list started remote jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}

		gen, err := p.provider.GetGeneration(ctx, *job.ProviderJobID)
		if errors.Is(err, ErrProviderThrottled) {
			p.throttleStreak++
			delay := p.throttle.Delay(p.throttleStreak)
			p.log.Warn("provider throttled poll sweep",
				"streak", p.throttleStreak,
				"delay", delay)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			return
		}
		if errors.Is(err, ErrGenerationNotFound) {
			// The provider lost or expired the generation; the attempt
			// cannot finish.
			retryAt := p.resolver.retry.RetryAt(time.Now(), job.AttemptCount)
			if _, err := p.store.MarkJobFailed(ctx, job.JobToken,
				models.FailureCategoryProviderError, "provider no longer knows the generation",
				retryAt, p.resolver.maxAttempts); err != nil {
				p.log.Error("mark lost generation failed", "job_token", job.JobToken, "error", err)
			}
			continue
		}
		if err != nil {
			p.log.Error("poll generation", "job_token", job.JobToken, "error", err)
			continue
		}
		p.throttleStreak = 0

		if err := p.resolver.Resolve(ctx, job, gen); err != nil {
			p.log.Error("resolve generation", "job_token", job.JobToken, "error", err)
		}
	}
}
