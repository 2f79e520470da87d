package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/mediaforge/jobforge/internal/cache"
	"github.com/mediaforge/jobforge/internal/store"
)

const keepaliveBatchSize = 100

// Reaper cancels keepalive-required jobs nobody is polling for. Status polls
// refresh a Redis marker; once a job is older than the grace window and its
// marker has expired, the client is gone and the work is wasted.
type Reaper struct {
	store    store.Store
	cache    cache.Cache
	grace    time.Duration
	interval time.Duration
	log      *slog.Logger
}

func NewReaper(st store.Store, c cache.Cache, grace, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{store: st, cache: c, grace: grace, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("keepalive reaper started", "grace", r.grace, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("keepalive reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep cancels every abandoned candidate once. Exported for tests.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.grace)
	candidates, err := r.store.ListKeepaliveCandidates(ctx, cutoff, keepaliveBatchSize)
	if err != nil {
		r.log.Error("list keepalive candidates", "error", err)
		return
	}

	for _, job := range candidates {
		if ctx.Err() != nil {
			return
		}

		active, err := r.cache.KeepaliveActive(ctx, job.JobToken)
		if err != nil {
			// Redis trouble must not kill live jobs.
			r.log.Error("check keepalive marker", "job_token", job.JobToken, "error", err)
			continue
		}
		if active {
			continue
		}

		cancelled, err := r.store.CancelAbandonedJob(ctx, job.JobToken, "no status poll within keepalive window")
		if err != nil {
			r.log.Error("cancel abandoned job", "job_token", job.JobToken, "error", err)
			continue
		}
		if cancelled {
			r.log.Info("cancelled abandoned job",
				"job_token", job.JobToken,
				"job_type", job.JobType,
				"status_was", job.Status)
		}
	}
}
