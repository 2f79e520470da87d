package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mediaforge/jobforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// InsertJob creates a pending job row. A second insert with the same
	// idempotency token returns ErrDuplicateKey.
	InsertJob(ctx context.Context, job *models.Job) error
	GetJobByToken(ctx context.Context, jobToken string) (*models.Job, error)
	GetJobByIdempotencyToken(ctx context.Context, idempotencyToken string) (*models.Job, error)
	BatchGetJobs(ctx context.Context, jobTokens []string) ([]*models.Job, error)
	ListJobsForCreator(ctx context.Context, filter CreatorFilter) ([]*models.Job, error)

	// ClaimJobs atomically moves up to filter.Limit claimable jobs to
	// started for this worker. Rows locked by another claimer are skipped,
	// never waited on.
	ClaimJobs(ctx context.Context, filter ClaimFilter) ([]*models.Job, error)

	// ReleaseJob returns a started job to the claimable pool without
	// recording an outcome. Used when no execution strategy is registered
	// for the job's routing key.
	ReleaseJob(ctx context.Context, jobToken string, retryAt time.Time) error

	// Terminal and attempt outcomes are compare-and-set on the current
	// status: a job already in a terminal state is left untouched and the
	// call reports false.
	MarkJobSucceeded(ctx context.Context, jobToken string, result models.ResultEntity) (bool, error)
	MarkJobFailed(ctx context.Context, jobToken string, category models.FailureCategory, reason string, retryAt time.Time, maxAttempts int) (bool, error)
	MarkJobFailedPermanently(ctx context.Context, jobToken string, category models.FailureCategory, reason string) (bool, error)

	SetProviderJobID(ctx context.Context, jobToken string, providerJobID string) error
	GetJobByProviderJobID(ctx context.Context, providerJobID string) (*models.Job, error)
	ListStartedRemoteJobs(ctx context.Context, jobTypes []models.JobType, limit int) ([]*models.Job, error)

	// ListKeepaliveCandidates returns non-terminal keepalive-required jobs
	// older than the cutoff, for the reaper to check against Redis.
	ListKeepaliveCandidates(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error)
	CancelAbandonedJob(ctx context.Context, jobToken string, reason string) (bool, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userToken string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userToken string) error
}

// ClaimFilter describes what one worker is allowed to claim.
type ClaimFilter struct {
	WorkerName string
	Cluster    string

	JobTypes []models.JobType

	// RoutingTag empty means untagged jobs only; non-empty means jobs
	// carrying exactly this tag.
	RoutingTag string

	// DebugWorker workers claim only debug submissions, and production
	// workers never see them.
	DebugWorker bool

	// MinimumPriority > 0 excludes lower-priority jobs entirely.
	MinimumPriority int

	// IgnorePriority orders by age alone so backlogged low-priority jobs
	// eventually run.
	IgnorePriority bool

	Limit int

	// ReclaimWindow sets how far in the future retry_at is pushed on claim;
	// a worker that dies holds its jobs no longer than this.
	ReclaimWindow time.Duration
}

// CreatorFilter selects the jobs one creator submitted, newest first.
type CreatorFilter struct {
	UserToken    string
	VisitorToken string
	Limit        int
}
