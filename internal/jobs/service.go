// Package jobs is the submission and status-reporting core used by the API
// handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mediaforge/jobforge/internal/cache"
	"github.com/mediaforge/jobforge/internal/observability"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/pkg/models"
)

// ErrValidation marks submissions rejected before reaching the queue.
var ErrValidation = errors.New("invalid submission")

// maxBatchStatusSize bounds one batch status read.
const maxBatchStatusSize = 100

// SubmitRequest is one inference submission, already authenticated.
type SubmitRequest struct {
	// IdempotencyToken is caller-supplied; resubmitting the same token
	// returns the original job instead of enqueueing twice.
	IdempotencyToken string

	Category  models.Category
	JobType   models.JobType
	ModelType models.ModelType
	Args      *models.InferenceArgs

	Priority       int
	RoutingTag     string
	IsDebugRequest bool

	// RequiresKeepalive defaults to true; batch-style callers opt out.
	RequiresKeepalive *bool

	Visibility     models.Visibility
	InputReference string

	CreatorUserToken    string
	CreatorVisitorToken string
	CreatorIPAddress    string
}

// Service owns job submission and read-side status projection.
type Service struct {
	store        store.Store
	cache        cache.Cache
	keepaliveTTL time.Duration
	log          *slog.Logger
}

func NewService(st store.Store, c cache.Cache, keepaliveTTL time.Duration, log *slog.Logger) *Service {
	return &Service{store: st, cache: c, keepaliveTTL: keepaliveTTL, log: log}
}

// Submit validates and enqueues one job. The bool reports whether a new row
// was created: false means the idempotency token matched an earlier
// submission, which is returned unchanged.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, bool, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.Submit",
		attribute.String("job_type", string(req.JobType)))
	defer span.End()

	if req.IdempotencyToken == "" {
		return nil, false, fmt.Errorf("%w: idempotency token is required", ErrValidation)
	}
	if req.CreatorUserToken == "" && req.CreatorVisitorToken == "" {
		return nil, false, fmt.Errorf("%w: a creator identity is required", ErrValidation)
	}
	if err := models.ValidateCombo(req.Category, req.JobType, req.ModelType); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Args == nil {
		return nil, false, fmt.Errorf("%w: inference args are required", ErrValidation)
	}
	if req.Args.Category == "" {
		req.Args.Category = req.Category
	}
	if req.Args.Category != req.Category {
		return nil, false, fmt.Errorf("%w: args category %q does not match job category %q",
			ErrValidation, req.Args.Category, req.Category)
	}
	if err := req.Args.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return nil, false, fmt.Errorf("encode inference args: %w", err)
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}
	requiresKeepalive := true
	if req.RequiresKeepalive != nil {
		requiresKeepalive = *req.RequiresKeepalive
	}

	job := &models.Job{
		JobToken:          models.NewJobToken(),
		IdempotencyToken:  req.IdempotencyToken,
		Category:          req.Category,
		JobType:           req.JobType,
		ModelType:         req.ModelType,
		Priority:          req.Priority,
		IsDebugRequest:    req.IsDebugRequest,
		RequiresKeepalive: requiresKeepalive,
		CreatorIPAddress:  req.CreatorIPAddress,
		Visibility:        visibility,
		InferenceArgs:     argsJSON,
	}
	if req.RoutingTag != "" {
		job.RoutingTag = &req.RoutingTag
	}
	if req.InputReference != "" {
		job.InputReference = &req.InputReference
	}
	if req.CreatorUserToken != "" {
		job.CreatorUserToken = &req.CreatorUserToken
	}
	if req.CreatorVisitorToken != "" {
		job.CreatorVisitorToken = &req.CreatorVisitorToken
	}

	err = s.store.InsertJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, getErr := s.store.GetJobByIdempotencyToken(ctx, req.IdempotencyToken)
		if getErr != nil {
			return nil, false, fmt.Errorf("load duplicate submission: %w", getErr)
		}
		s.log.Info("duplicate submission returned existing job",
			"job_token", existing.JobToken,
			"idempotency_token", req.IdempotencyToken)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.log.Info("job enqueued",
		"job_token", job.JobToken,
		"category", job.Category,
		"job_type", job.JobType,
		"priority", job.Priority,
		"debug", job.IsDebugRequest)
	return job, true, nil
}

// Status returns the read-only projection for one job. Polling doubles as
// the keepalive signal: each call refreshes the job's liveness marker.
func (s *Service) Status(ctx context.Context, jobToken string) (*models.JobStatusView, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.Status")
	defer span.End()

	job, err := s.store.GetJobByToken(ctx, jobToken)
	if err != nil {
		return nil, err
	}
	s.touchKeepalive(ctx, job)
	return s.buildView(ctx, job), nil
}

// BatchStatus resolves up to maxBatchStatusSize jobs in one call. Unknown
// tokens are skipped, not errors.
func (s *Service) BatchStatus(ctx context.Context, jobTokens []string) ([]*models.JobStatusView, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.BatchStatus",
		attribute.Int("batch_size", len(jobTokens)))
	defer span.End()

	if len(jobTokens) == 0 {
		return nil, fmt.Errorf("%w: no job tokens given", ErrValidation)
	}
	if len(jobTokens) > maxBatchStatusSize {
		return nil, fmt.Errorf("%w: at most %d job tokens per batch", ErrValidation, maxBatchStatusSize)
	}

	found, err := s.store.BatchGetJobs(ctx, jobTokens)
	if err != nil {
		return nil, err
	}

	views := make([]*models.JobStatusView, 0, len(found))
	for _, job := range found {
		s.touchKeepalive(ctx, job)
		views = append(views, s.buildView(ctx, job))
	}
	return views, nil
}

// ListForCreator returns the creator's recent jobs, newest first.
func (s *Service) ListForCreator(ctx context.Context, filter store.CreatorFilter) ([]*models.JobStatusView, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.ListForCreator")
	defer span.End()

	jobs, err := s.store.ListJobsForCreator(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*models.JobStatusView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.buildView(ctx, job))
	}
	return views, nil
}

// touchKeepalive is best effort: a Redis hiccup must not fail a status read.
func (s *Service) touchKeepalive(ctx context.Context, job *models.Job) {
	if !job.RequiresKeepalive || job.Status.IsTerminal() {
		return
	}
	if err := s.cache.TouchKeepalive(ctx, job.JobToken, s.keepaliveTTL); err != nil {
		s.log.Warn("refresh keepalive marker", "job_token", job.JobToken, "error", err)
	}
}

func (s *Service) buildView(ctx context.Context, job *models.Job) *models.JobStatusView {
	view := &models.JobStatusView{
		JobToken:          job.JobToken,
		Category:          job.Category,
		JobType:           job.JobType,
		ModelType:         job.ModelType,
		Status:            job.Status,
		AttemptCount:      job.AttemptCount,
		FailureCategory:   job.FailureCategory,
		AssignedWorker:    job.AssignedWorker,
		AssignedCluster:   job.AssignedCluster,
		RequiresKeepalive: job.RequiresKeepalive,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		FirstStartedAt:    job.FirstStartedAt,
		CompletedAt:       job.CompletedAt,
	}

	if job.Status == models.JobStatusCompleteSuccess && job.ResultEntityType != nil && job.ResultEntityToken != nil {
		view.Result = &models.ResultEntity{
			EntityType:  *job.ResultEntityType,
			EntityToken: *job.ResultEntityToken,
		}
		view.ProgressPercentage = 100
	}

	if !job.Status.IsTerminal() {
		progress, found, err := s.cache.GetProgress(ctx, job.JobToken)
		if err != nil {
			s.log.Warn("read progress", "job_token", job.JobToken, "error", err)
		} else if found {
			view.ProgressPercentage = progress.Percentage
			if progress.ExtraStatus != "" {
				extra := progress.ExtraStatus
				view.ExtraStatus = &extra
			}
		}
	}
	return view
}
