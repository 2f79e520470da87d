package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mediaforge/jobforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, job_token, idempotency_token, category, job_type, model_type,
	status, attempt_count, priority,
	assigned_worker, assigned_cluster, routing_tag, is_debug_request, requires_keepalive, retry_at,
	creator_user_token, creator_visitor_token, creator_ip_address, visibility,
	input_reference, inference_args, provider_job_id,
	result_entity_type, result_entity_token, failure_category, failure_reason,
	created_at, updated_at, first_started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.JobToken, &j.IdempotencyToken, &j.Category, &j.JobType, &j.ModelType,
		&j.Status, &j.AttemptCount, &j.Priority,
		&j.AssignedWorker, &j.AssignedCluster, &j.RoutingTag, &j.IsDebugRequest, &j.RequiresKeepalive, &j.RetryAt,
		&j.CreatorUserToken, &j.CreatorVisitorToken, &j.CreatorIPAddress, &j.Visibility,
		&j.InputReference, &j.InferenceArgs, &j.ProviderJobID,
		&j.ResultEntityType, &j.ResultEntityToken, &j.FailureCategory, &j.FailureReason,
		&j.CreatedAt, &j.UpdatedAt, &j.FirstStartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Jobs: submission and lookup ---

func (s *PostgresStore) InsertJob(ctx context.Context, job *models.Job) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO inference_jobs (
			job_token, idempotency_token, category, job_type, model_type,
			status, priority, routing_tag, is_debug_request, requires_keepalive,
			creator_user_token, creator_visitor_token, creator_ip_address, visibility,
			input_reference, inference_args
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`,
		job.JobToken, job.IdempotencyToken, job.Category, job.JobType, job.ModelType,
		models.JobStatusPending, job.Priority, job.RoutingTag, job.IsDebugRequest, job.RequiresKeepalive,
		job.CreatorUserToken, job.CreatorVisitorToken, job.CreatorIPAddress, job.Visibility,
		job.InputReference, job.InferenceArgs,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = models.JobStatusPending
	return nil
}

func (s *PostgresStore) GetJobByToken(ctx context.Context, jobToken string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs WHERE job_token = $1`, jobToken)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by token: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByIdempotencyToken(ctx context.Context, idempotencyToken string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs WHERE idempotency_token = $1`, idempotencyToken)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency token: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) BatchGetJobs(ctx context.Context, jobTokens []string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs WHERE job_token = ANY($1)`, jobTokens)
	if err != nil {
		return nil, fmt.Errorf("batch get jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsForCreator(ctx context.Context, filter CreatorFilter) ([]*models.Job, error) {
	conditions := []string{}
	args := []any{}
	argPos := 1

	if filter.UserToken != "" {
		conditions = append(conditions, fmt.Sprintf("creator_user_token = $%d", argPos))
		args = append(args, filter.UserToken)
		argPos++
	}
	if filter.VisitorToken != "" {
		conditions = append(conditions, fmt.Sprintf("creator_visitor_token = $%d", argPos))
		args = append(args, filter.VisitorToken)
		argPos++
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("list jobs for creator: no creator identity given")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM inference_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		jobColumns, strings.Join(conditions, " OR "), argPos)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs for creator: %w", err)
	}
	return collectJobs(rows)
}

// --- Jobs: claiming ---

// ClaimJobs locks up to filter.Limit claimable rows with FOR UPDATE SKIP
// LOCKED and moves them to started in the same transaction. Each claim
// increments attempt_count and pushes retry_at out by the reclaim window, so
// a worker that dies without reporting gives its jobs back automatically.
func (s *PostgresStore) ClaimJobs(ctx context.Context, filter ClaimFilter) ([]*models.Job, error) {
	if len(filter.JobTypes) == 0 {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}

	jobTypes := make([]string, len(filter.JobTypes))
	for i, jt := range filter.JobTypes {
		jobTypes[i] = string(jt)
	}

	conditions := []string{
		`status IN ('pending', 'attempt_failed')`,
		`(retry_at IS NULL OR retry_at <= NOW())`,
	}
	args := []any{}
	argPos := 1

	conditions = append(conditions, fmt.Sprintf("job_type = ANY($%d)", argPos))
	args = append(args, jobTypes)
	argPos++

	conditions = append(conditions, fmt.Sprintf("is_debug_request = $%d", argPos))
	args = append(args, filter.DebugWorker)
	argPos++

	if filter.RoutingTag != "" {
		conditions = append(conditions, fmt.Sprintf("routing_tag = $%d", argPos))
		args = append(args, filter.RoutingTag)
		argPos++
	} else {
		conditions = append(conditions, "routing_tag IS NULL")
	}

	if filter.MinimumPriority > 0 {
		conditions = append(conditions, fmt.Sprintf("priority >= $%d", argPos))
		args = append(args, filter.MinimumPriority)
		argPos++
	}

	orderBy := "priority DESC, created_at"
	if filter.IgnorePriority {
		orderBy = "created_at"
	}

	args = append(args, limit)
	selectQuery := fmt.Sprintf(
		`SELECT id FROM inference_jobs WHERE %s ORDER BY %s LIMIT $%d FOR UPDATE SKIP LOCKED`,
		strings.Join(conditions, " AND "), orderBy, argPos)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed, err := tx.Query(ctx,
		`UPDATE inference_jobs SET
			status = 'started',
			attempt_count = attempt_count + 1,
			assigned_worker = $2,
			assigned_cluster = $3,
			retry_at = NOW() + make_interval(secs => $4),
			first_started_at = COALESCE(first_started_at, NOW()),
			updated_at = NOW()
		WHERE id = ANY($1)
		RETURNING `+jobColumns,
		ids, filter.WorkerName, filter.Cluster, filter.ReclaimWindow.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := collectJobs(claimed)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, jobToken string, retryAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET
			status = 'pending',
			assigned_worker = NULL,
			assigned_cluster = NULL,
			retry_at = $2,
			updated_at = NOW()
		WHERE job_token = $1 AND status = 'started'`,
		jobToken, retryAt)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs: outcomes ---

// MarkJobSucceeded is a compare-and-set: only a job a worker currently owns
// (status started) can complete. Duplicate terminal reports (webhook racing
// the poller) and stale reports against a released or retried job match zero
// rows and report false.
func (s *PostgresStore) MarkJobSucceeded(ctx context.Context, jobToken string, result models.ResultEntity) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET
			status = 'complete_success',
			result_entity_type = $2,
			result_entity_token = $3,
			failure_category = NULL,
			failure_reason = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_token = $1 AND status = 'started'`,
		jobToken, result.EntityType, result.EntityToken)
	if err != nil {
		return false, fmt.Errorf("mark job succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.checkJobExists(ctx, jobToken)
	}
	return true, nil
}

// MarkJobFailed records a failed attempt. If attempts are exhausted the job
// goes dead, otherwise it returns to the claimable pool at retryAt.
func (s *PostgresStore) MarkJobFailed(ctx context.Context, jobToken string, category models.FailureCategory, reason string, retryAt time.Time, maxAttempts int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET
			status = CASE WHEN attempt_count >= $5 THEN 'dead' ELSE 'attempt_failed' END,
			failure_category = $2,
			failure_reason = $3,
			retry_at = CASE WHEN attempt_count >= $5 THEN NULL ELSE $4 END,
			completed_at = CASE WHEN attempt_count >= $5 THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE job_token = $1 AND status = 'started'`,
		jobToken, category, reason, retryAt, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.checkJobExists(ctx, jobToken)
	}
	return true, nil
}

// MarkJobFailedPermanently moves a started job straight to complete_failure
// with no further retries, regardless of remaining attempts. Used for
// failures that re-running cannot fix, like rejected input. Same ownership
// guard as MarkJobSucceeded.
func (s *PostgresStore) MarkJobFailedPermanently(ctx context.Context, jobToken string, category models.FailureCategory, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET
			status = 'complete_failure',
			failure_category = $2,
			failure_reason = $3,
			retry_at = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_token = $1 AND status = 'started'`,
		jobToken, category, reason)
	if err != nil {
		return false, fmt.Errorf("mark job failed permanently: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.checkJobExists(ctx, jobToken)
	}
	return true, nil
}

func (s *PostgresStore) checkJobExists(ctx context.Context, jobToken string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM inference_jobs WHERE job_token = $1)`, jobToken).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Jobs: remote provider tracking ---

func (s *PostgresStore) SetProviderJobID(ctx context.Context, jobToken string, providerJobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET provider_job_id = $2, updated_at = NOW() WHERE job_token = $1`,
		jobToken, providerJobID)
	if err != nil {
		return fmt.Errorf("set provider job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJobByProviderJobID(ctx context.Context, providerJobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs WHERE provider_job_id = $1`, providerJobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by provider job id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListStartedRemoteJobs(ctx context.Context, jobTypes []models.JobType, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	types := make([]string, len(jobTypes))
	for i, jt := range jobTypes {
		types[i] = string(jt)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs
		WHERE status = 'started' AND provider_job_id IS NOT NULL AND job_type = ANY($1)
		ORDER BY updated_at
		LIMIT $2`,
		types, limit)
	if err != nil {
		return nil, fmt.Errorf("list started remote jobs: %w", err)
	}
	return collectJobs(rows)
}

// --- Jobs: keepalive ---

func (s *PostgresStore) ListKeepaliveCandidates(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM inference_jobs
		WHERE requires_keepalive
		  AND status IN ('pending', 'started', 'attempt_failed')
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list keepalive candidates: %w", err)
	}
	return collectJobs(rows)
}

// CancelAbandonedJob moves a non-terminal job to complete_failure because no
// client is waiting on it anymore. Not dead: dead means the attempt budget
// was exhausted, and an abandoned job may never have been claimed at all.
// Reports false if the job finished in the meantime.
func (s *PostgresStore) CancelAbandonedJob(ctx context.Context, jobToken string, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inference_jobs SET
			status = 'complete_failure',
			failure_category = $2,
			failure_reason = $3,
			retry_at = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_token = $1 AND status IN ('pending', 'started', 'attempt_failed')`,
		jobToken, models.FailureCategoryKeepaliveAbandoned, reason)
	if err != nil {
		return false, fmt.Errorf("cancel abandoned job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_token, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserToken, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_token, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserToken, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userToken string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_token, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_token = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userToken)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserToken, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userToken string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_token = $2 AND deleted_at IS NULL`, id, userToken)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
