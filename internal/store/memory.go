package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mediaforge/jobforge/pkg/models"
)

// MemoryStore is an in-memory Store with the same claiming and
// compare-and-set semantics as PostgresStore. It backs unit tests and local
// development without a database; it is not meant for production.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job // by job token
	keys map[uuid.UUID]*models.APIKey
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (s *MemoryStore) InsertJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.IdempotencyToken == job.IdempotencyToken || existing.JobToken == job.JobToken {
			return ErrDuplicateKey
		}
	}

	s.seq++
	job.ID = s.seq
	job.Status = models.JobStatusPending
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.JobToken] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJobByToken(_ context.Context, jobToken string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) GetJobByIdempotencyToken(_ context.Context, idempotencyToken string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IdempotencyToken == idempotencyToken {
			return copyJob(j), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) BatchGetJobs(_ context.Context, jobTokens []string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, token := range jobTokens {
		if j, ok := s.jobs[token]; ok {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListJobsForCreator(_ context.Context, filter CreatorFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		userMatch := filter.UserToken != "" && j.CreatorUserToken != nil && *j.CreatorUserToken == filter.UserToken
		visitorMatch := filter.VisitorToken != "" && j.CreatorVisitorToken != nil && *j.CreatorVisitorToken == filter.VisitorToken
		if userMatch || visitorMatch {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimJobs(_ context.Context, filter ClaimFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}

	typeAllowed := func(jt models.JobType) bool {
		for _, allowed := range filter.JobTypes {
			if jt == allowed {
				return true
			}
		}
		return false
	}

	now := time.Now()
	var candidates []*models.Job
	for _, j := range s.jobs {
		if !j.Status.IsClaimable() {
			continue
		}
		if j.RetryAt != nil && j.RetryAt.After(now) {
			continue
		}
		if !typeAllowed(j.JobType) {
			continue
		}
		if j.IsDebugRequest != filter.DebugWorker {
			continue
		}
		if filter.RoutingTag != "" {
			if j.RoutingTag == nil || *j.RoutingTag != filter.RoutingTag {
				continue
			}
		} else if j.RoutingTag != nil {
			continue
		}
		if filter.MinimumPriority > 0 && j.Priority < filter.MinimumPriority {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if !filter.IgnorePriority && a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var claimed []*models.Job
	for _, j := range candidates {
		j.Status = models.JobStatusStarted
		j.AttemptCount++
		worker, cluster := filter.WorkerName, filter.Cluster
		j.AssignedWorker = &worker
		j.AssignedCluster = &cluster
		retryAt := now.Add(filter.ReclaimWindow)
		j.RetryAt = &retryAt
		if j.FirstStartedAt == nil {
			started := now
			j.FirstStartedAt = &started
		}
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

func (s *MemoryStore) ReleaseJob(_ context.Context, jobToken string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok || j.Status != models.JobStatusStarted {
		return ErrNotFound
	}
	j.Status = models.JobStatusPending
	j.AssignedWorker = nil
	j.AssignedCluster = nil
	j.RetryAt = &retryAt
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkJobSucceeded(_ context.Context, jobToken string, result models.ResultEntity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusStarted {
		return false, nil
	}
	now := time.Now()
	j.Status = models.JobStatusCompleteSuccess
	j.ResultEntityType = &result.EntityType
	j.ResultEntityToken = &result.EntityToken
	j.FailureCategory = nil
	j.FailureReason = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkJobFailed(_ context.Context, jobToken string, category models.FailureCategory, reason string, retryAt time.Time, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusStarted {
		return false, nil
	}
	now := time.Now()
	j.FailureCategory = &category
	j.FailureReason = &reason
	if j.AttemptCount >= maxAttempts {
		j.Status = models.JobStatusDead
		j.RetryAt = nil
		j.CompletedAt = &now
	} else {
		j.Status = models.JobStatusAttemptFailed
		j.RetryAt = &retryAt
		j.CompletedAt = nil
	}
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkJobFailedPermanently(_ context.Context, jobToken string, category models.FailureCategory, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != models.JobStatusStarted {
		return false, nil
	}
	now := time.Now()
	j.Status = models.JobStatusCompleteFailure
	j.FailureCategory = &category
	j.FailureReason = &reason
	j.RetryAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) SetProviderJobID(_ context.Context, jobToken string, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok {
		return ErrNotFound
	}
	j.ProviderJobID = &providerJobID
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetJobByProviderJobID(_ context.Context, providerJobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ProviderJobID != nil && *j.ProviderJobID == providerJobID {
			return copyJob(j), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListStartedRemoteJobs(_ context.Context, jobTypes []models.JobType, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusStarted || j.ProviderJobID == nil {
			continue
		}
		for _, jt := range jobTypes {
			if j.JobType == jt {
				out = append(out, copyJob(j))
				break
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListKeepaliveCandidates(_ context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if j.RequiresKeepalive && !j.Status.IsTerminal() && j.CreatedAt.Before(olderThan) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CancelAbandonedJob(_ context.Context, jobToken string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobToken]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	category := models.FailureCategoryKeepaliveAbandoned
	j.Status = models.JobStatusCompleteFailure
	j.FailureCategory = &category
	j.FailureReason = &reason
	j.RetryAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, userToken string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.UserToken == userToken && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, userToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserToken != userToken || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	k.DeletedAt = &now
	return nil
}
