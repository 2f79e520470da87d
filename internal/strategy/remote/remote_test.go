package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/jobforge/internal/queue"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/internal/strategy/remote"
	"github.com/mediaforge/jobforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// claimedImageJob inserts and claims a sora_image job so it is in the state
// the worker hands to the strategy.
func claimedImageJob(t *testing.T, st store.Store) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		JobToken:         models.NewJobToken(),
		IdempotencyToken: uuid.NewString(),
		Category:         models.CategoryImageGeneration,
		JobType:          models.JobTypeSoraImage,
		ModelType:        models.ModelTypeBundled,
		CreatorIPAddress: "203.0.113.7",
		Visibility:       models.VisibilityPrivate,
		InferenceArgs:    []byte(`{"category":"image_generation","image_generation":{"prompt":"a lighthouse"}}`),
	}
	require.NoError(t, st.InsertJob(ctx, job))

	claimed, err := st.ClaimJobs(ctx, store.ClaimFilter{
		WorkerName:    "remote-worker",
		Cluster:       "test",
		JobTypes:      []models.JobType{models.JobTypeSoraImage},
		Limit:         1,
		ReclaimWindow: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestStrategyExecute_HandsOffAndRecordsProviderID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/generations", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req remote.CreateGenerationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a lighthouse", req.Prompt)
		assert.NotEmpty(t, req.ClientReference)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(remote.Generation{ID: "gen-1", State: remote.StateQueued})
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	s := remote.New("sora-image", remote.NewHTTPProvider(srv.URL, "secret", time.Second), st, testLogger())
	outcome, err := s.Execute(context.Background(), job)
	assert.Nil(t, outcome)
	require.ErrorIs(t, err, strategy.ErrAsyncPending)

	got, err := st.GetJobByProviderJobID(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, job.JobToken, got.JobToken)
	assert.Equal(t, models.JobStatusStarted, got.Status)
}

func TestStrategyExecute_RejectedInputIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"prompt violates content policy"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	s := remote.New("sora-image", remote.NewHTTPProvider(srv.URL, "secret", time.Second), st, testLogger())
	_, err := s.Execute(context.Background(), job)
	require.Error(t, err)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryBadInput, category)
	assert.True(t, permanent)
}

func TestStrategyExecute_ThrottleIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	s := remote.New("sora-image", remote.NewHTTPProvider(srv.URL, "secret", time.Second), st, testLogger())
	_, err := s.Execute(context.Background(), job)
	require.Error(t, err)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryProviderError, category)
	assert.False(t, permanent)
}

// fakeFetcher satisfies ResultFetcher without network traffic.
type fakeFetcher struct {
	token string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.token, f.err
}

func newResolver(st store.Store, fetcher remote.ResultFetcher) *remote.Resolver {
	return remote.NewResolver(st, fetcher, queue.NewBackoff(time.Second, time.Minute), 3, testLogger())
}

func TestResolver_Success(t *testing.T) {
	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)
	require.NoError(t, st.SetProviderJobID(context.Background(), job.JobToken, "gen-1"))

	fetcher := &fakeFetcher{token: "m_result"}
	r := newResolver(st, fetcher)
	gen := &remote.Generation{ID: "gen-1", State: remote.StateSucceeded, ResultURL: "http://provider/results/gen-1"}
	require.NoError(t, r.Resolve(context.Background(), job, gen))

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteSuccess, got.Status)
	assert.Equal(t, "m_result", *got.ResultEntityToken)

	// The poller reporting the same outcome later changes nothing, and the
	// artifact is not downloaded a second time.
	require.NoError(t, r.Resolve(context.Background(), got, gen))
	again, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, "m_result", *again.ResultEntityToken)
	assert.Equal(t, 1, fetcher.calls)
}

func TestResolver_InFlightStatesAreIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	r := newResolver(st, &fakeFetcher{token: "m_result"})
	require.NoError(t, r.Resolve(context.Background(), job, &remote.Generation{State: remote.StateProcessing}))

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarted, got.Status)
}

func TestResolver_RejectedInputFailsPermanently(t *testing.T) {
	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	r := newResolver(st, &fakeFetcher{})
	gen := &remote.Generation{State: remote.StateFailed, FailureMessage: "unsafe prompt", InputRejected: true}
	require.NoError(t, r.Resolve(context.Background(), job, gen))

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteFailure, got.Status)
	assert.Equal(t, models.FailureCategoryBadInput, *got.FailureCategory)
}

func TestResolver_ProviderFailureRetries(t *testing.T) {
	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	r := newResolver(st, &fakeFetcher{})
	gen := &remote.Generation{State: remote.StateFailed, FailureMessage: "gpu node lost"}
	require.NoError(t, r.Resolve(context.Background(), job, gen))

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAttemptFailed, got.Status)
	assert.Equal(t, models.FailureCategoryProviderError, *got.FailureCategory)
	assert.NotNil(t, got.RetryAt)
}

func TestResolver_FetchErrorLeavesJobStarted(t *testing.T) {
	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)

	r := newResolver(st, &fakeFetcher{err: errors.New("download failed")})
	gen := &remote.Generation{State: remote.StateSucceeded, ResultURL: "http://provider/results/gen-1"}
	require.Error(t, r.Resolve(context.Background(), job, gen))

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarted, got.Status)
}

func TestPoller_SweepResolvesFinishedJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generations/gen-1", r.URL.Path)
		json.NewEncoder(w).Encode(remote.Generation{ID: "gen-1", State: remote.StateSucceeded, ResultURL: "http://provider/results/gen-1"})
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)
	require.NoError(t, st.SetProviderJobID(context.Background(), job.JobToken, "gen-1"))

	provider := remote.NewHTTPProvider(srv.URL, "secret", time.Second)
	fetcher := &fakeFetcher{token: "m_result"}
	p := remote.NewPoller(st, provider, newResolver(st, fetcher),
		[]models.JobType{models.JobTypeSoraImage}, time.Minute, testLogger())

	p.Sweep(context.Background())

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteSuccess, got.Status)
	assert.Equal(t, 1, fetcher.calls)
}

func TestPoller_LostGenerationFailsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	job := claimedImageJob(t, st)
	require.NoError(t, st.SetProviderJobID(context.Background(), job.JobToken, "gen-1"))

	provider := remote.NewHTTPProvider(srv.URL, "secret", time.Second)
	p := remote.NewPoller(st, provider, newResolver(st, &fakeFetcher{}),
		[]models.JobType{models.JobTypeSoraImage}, time.Minute, testLogger())

	p.Sweep(context.Background())

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAttemptFailed, got.Status)
	assert.Equal(t, models.FailureCategoryProviderError, *got.FailureCategory)
}

func TestPoller_ThrottleStopsSweep(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		job := claimedImageJob(t, st)
		require.NoError(t, st.SetProviderJobID(ctx, job.JobToken, "gen-"+job.JobToken))
	}

	provider := remote.NewHTTPProvider(srv.URL, "secret", time.Second)
	p := remote.NewPoller(st, provider, newResolver(st, &fakeFetcher{}),
		[]models.JobType{models.JobTypeSoraImage}, time.Minute, testLogger())

	p.Sweep(ctx)

	// One 429 aborts the sweep instead of hammering the provider.
	assert.Equal(t, 1, calls)

	jobs, err := st.ListStartedRemoteJobs(ctx, []models.JobType{models.JobTypeSoraImage}, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
