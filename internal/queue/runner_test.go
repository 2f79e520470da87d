package queue_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/jobforge/internal/dispatch"
	"github.com/mediaforge/jobforge/internal/queue"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/internal/strategy/mock"
	"github.com/mediaforge/jobforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func ttsRegistry(s strategy.Strategy) *dispatch.Registry {
	r := dispatch.NewRegistry()
	r.MustRegister(dispatch.Key{
		Category:  models.CategoryTextToSpeech,
		JobType:   models.JobTypeTacotron2,
		ModelType: models.ModelTypeUserWeights,
	}, s)
	return r
}

func newRunner(st store.Store, registry *dispatch.Registry) *queue.Runner {
	return queue.NewRunner(queue.RunnerConfig{
		WorkerName:    "test-worker",
		Cluster:       "test",
		JobTypes:      []models.JobType{models.JobTypeTacotron2},
		BatchSize:     5,
		PollInterval:  time.Millisecond,
		ReclaimWindow: time.Minute,
		MaxAttempts:   3,
		ReleaseDelay:  time.Millisecond,
	}, st, registry, queue.NewBackoff(time.Millisecond, time.Second), testLogger())
}

func insertTTSJob(t *testing.T, st store.Store) *models.Job {
	t.Helper()
	job := &models.Job{
		JobToken:         models.NewJobToken(),
		IdempotencyToken: uuid.NewString(),
		Category:         models.CategoryTextToSpeech,
		JobType:          models.JobTypeTacotron2,
		ModelType:        models.ModelTypeUserWeights,
		RequiresKeepalive: true,
		CreatorIPAddress: "203.0.113.7",
		Visibility:       models.VisibilityPrivate,
		InferenceArgs:    []byte(`{"category":"text_to_speech","tts":{"text":"hello"}}`),
	}
	require.NoError(t, st.InsertJob(context.Background(), job))
	return job
}

func TestTick_SuccessfulJob(t *testing.T) {
	st := store.NewMemoryStore()
	job := insertTTSJob(t, st)

	s := mock.NewSucceeding("tts-local")
	r := newRunner(st, ttsRegistry(s))

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{job.JobToken}, s.Executed())

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteSuccess, got.Status)
	assert.NotNil(t, got.ResultEntityToken)
}

func TestTick_TransientFailureRetriesUntilDead(t *testing.T) {
	st := store.NewMemoryStore()
	job := insertTTSJob(t, st)

	s := mock.NewFailing("tts-local",
		strategy.Transient(models.FailureCategoryServerError, assert.AnError))
	r := newRunner(st, ttsRegistry(s))
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		time.Sleep(2 * time.Millisecond) // let the retry backoff lapse
		n, err := r.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d should claim the job", attempt)
	}

	got, err := st.GetJobByToken(ctx, job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDead, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, models.FailureCategoryServerError, *got.FailureCategory)

	time.Sleep(2 * time.Millisecond)
	n, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead jobs must not be claimed again")
}

func TestTick_PermanentFailureSkipsRetries(t *testing.T) {
	st := store.NewMemoryStore()
	job := insertTTSJob(t, st)

	s := mock.NewFailing("tts-local",
		strategy.Permanent(models.FailureCategoryBadInput, assert.AnError))
	r := newRunner(st, ttsRegistry(s))

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleteFailure, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, models.FailureCategoryBadInput, *got.FailureCategory)
}

func TestTick_RegistryMissReleasesJob(t *testing.T) {
	st := store.NewMemoryStore()
	job := insertTTSJob(t, st)

	// The worker claims tacotron2 but has no binding for it.
	r := newRunner(st, dispatch.NewRegistry())

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Nil(t, got.AssignedWorker)
}

func TestTick_AsyncPendingLeavesJobStarted(t *testing.T) {
	st := store.NewMemoryStore()
	job := insertTTSJob(t, st)

	s := mock.NewFailing("tts-remote", strategy.ErrAsyncPending)
	r := newRunner(st, ttsRegistry(s))

	n, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJobByToken(context.Background(), job.JobToken)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarted, got.Status)
}

func TestTick_StarvationGuardClaimsOldestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	old := insertTTSJob(t, st)
	time.Sleep(2 * time.Millisecond)

	urgent := &models.Job{
		JobToken:         models.NewJobToken(),
		IdempotencyToken: uuid.NewString(),
		Category:         models.CategoryTextToSpeech,
		JobType:          models.JobTypeTacotron2,
		ModelType:        models.ModelTypeUserWeights,
		Priority:         9,
		CreatorIPAddress: "203.0.113.7",
		Visibility:       models.VisibilityPrivate,
		InferenceArgs:    []byte(`{"category":"text_to_speech","tts":{"text":"urgent"}}`),
	}
	require.NoError(t, st.InsertJob(ctx, urgent))

	s := mock.NewSucceeding("tts-local")
	r := queue.NewRunner(queue.RunnerConfig{
		WorkerName:         "test-worker",
		Cluster:            "test",
		JobTypes:           []models.JobType{models.JobTypeTacotron2},
		BatchSize:          1,
		ReclaimWindow:      time.Minute,
		MaxAttempts:        3,
		StarvationEveryNth: 1, // every claim ignores priority
	}, st, ttsRegistry(s), queue.NewBackoff(time.Second, time.Minute), testLogger())

	n, err := r.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []string{old.JobToken}, s.Executed())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	st := store.NewMemoryStore()
	r := newRunner(st, dispatch.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		require.NoError(t, r.Run(ctx))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
