package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/jobforge/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobforge")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.ReclaimWindow)
	assert.Equal(t, 30*time.Second, cfg.Queue.RetryInitialBackoff)
	assert.Equal(t, 3*time.Minute, cfg.Queue.KeepaliveTTL)
	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Worker.StarvationEveryNth)
	assert.Equal(t, "default", cfg.Worker.Cluster)
	assert.Equal(t, "scripts", cfg.Worker.ScriptsDir)
	assert.NotEmpty(t, cfg.Media.Root)
	assert.False(t, cfg.Worker.IsDebugWorker)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadMissingRedisURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobforge")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobforge")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JOBFORGE_PORT", "9090")
	t.Setenv("JOBFORGE_MAX_ATTEMPTS", "5")
	t.Setenv("JOBFORGE_RECLAIM_WINDOW", "90s")
	t.Setenv("JOBFORGE_WORKER_DEBUG", "true")
	t.Setenv("JOBFORGE_WORKER_JOB_TYPES", "tacotron2, rvc_v2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Queue.ReclaimWindow)
	assert.True(t, cfg.Worker.IsDebugWorker)
	assert.Equal(t, []models.JobType{models.JobTypeTacotron2, models.JobTypeRVCv2}, cfg.Worker.JobTypes)
}

func TestLoadInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobforge")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JOBFORGE_PORT", "not-a-number")
	t.Setenv("JOBFORGE_RECLAIM_WINDOW", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Queue.ReclaimWindow)
}

func TestValidateWorker(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobforge")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	t.Run("requires job types", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Worker.JobTypes = nil

		err = cfg.ValidateWorker()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JOBFORGE_WORKER_JOB_TYPES")
	})

	t.Run("remote job types need a provider", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Worker.JobTypes = []models.JobType{models.JobTypeSoraImage}
		cfg.Provider.BaseURL = ""

		err = cfg.ValidateWorker()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PROVIDER_BASE_URL")
	})

	t.Run("valid local worker", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Worker.JobTypes = []models.JobType{models.JobTypeTacotron2}

		require.NoError(t, cfg.ValidateWorker())
	})
}

func TestValidateServer(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobforge")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("WEBHOOK_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")

	cfg.Webhook.Secret = "shh"
	require.NoError(t, cfg.ValidateServer())
}
