package local_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/internal/strategy/local"
	"github.com/mediaforge/jobforge/pkg/models"
)

// writeScript drops a fake model runtime shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newStrategy(t *testing.T, script string, timeout time.Duration) (*local.Strategy, string) {
	t.Helper()
	mediaRoot := t.TempDir()
	s := local.New("test-local", local.Config{
		Bin:     "/bin/sh",
		Script:  script,
		WorkDir: t.TempDir(),
		Timeout: timeout,
	}, local.NewFilesystemMediaStore(mediaRoot), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return s, mediaRoot
}

func ttsJob() *models.Job {
	return &models.Job{
		JobToken:      models.NewJobToken(),
		Category:      models.CategoryTextToSpeech,
		JobType:       models.JobTypeTacotron2,
		ModelType:     models.ModelTypeUserWeights,
		Status:        models.JobStatusStarted,
		InferenceArgs: []byte(`{"category":"text_to_speech","tts":{"text":"hello"}}`),
	}
}

func TestExecute_Success(t *testing.T) {
	// The runtime writes an artifact and points result.json at it.
	script := writeScript(t, `
set -e
while [ "$1" != "--result" ]; do shift; done
out="$2"
dir=$(dirname "$out")
printf 'fake-wav' > "$dir/audio.wav"
printf '{"output_path":"audio.wav"}' > "$out"
`)
	s, mediaRoot := newStrategy(t, script, 10*time.Second)

	outcome, err := s.Execute(context.Background(), ttsJob())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, "media_file", outcome.Result.EntityType)

	// The artifact landed in the media store under the returned token.
	data, err := os.ReadFile(filepath.Join(mediaRoot, outcome.Result.EntityToken))
	require.NoError(t, err)
	assert.Equal(t, "fake-wav", string(data))
}

func TestExecute_BadInputExitCode(t *testing.T) {
	script := writeScript(t, `echo "text too long" >&2; exit 2`)
	s, _ := newStrategy(t, script, 10*time.Second)

	_, err := s.Execute(context.Background(), ttsJob())
	require.Error(t, err)

	var f *strategy.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, models.FailureCategoryBadInput, f.Category)
	assert.True(t, f.Permanent)
	assert.Contains(t, f.Err.Error(), "text too long")
}

func TestExecute_ModelUnavailableExitCode(t *testing.T) {
	script := writeScript(t, `exit 3`)
	s, _ := newStrategy(t, script, 10*time.Second)

	_, err := s.Execute(context.Background(), ttsJob())
	require.Error(t, err)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryModelUnavailable, category)
	assert.False(t, permanent)
}

func TestExecute_CrashIsTransientServerError(t *testing.T) {
	script := writeScript(t, `exit 1`)
	s, _ := newStrategy(t, script, 10*time.Second)

	_, err := s.Execute(context.Background(), ttsJob())
	require.Error(t, err)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryServerError, category)
	assert.False(t, permanent)
}

func TestExecute_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 10`)
	s, _ := newStrategy(t, script, 100*time.Millisecond)

	start := time.Now()
	_, err := s.Execute(context.Background(), ttsJob())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryExecutionTimeout, category)
	assert.False(t, permanent)
}

func TestExecute_MalformedArgsArePermanent(t *testing.T) {
	script := writeScript(t, `exit 0`)
	s, _ := newStrategy(t, script, time.Second)

	job := ttsJob()
	job.InferenceArgs = []byte(`{"category":"text_to_speech"}`)

	_, err := s.Execute(context.Background(), job)
	require.Error(t, err)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryBadInput, category)
	assert.True(t, permanent)
}

func TestExecute_MissingResultFile(t *testing.T) {
	script := writeScript(t, `exit 0`)
	s, _ := newStrategy(t, script, time.Second)

	_, err := s.Execute(context.Background(), ttsJob())
	require.Error(t, err)

	category, permanent := strategy.Classify(err)
	assert.Equal(t, models.FailureCategoryServerError, category)
	assert.False(t, permanent)
}

func TestExecute_StagesDeclaredInputs(t *testing.T) {
	// The runtime checks its staged input exists before succeeding.
	script := writeScript(t, `
set -e
while [ "$1" != "--request" ]; do shift; done
req="$2"
grep -q '"m_source"' "$req"
dir=$(dirname "$req")
test -f "$dir/m_source"
printf 'converted' > "$dir/out.wav"
printf '{"output_path":"out.wav"}' > "$dir/result.json"
`)
	s, mediaRoot := newStrategy(t, script, 10*time.Second)

	require.NoError(t, os.WriteFile(filepath.Join(mediaRoot, "m_source"), []byte("src"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(mediaRoot, "wm_voice"), []byte("weights"), 0o644))

	job := ttsJob()
	job.Category = models.CategoryVoiceConversion
	job.JobType = models.JobTypeRVCv2
	job.InferenceArgs = []byte(`{"category":"voice_conversion","voice_conversion":{"source_media_token":"m_source","voice_model_token":"wm_voice"}}`)

	outcome, err := s.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Result.EntityToken)
}
