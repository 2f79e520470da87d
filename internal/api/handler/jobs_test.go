package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/jobforge/internal/api/handler"
	mw "github.com/mediaforge/jobforge/internal/api/middleware"
	"github.com/mediaforge/jobforge/internal/cache"
	"github.com/mediaforge/jobforge/internal/jobs"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/pkg/models"
)

type noopCache struct{}

func (noopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noopCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (noopCache) Delete(context.Context, string) error                     { return nil }
func (noopCache) Ping(context.Context) error                               { return nil }
func (noopCache) TouchKeepalive(context.Context, string, time.Duration) error {
	return nil
}
func (noopCache) KeepaliveActive(context.Context, string) (bool, error) { return false, nil }
func (noopCache) SetProgress(context.Context, string, cache.Progress, time.Duration) error {
	return nil
}
func (noopCache) GetProgress(context.Context, string) (cache.Progress, bool, error) {
	return cache.Progress{}, false, nil
}
func (noopCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func newJobService(t *testing.T) (*jobs.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return jobs.NewService(st, noopCache{}, 3*time.Minute, log), st
}

func asUser(req *http.Request, userToken string) *http.Request {
	return req.WithContext(mw.SetUserToken(req.Context(), userToken))
}

func submitBody() []byte {
	return []byte(`{
		"idempotency_token": "idem-h1",
		"category": "text_to_speech",
		"job_type": "tacotron2",
		"model_type": "user_weights",
		"args": {"category": "text_to_speech", "tts": {"text": "hello", "model_token": "tm_1"}}
	}`)
}

func TestSubmitHandler_CreatesJob(t *testing.T) {
	svc, st := newJobService(t)
	h := handler.NewSubmitHandler(svc)

	req := asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(submitBody())), "u_alice")
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	jobToken := data["job_token"].(string)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, false, data["duplicate"])

	job, err := st.GetJobByToken(context.Background(), jobToken)
	require.NoError(t, err)
	require.NotNil(t, job.CreatorUserToken)
	assert.Equal(t, "u_alice", *job.CreatorUserToken)
}

func TestSubmitHandler_DuplicateReturns200(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewSubmitHandler(svc)

	w := httptest.NewRecorder()
	h(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(submitBody())), "u_alice"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	h(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(submitBody())), "u_alice"))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["data"].(map[string]any)["duplicate"])
}

func TestSubmitHandler_InvalidJSON(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewSubmitHandler(svc)

	req := asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader([]byte("{not json"))), "u_alice")
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitHandler_ValidationError(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewSubmitHandler(svc)

	// tacotron2 must be user_weights
	payload := []byte(`{
		"idempotency_token": "idem-h2",
		"category": "text_to_speech",
		"job_type": "tacotron2",
		"model_type": "bundled",
		"args": {"category": "text_to_speech", "tts": {"text": "hello"}}
	}`)
	req := asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(payload)), "u_alice")
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["error"].(map[string]any)["code"])
}

func statusRequest(t *testing.T, jobToken string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/jobs/"+jobToken, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobToken", jobToken)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestStatusHandler_ReturnsView(t *testing.T) {
	svc, _ := newJobService(t)

	submit := handler.NewSubmitHandler(svc)
	w := httptest.NewRecorder()
	submit(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(submitBody())), "u_alice"))
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	jobToken := created["data"].(map[string]any)["job_token"].(string)

	h := handler.NewStatusHandler(svc)
	w = httptest.NewRecorder()
	h(w, statusRequest(t, jobToken))

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, jobToken, data["job_token"])
	assert.Equal(t, "pending", data["status"])
}

func TestStatusHandler_UnknownJob(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewStatusHandler(svc)

	w := httptest.NewRecorder()
	h(w, statusRequest(t, models.NewJobToken()))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusHandler_MalformedTokenLooksAbsent(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewStatusHandler(svc)

	// Malformed tokens must be indistinguishable from unknown jobs.
	w := httptest.NewRecorder()
	h(w, statusRequest(t, "not-a-token"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchStatusHandler(t *testing.T) {
	svc, _ := newJobService(t)

	submit := handler.NewSubmitHandler(svc)
	w := httptest.NewRecorder()
	submit(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(submitBody())), "u_alice"))
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	jobToken := created["data"].(map[string]any)["job_token"].(string)

	payload, err := json.Marshal(map[string]any{
		"job_tokens": []string{jobToken, models.NewJobToken()},
	})
	require.NoError(t, err)

	h := handler.NewBatchStatusHandler(svc)
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest("POST", "/api/v1/jobs/batch", bytes.NewReader(payload)))

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body["data"].([]any), 1)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["count"])
}

func TestBatchStatusHandler_EmptyRejected(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewBatchStatusHandler(svc)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("POST", "/api/v1/jobs/batch", bytes.NewReader([]byte(`{"job_tokens": []}`))))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionJobsHandler(t *testing.T) {
	svc, _ := newJobService(t)

	submit := handler.NewSubmitHandler(svc)
	w := httptest.NewRecorder()
	submit(w, asUser(httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewReader(submitBody())), "u_alice"))
	require.Equal(t, http.StatusCreated, w.Code)

	h := handler.NewSessionJobsHandler(svc)
	w = httptest.NewRecorder()
	h(w, asUser(httptest.NewRequest("GET", "/api/v1/jobs?limit=10", nil), "u_alice"))

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body["data"].([]any), 1)

	// Different creator sees nothing.
	w = httptest.NewRecorder()
	h(w, asUser(httptest.NewRequest("GET", "/api/v1/jobs", nil), "u_bob"))
	require.Equal(t, http.StatusOK, w.Code)

	var other map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &other))
	assert.Len(t, other["data"].([]any), 0)
}

func TestSessionJobsHandler_BadLimit(t *testing.T) {
	svc, _ := newJobService(t)
	h := handler.NewSessionJobsHandler(svc)

	w := httptest.NewRecorder()
	h(w, asUser(httptest.NewRequest("GET", "/api/v1/jobs?limit=500", nil), "u_alice"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
