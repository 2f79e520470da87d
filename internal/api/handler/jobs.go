package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	mw "github.com/mediaforge/jobforge/internal/api/middleware"
	"github.com/mediaforge/jobforge/internal/api/response"
	"github.com/mediaforge/jobforge/internal/jobs"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/pkg/models"
)

const defaultSessionLimit = 25

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, bool, error)
	Status(ctx context.Context, jobToken string) (*models.JobStatusView, error)
	BatchStatus(ctx context.Context, jobTokens []string) ([]*models.JobStatusView, error)
	ListForCreator(ctx context.Context, filter store.CreatorFilter) ([]*models.JobStatusView, error)
}

type submitRequest struct {
	IdempotencyToken  string                `json:"idempotency_token"`
	Category          models.Category       `json:"category"`
	JobType           models.JobType        `json:"job_type"`
	ModelType         models.ModelType      `json:"model_type"`
	Args              *models.InferenceArgs `json:"args"`
	Priority          int                   `json:"priority"`
	RoutingTag        string                `json:"routing_tag"`
	IsDebugRequest    bool                  `json:"is_debug_request"`
	RequiresKeepalive *bool                 `json:"requires_keepalive"`
	Visibility        models.Visibility     `json:"visibility"`
	InputReference    string                `json:"input_reference"`
	VisitorToken      string                `json:"visitor_token"`
}

type submitResponse struct {
	JobToken string           `json:"job_token"`
	Status   models.JobStatus `json:"status"`
	// Duplicate is true when the idempotency token matched an earlier
	// submission and that job is returned instead of a new one.
	Duplicate bool `json:"duplicate"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userToken, _ := mw.GetUserToken(r)

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, created, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			IdempotencyToken:    req.IdempotencyToken,
			Category:            req.Category,
			JobType:             req.JobType,
			ModelType:           req.ModelType,
			Args:                req.Args,
			Priority:            req.Priority,
			RoutingTag:          req.RoutingTag,
			IsDebugRequest:      req.IsDebugRequest,
			RequiresKeepalive:   req.RequiresKeepalive,
			Visibility:          req.Visibility,
			InputReference:      req.InputReference,
			CreatorUserToken:    userToken,
			CreatorVisitorToken: req.VisitorToken,
			CreatorIPAddress:    clientIP(r),
		})
		if err != nil {
			if errors.Is(err, jobs.ErrValidation) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		body := submitResponse{
			JobToken:  job.JobToken,
			Status:    job.Status,
			Duplicate: !created,
		}
		if created {
			response.Created(w, body)
			return
		}
		response.JSON(w, body)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobToken}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobToken := chi.URLParam(r, "jobToken")
		// Malformed tokens are reported the same as absent jobs so the
		// response does not reveal the token format.
		if !models.LooksLikeJobToken(jobToken) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}

		view, err := svc.Status(r.Context(), jobToken)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, view)
	}
}

// NewBatchStatusHandler returns an http.HandlerFunc for POST /api/v1/jobs/batch.
func NewBatchStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobTokens []string `json:"job_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		views, err := svc.BatchStatus(r.Context(), req.JobTokens)
		if err != nil {
			if errors.Is(err, jobs.ErrValidation) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Collection(w, views, response.CollectionMeta{
			Count: len(views),
			Limit: len(req.JobTokens),
		})
	}
}

// NewSessionJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs. It
// lists the caller's recent jobs, newest first.
func NewSessionJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userToken, ok := mw.GetUserToken(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing creator identity", nil)
			return
		}

		limit := defaultSessionLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 100 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be between 1 and 100", nil)
				return
			}
			limit = n
		}

		views, err := svc.ListForCreator(r.Context(), store.CreatorFilter{
			UserToken:    userToken,
			VisitorToken: r.URL.Query().Get("visitor_token"),
			Limit:        limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Collection(w, views, response.CollectionMeta{
			Count: len(views),
			Limit: limit,
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
