package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mediaforge/jobforge/internal/api/response"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/internal/strategy/remote"
	"github.com/mediaforge/jobforge/pkg/models"
)

// webhookSecretHeader carries the shared secret the provider was configured
// with at onboarding.
const webhookSecretHeader = "X-Webhook-Secret"

// GenerationResolver finishes a started job from a provider-side terminal
// state. The webhook and the reconciliation poller share one implementation,
// so a webhook racing a poll sweep collapses to a harmless duplicate write.
type GenerationResolver interface {
	Resolve(ctx context.Context, job *models.Job, gen *remote.Generation) error
}

type webhookRequest struct {
	ProviderJobID  string                 `json:"provider_job_id"`
	State          remote.GenerationState `json:"state"`
	ResultURL      string                 `json:"result_url"`
	FailureMessage string                 `json:"failure_message"`
	InputRejected  bool                   `json:"input_rejected"`
}

// NewProviderWebhookHandler returns an http.HandlerFunc for
// POST /api/v1/provider/webhook.
func NewProviderWebhookHandler(st store.Store, resolver GenerationResolver, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(webhookSecretHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid webhook secret", nil)
			return
		}

		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ProviderJobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "provider_job_id is required", nil)
			return
		}

		job, err := st.GetJobByProviderJobID(r.Context(), req.ProviderJobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
					"No job for that provider job id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		gen := &remote.Generation{
			ID:             req.ProviderJobID,
			State:          req.State,
			ResultURL:      req.ResultURL,
			FailureMessage: req.FailureMessage,
			InputRejected:  req.InputRejected,
		}
		if err := resolver.Resolve(r.Context(), job, gen); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to apply webhook", nil)
			return
		}

		response.JSON(w, map[string]string{"job_token": job.JobToken, "status": "accepted"})
	}
}
