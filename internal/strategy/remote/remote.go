package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/pkg/models"
)

// Strategy submits jobs to the generation provider. Execute returns
// strategy.ErrAsyncPending on acceptance: the job stays started with a
// provider ID, and the webhook or poller finishes it.
type Strategy struct {
	name     string
	provider Provider
	store    store.Store
	log      *slog.Logger
}

func New(name string, provider Provider, st store.Store, log *slog.Logger) *Strategy {
	return &Strategy{name: name, provider: provider, store: st, log: log}
}

func (s *Strategy) Name() string {
	return s.name
}

func (s *Strategy) Execute(ctx context.Context, job *models.Job) (*strategy.Outcome, error) {
	args, err := models.ParseInferenceArgs(job.InferenceArgs)
	if err != nil {
		return nil, strategy.Permanent(models.FailureCategoryBadInput, err)
	}
	if args.ImageGeneration == nil {
		return nil, strategy.Permanent(models.FailureCategoryBadInput,
			fmt.Errorf("job type %q needs image_generation args", job.JobType))
	}

	gen, err := s.provider.CreateGeneration(ctx, CreateGenerationRequest{
		Prompt:          args.ImageGeneration.Prompt,
		Samples:         args.ImageGeneration.NumberOfSamples,
		Seed:            args.ImageGeneration.Seed,
		ClientReference: job.JobToken,
	})
	if err != nil {
		if errors.Is(err, ErrProviderRejectedInput) {
			return nil, strategy.Permanent(models.FailureCategoryBadInput, err)
		}
		return nil, strategy.Transient(models.FailureCategoryProviderError, err)
	}

	if err := s.store.SetProviderJobID(ctx, job.JobToken, gen.ID); err != nil {
		// The generation is running but we lost the handle; fail the
		// attempt so the job is retried rather than stuck.
		return nil, strategy.Transient(models.FailureCategoryServerError,
			fmt.Errorf("record provider id %s: %w", gen.ID, err))
	}

	s.log.Info("job handed to provider",
		"job_token", job.JobToken,
		"provider_job_id", gen.ID)
	return nil, strategy.ErrAsyncPending
}
