package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mediaforge/jobforge/internal/queue"
	"github.com/mediaforge/jobforge/internal/store"
	"github.com/mediaforge/jobforge/pkg/models"
)

// ResultFetcher pulls a finished artifact from the provider and persists it,
// returning the stored media token.
type ResultFetcher interface {
	Fetch(ctx context.Context, resultURL string) (string, error)
}

// Resolver applies a provider-reported generation state to our job row. The
// webhook handler and the fallback poller both funnel through here, and the
// store's compare-and-set writes make whichever arrives second a no-op.
type Resolver struct {
	store       store.Store
	fetcher     ResultFetcher
	retry       queue.Backoff
	maxAttempts int
	log         *slog.Logger
}

func NewResolver(st store.Store, fetcher ResultFetcher, retry queue.Backoff, maxAttempts int, log *slog.Logger) *Resolver {
	return &Resolver{store: st, fetcher: fetcher, retry: retry, maxAttempts: maxAttempts, log: log}
}

// Resolve finishes the job if gen is terminal; in-flight states are ignored.
func (r *Resolver) Resolve(ctx context.Context, job *models.Job, gen *Generation) error {
	// A replayed report for a finished job stops here, before the result
	// fetch downloads and stores the artifact a second time. The CAS write
	// below still guards the narrow window where the job finishes after
	// this check.
	if job.Status.IsTerminal() {
		r.log.Debug("report for finished job ignored",
			"job_token", job.JobToken, "status", job.Status)
		return nil
	}

	switch gen.State {
	case StateSucceeded:
		mediaToken, err := r.fetcher.Fetch(ctx, gen.ResultURL)
		if err != nil {
			// Leave the job started; the next sweep retries the fetch.
			return fmt.Errorf("fetch result for %s: %w", job.JobToken, err)
		}
		updated, err := r.store.MarkJobSucceeded(ctx, job.JobToken,
			models.ResultEntity{EntityType: "media_file", EntityToken: mediaToken})
		if err != nil {
			return err
		}
		if !updated {
			r.log.Debug("duplicate success report ignored", "job_token", job.JobToken)
		}
		return nil

	case StateFailed:
		reason := gen.FailureMessage
		if reason == "" {
			reason = "provider reported failure"
		}
		var updated bool
		var err error
		if gen.InputRejected {
			updated, err = r.store.MarkJobFailedPermanently(ctx, job.JobToken,
				models.FailureCategoryBadInput, reason)
		} else {
			retryAt := r.retry.RetryAt(time.Now(), job.AttemptCount)
			updated, err = r.store.MarkJobFailed(ctx, job.JobToken,
				models.FailureCategoryProviderError, reason, retryAt, r.maxAttempts)
		}
		if err != nil {
			return err
		}
		if !updated {
			r.log.Debug("duplicate failure report ignored", "job_token", job.JobToken)
		}
		return nil

	default:
		return nil
	}
}

// HTTPResultFetcher downloads the artifact over HTTP and stores it through
// upload.
type HTTPResultFetcher struct {
	client *http.Client
	upload func(ctx context.Context, path string) (string, error)
}

func NewHTTPResultFetcher(timeout time.Duration, upload func(ctx context.Context, path string) (string, error)) *HTTPResultFetcher {
	return &HTTPResultFetcher{
		client: &http.Client{Timeout: timeout},
		upload: upload,
	}
}

func (f *HTTPResultFetcher) Fetch(ctx context.Context, resultURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: result download status %d", ErrProviderInternal, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "result-")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	return f.upload(ctx, tmp.Name())
}
