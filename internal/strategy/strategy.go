package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mediaforge/jobforge/pkg/models"
)

// ErrAsyncPending is returned by strategies that hand the job to an external
// provider: the attempt is neither a success nor a failure yet, and the
// outcome arrives later through a webhook or the fallback poller.
var ErrAsyncPending = errors.New("job handed to provider, outcome pending")

// Outcome is a finished successful attempt.
type Outcome struct {
	Result models.ResultEntity
}

// Strategy executes one claimed job. Implementations must honor ctx
// cancellation; a cancelled execution is reported as a failed attempt.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Execute runs the job to completion, or returns ErrAsyncPending when
	// the outcome will be reported out of band.
	Execute(ctx context.Context, job *models.Job) (*Outcome, error)
}

// Failure carries the classification the queue needs to decide between a
// retryable attempt failure and a permanent one.
type Failure struct {
	Category  models.FailureCategory
	Permanent bool
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Category, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient wraps err as a retryable failure.
func Transient(category models.FailureCategory, err error) error {
	return &Failure{Category: category, Err: err}
}

// Permanent wraps err as a failure that retrying cannot fix.
func Permanent(category models.FailureCategory, err error) error {
	return &Failure{Category: category, Permanent: true, Err: err}
}

// Classify extracts the failure category and permanence from err.
// Unclassified errors count as transient server errors.
func Classify(err error) (models.FailureCategory, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Category, f.Permanent
	}
	return models.FailureCategoryServerError, false
}
