// Package mock provides a canned Strategy for tests and local development.
package mock

import (
	"context"
	"sync"

	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/pkg/models"
)

// MockStrategy satisfies strategy.Strategy for testing. It records every job
// it is handed and returns whatever ExecuteFunc says.
type MockStrategy struct {
	Name_       string
	ExecuteFunc func(ctx context.Context, job *models.Job) (*strategy.Outcome, error)

	mu       sync.Mutex
	executed []string
}

func (m *MockStrategy) Name() string { return m.Name_ }

func (m *MockStrategy) Execute(ctx context.Context, job *models.Job) (*strategy.Outcome, error) {
	m.mu.Lock()
	m.executed = append(m.executed, job.JobToken)
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, job)
	}
	return &strategy.Outcome{
		Result: models.ResultEntity{EntityType: "media_file", EntityToken: models.NewMediaFileToken()},
	}, nil
}

// Executed returns the job tokens handed to this strategy, in order.
func (m *MockStrategy) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.executed))
	copy(out, m.executed)
	return out
}

// NewSucceeding returns a MockStrategy that completes every job with a fresh
// media token.
func NewSucceeding(name string) *MockStrategy {
	return &MockStrategy{Name_: name}
}

// NewFailing returns a MockStrategy that always fails with err.
func NewFailing(name string, err error) *MockStrategy {
	return &MockStrategy{
		Name_: name,
		ExecuteFunc: func(_ context.Context, _ *models.Job) (*strategy.Outcome, error) {
			return nil, err
		},
	}
}
