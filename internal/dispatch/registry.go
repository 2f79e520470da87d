// Package dispatch routes claimed jobs to execution strategies. The routing
// table is static: it is assembled once at worker startup and read-only
// afterwards.
package dispatch

import (
	"fmt"

	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/pkg/models"
)

// Key identifies one executable job shape.
type Key struct {
	Category  models.Category
	JobType   models.JobType
	ModelType models.ModelType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Category, k.JobType, k.ModelType)
}

// Registry maps job shapes to strategies.
type Registry struct {
	strategies map[Key]strategy.Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[Key]strategy.Strategy)}
}

// Register binds s to key. Registering the same key twice is a wiring bug
// and returns an error rather than silently replacing the first binding.
func (r *Registry) Register(key Key, s strategy.Strategy) error {
	if err := models.ValidateCombo(key.Category, key.JobType, key.ModelType); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	if existing, ok := r.strategies[key]; ok {
		return fmt.Errorf("register %s: already bound to %s", key, existing.Name())
	}
	r.strategies[key] = s
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(key Key, s strategy.Strategy) {
	if err := r.Register(key, s); err != nil {
		panic(err)
	}
}

// Lookup finds the strategy for a claimed job. A miss is not an error here:
// the caller releases the job so a correctly configured worker can take it.
func (r *Registry) Lookup(job *models.Job) (strategy.Strategy, bool) {
	s, ok := r.strategies[Key{Category: job.Category, JobType: job.JobType, ModelType: job.ModelType}]
	return s, ok
}

// JobTypes lists the distinct job types with at least one binding, the set a
// worker built from this registry should claim.
func (r *Registry) JobTypes() []models.JobType {
	seen := make(map[models.JobType]bool)
	var out []models.JobType
	for key := range r.strategies {
		if !seen[key.JobType] {
			seen[key.JobType] = true
			out = append(out, key.JobType)
		}
	}
	return out
}
