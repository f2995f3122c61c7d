package repository

import (
	"context"
	"sync"

	"github.com/pbzweihander/ommrema/internal/types"
)

// JobRepository stores reindex job history. Record is an upsert keyed by
// job ID, so each transition of a job overwrites the previous one.
type JobRepository interface {
	Record(ctx context.Context, job *types.ReindexJob) error
	Recent(ctx context.Context, limit int) ([]types.ReindexJob, error)
}

type memoryJobRepository struct {
	mu       sync.RWMutex
	capacity int
	jobs     []types.ReindexJob
}

// NewMemoryJobRepository keeps at most capacity jobs, dropping the oldest.
func NewMemoryJobRepository(capacity int) JobRepository {
	if capacity <= 0 {
		capacity = 100
	}
	return &memoryJobRepository{capacity: capacity}
}

func (r *memoryJobRepository) Record(_ context.Context, job *types.ReindexJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.jobs {
		if r.jobs[i].JobID == job.JobID {
			r.jobs[i] = *job
			return nil
		}
	}

	r.jobs = append(r.jobs, *job)
	if over := len(r.jobs) - r.capacity; over > 0 {
		r.jobs = append(r.jobs[:0:0], r.jobs[over:]...)
	}
	return nil
}

func (r *memoryJobRepository) Recent(_ context.Context, limit int) ([]types.ReindexJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.jobs) {
		limit = len(r.jobs)
	}

	out := make([]types.ReindexJob, 0, limit)
	for i := len(r.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.jobs[i])
	}
	return out, nil
}
