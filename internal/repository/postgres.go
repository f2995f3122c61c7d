package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pbzweihander/ommrema/internal/types"
)

const upsertJob = `
INSERT INTO reindex_jobs (job_id, status, trigger, requested_at, started_at, finished_at, error, fatal, mods, coalesced)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO UPDATE SET
    status      = EXCLUDED.status,
    started_at  = EXCLUDED.started_at,
    finished_at = EXCLUDED.finished_at,
    error       = EXCLUDED.error,
    fatal       = EXCLUDED.fatal,
    mods        = EXCLUDED.mods,
    coalesced   = EXCLUDED.coalesced`

const recentJobs = `
SELECT job_id::text, status, trigger, requested_at, started_at, finished_at, error, fatal, mods, coalesced
FROM reindex_jobs
ORDER BY requested_at DESC
LIMIT $1`

const defaultRecentLimit = 100

type postgresJobRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobRepository(pool *pgxpool.Pool) JobRepository {
	return &postgresJobRepository{pool: pool}
}

func (r *postgresJobRepository) Record(ctx context.Context, job *types.ReindexJob) error {
	_, err := r.pool.Exec(ctx, upsertJob,
		job.JobID,
		string(job.Status),
		string(job.Trigger),
		job.RequestedAt,
		job.StartedAt,
		job.FinishedAt,
		job.Error,
		job.Fatal,
		job.Mods,
		job.Coalesced,
	)
	if err != nil {
		return fmt.Errorf("failed to record reindex job %s: %w", job.JobID, err)
	}
	return nil
}

func (r *postgresJobRepository) Recent(ctx context.Context, limit int) ([]types.ReindexJob, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := r.pool.Query(ctx, recentJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reindex jobs: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ReindexJob, error) {
		var (
			job     types.ReindexJob
			status  string
			trigger string
		)
		err := row.Scan(
			&job.JobID,
			&status,
			&trigger,
			&job.RequestedAt,
			&job.StartedAt,
			&job.FinishedAt,
			&job.Error,
			&job.Fatal,
			&job.Mods,
			&job.Coalesced,
		)
		job.Status = types.JobStatus(status)
		job.Trigger = types.Trigger(trigger)
		return job, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan reindex jobs: %w", err)
	}
	return jobs, nil
}
