package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"turfwar/internal/types"
)

// DefaultFailureThreshold is the consecutive-failure count that disables a job.
const DefaultFailureThreshold = 2

const jobColumns = `id, guild_id, guild_name, url, method, headers, body, is_active,
	last_success_at, last_failure_at, failure_count, last_error, created_at, updated_at`

// JobRepository provides data access for the job_registry table. There is at
// most one entry per guild.
type JobRepository struct {
	db        DBTX
	threshold int
}

// NewJobRepository creates a JobRepository. A threshold below 1 falls back
// to DefaultFailureThreshold.
func NewJobRepository(db DBTX, threshold int) *JobRepository {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &JobRepository{db: db, threshold: threshold}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*types.JobEntry, error) {
	var j types.JobEntry
	err := row.Scan(
		&j.ID, &j.GuildID, &j.GuildName, &j.URL, &j.Method, &j.Headers, &j.Body,
		&j.IsActive, &j.LastSuccess, &j.LastFailure, &j.FailureCount, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if j.Headers == nil {
		j.Headers = types.Headers{}
	}
	return &j, nil
}

// Upsert inserts or replaces the job for entry.GuildID. Replacing a job
// re-enables it and clears its failure state.
func (r *JobRepository) Upsert(ctx context.Context, entry types.JobEntry) (*types.JobEntry, error) {
	method := entry.Method
	if method == "" {
		method = "POST"
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO job_registry (guild_id, guild_name, url, method, headers, body, is_active, failure_count)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, 0)
		 ON CONFLICT (guild_id) DO UPDATE SET
			guild_name = EXCLUDED.guild_name,
			url = EXCLUDED.url,
			method = EXCLUDED.method,
			headers = EXCLUDED.headers,
			body = EXCLUDED.body,
			is_active = TRUE,
			failure_count = 0,
			last_error = NULL,
			updated_at = NOW()
		 RETURNING `+jobColumns,
		entry.GuildID, entry.GuildName, entry.URL, method, entry.Headers, entry.Body,
	)
	saved, err := scanJob(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to save job", err)
	}
	return saved, nil
}

// ListActive returns the enabled jobs ordered by guild id.
func (r *JobRepository) ListActive(ctx context.Context) ([]types.JobEntry, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM job_registry WHERE is_active ORDER BY guild_id`)
}

// ListAll returns every job ordered by guild id.
func (r *JobRepository) ListAll(ctx context.Context) ([]types.JobEntry, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM job_registry ORDER BY guild_id`)
}

func (r *JobRepository) list(ctx context.Context, query string) ([]types.JobEntry, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list jobs", err)
	}
	defer rows.Close()

	jobs := make([]types.JobEntry, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}
	return jobs, nil
}

// Get returns the job for guildID, or a not_found_job error.
func (r *JobRepository) Get(ctx context.Context, guildID int64) (*types.JobEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_registry WHERE guild_id = $1`, guildID)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFoundOrDB(err, guildID, "failed to get job")
	}
	return j, nil
}

// RecordSuccess marks a completed run and resets the failure counter.
func (r *JobRepository) RecordSuccess(ctx context.Context, guildID int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE job_registry
		 SET last_success_at = $2, failure_count = 0, last_error = NULL, updated_at = NOW()
		 WHERE guild_id = $1`,
		guildID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record job success", err)
	}
	if tag.RowsAffected() == 0 {
		return jobNotFound(guildID)
	}
	return nil
}

// RecordFailure increments the failure counter and disables the job once the
// counter reaches the threshold. Increment and disable happen in one
// statement, so concurrent failures are never lost.
func (r *JobRepository) RecordFailure(ctx context.Context, guildID int64, at time.Time, message string) (types.FailureOutcome, error) {
	var out types.FailureOutcome
	var active bool
	err := r.db.QueryRow(ctx,
		`UPDATE job_registry
		 SET last_failure_at = $2,
		     failure_count = failure_count + 1,
		     last_error = $3,
		     is_active = CASE WHEN failure_count + 1 >= $4 THEN FALSE ELSE is_active END,
		     updated_at = NOW()
		 WHERE guild_id = $1
		 RETURNING failure_count, is_active`,
		guildID, at, message, r.threshold,
	).Scan(&out.FailureCount, &active)
	if err != nil {
		return out, notFoundOrDB(err, guildID, "failed to record job failure")
	}
	out.Disabled = !active
	return out, nil
}

// Reactivate re-enables a job and clears its failure state.
func (r *JobRepository) Reactivate(ctx context.Context, guildID int64) (*types.JobEntry, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE job_registry
		 SET is_active = TRUE, failure_count = 0, last_error = NULL, updated_at = NOW()
		 WHERE guild_id = $1
		 RETURNING `+jobColumns,
		guildID,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFoundOrDB(err, guildID, "failed to reactivate job")
	}
	return j, nil
}

func jobNotFound(guildID int64) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundJob, "no job registered for guild", nil,
		map[string]any{"guild_id": guildID})
}

func notFoundOrDB(err error, guildID int64, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return jobNotFound(guildID)
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}
