package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

const jobColumns = `id, domain_id, status, total_keywords, processed_keywords, failed_keywords,
	keyword_ids, current_keyword_id, created_at, started_at, completed_at, error`

// JobStore persists keyword check jobs in the keyword_check_jobs table.
type JobStore struct {
	pool Pool
}

// NewJobStore wraps an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job rank.Job) error {
	const query = `
INSERT INTO keyword_check_jobs (
	id, domain_id, status, total_keywords, processed_keywords, failed_keywords,
	keyword_ids, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.DomainID,
		string(job.Status),
		job.TotalKeywords,
		job.ProcessedKeywords,
		job.FailedKeywords,
		job.KeywordIDs,
		job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s: %w", job.ID, rank.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (rank.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM keyword_check_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rank.Job{}, fmt.Errorf("job %s: %w", jobID, rank.ErrNotFound)
	}
	if err != nil {
		return rank.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// TransitionJob updates status only when the row is still in one of from.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	from []rank.JobStatus,
	to rank.JobStatus,
	at time.Time,
	errText string,
) (rank.Job, error) {
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		if rank.CanTransition(st, to) {
			allowed = append(allowed, string(st))
		}
	}
	if len(allowed) > 0 {
		const query = `
UPDATE keyword_check_jobs SET
	status = $2,
	started_at = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, $4) ELSE started_at END,
	completed_at = CASE WHEN $5 THEN COALESCE(completed_at, $4) ELSE completed_at END,
	current_keyword_id = CASE WHEN $5 THEN NULL ELSE current_keyword_id END,
	error = CASE WHEN $5 THEN $6 ELSE error END
WHERE id = $1 AND status = ANY($3)
RETURNING ` + jobColumns
		row := s.pool.QueryRow(ctx, query, jobID, string(to), allowed, at.UTC(), to.Terminal(), nullString(errText))
		job, err := scanJob(row)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return rank.Job{}, fmt.Errorf("transition job: %w", err)
		}
	}
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return rank.Job{}, err
	}
	return current, &rank.TransitionError{JobID: jobID, Current: current.Status, Target: to}
}

// UpdateProgress writes counters and the current keyword. The table's CHECK
// constraint rejects counters outside 0 <= failed <= processed <= total.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress rank.Progress) error {
	const query = `
UPDATE keyword_check_jobs SET
	processed_keywords = $2,
	failed_keywords = $3,
	current_keyword_id = CASE WHEN status IN ('pending', 'processing') THEN $4 ELSE current_keyword_id END
WHERE id = $1 AND processed_keywords <= $2 AND failed_keywords <= $3`
	tag, err := s.pool.Exec(ctx, query, jobID, progress.Processed, progress.Failed, nullString(progress.CurrentKeywordID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("job %s: %w", jobID, rank.ErrInvalidProgress)
		}
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s: %w: counters may not decrease", jobID, rank.ErrInvalidProgress)
	}
	return nil
}

// ListJobsByStatus returns jobs in any of statuses, oldest first.
func (s *JobStore) ListJobsByStatus(ctx context.Context, statuses ...rank.JobStatus) ([]rank.Job, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM keyword_check_jobs WHERE status = ANY($1) ORDER BY created_at`,
		values)
}

// ListActiveJobsForDomain returns the domain's pending and processing jobs.
func (s *JobStore) ListActiveJobsForDomain(ctx context.Context, domainID string) ([]rank.Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM keyword_check_jobs
WHERE domain_id = $1 AND status IN ('pending', 'processing') ORDER BY created_at`,
		domainID)
}

func (s *JobStore) list(ctx context.Context, query string, args ...any) ([]rank.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	jobs := make([]rank.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (rank.Job, error) {
	var (
		job       rank.Job
		status    string
		currentKW *string
		errText   *string
	)
	if err := row.Scan(
		&job.ID,
		&job.DomainID,
		&status,
		&job.TotalKeywords,
		&job.ProcessedKeywords,
		&job.FailedKeywords,
		&job.KeywordIDs,
		&currentKW,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&errText,
	); err != nil {
		return rank.Job{}, err //nolint:wrapcheck // callers wrap and match pgx.ErrNoRows
	}
	job.Status = rank.JobStatus(status)
	job.CurrentKeywordID = derefString(currentKW)
	job.Error = derefString(errText)
	return job, nil
}
