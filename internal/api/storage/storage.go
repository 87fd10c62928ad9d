package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/progress"
	"github.com/clipnotes/clipnotes-be/shared/postgresql"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const jobColumns = `
	job_id, owner_id, source_url, video_id, subject_hint, status,
	progress_percent, current_stage, error_kind, error_message,
	COALESCE(result_ref, '') AS result_ref,
	COALESCE(cluster_id, '') AS cluster_id,
	attempt_count, max_attempts, refunded, abort_requested,
	created_at, updated_at`

func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, owner_id, source_url, video_id, subject_hint,
			status, max_attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.OwnerID,
		job.SourceURL,
		job.VideoID,
		job.SubjectHint,
		job.Status,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	OwnerID  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// RetryJob re-enqueues a FAILED job with a fresh attempt budget. The
// status check is part of the UPDATE so a concurrent retry or worker
// claim cannot race it. The previous failure stays on the row until
// the next attempt settles, which also lets RevertRetry restore the
// job unchanged if the queue publish fails.
func (s *Storage) RetryJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempt_count = 0,
		    progress_percent = 0,
		    current_stage = '',
		    abort_requested = FALSE,
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
		RETURNING` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusQueued, jobID, domain.JobStatusFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing job from a wrong-state one.
			if _, getErr := s.GetJobByID(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrInvalidState
		}
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}

	return &job, nil
}

// RevertRetry puts a retried job back to FAILED after its queue message
// could not be published, so a later retry is still possible. The
// failure fields survived the retry reset and need no restoring.
func (s *Storage) RevertRetry(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE job_id = $2 AND status = $3`,
		domain.JobStatusFailed, jobID, domain.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to revert job retry: %w", err)
	}
	return nil
}

// DeleteIfQueued removes a job that has not started processing. Returns
// false when the job exists but is no longer QUEUED.
func (s *Storage) DeleteIfQueued(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE job_id = $1 AND status = $2`,
		jobID, domain.JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// RequestAbort flags a PROCESSING job for cancellation. The worker
// honors the flag at the next stage boundary. Returns false when the
// job is not currently PROCESSING.
func (s *Storage) RequestAbort(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET abort_requested = TRUE, updated_at = NOW() WHERE job_id = $1 AND status = $2`,
		jobID, domain.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to request abort: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// Snapshot reads the polling view of a job straight from the job row.
func (s *Storage) Snapshot(ctx context.Context, jobID string) (*progress.Snapshot, error) {
	query := `
		SELECT job_id, status, current_stage AS stage, progress_percent AS percent,
		       COALESCE(result_ref, '') AS result_ref, error_message
		FROM jobs
		WHERE job_id = $1
	`

	var snap struct {
		JobID        string `db:"job_id"`
		Status       string `db:"status"`
		Stage        string `db:"stage"`
		Percent      int    `db:"percent"`
		ResultRef    string `db:"result_ref"`
		ErrorMessage string `db:"error_message"`
	}

	if err := s.db.GetContext(ctx, &snap, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job snapshot: %w", err)
	}

	return &progress.Snapshot{
		JobID:        snap.JobID,
		Status:       snap.Status,
		Stage:        snap.Stage,
		Percent:      snap.Percent,
		ResultRef:    snap.ResultRef,
		ErrorMessage: snap.ErrorMessage,
	}, nil
}
