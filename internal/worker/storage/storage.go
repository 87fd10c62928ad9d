package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db           *sqlx.DB
	reclaimAfter time.Duration
	logger       *slog.Logger
}

// NewStorage creates a new Storage instance. reclaimAfter is how long a
// PROCESSING row must sit untouched before a redelivery may reclaim it;
// it should be at least the worker's job timeout so a live attempt is
// never claimed out from under its worker.
func NewStorage(db *sqlx.DB, reclaimAfter time.Duration, logger *slog.Logger) *Storage {
	if reclaimAfter <= 0 {
		reclaimAfter = 10 * time.Minute
	}
	return &Storage{
		db:           db,
		reclaimAfter: reclaimAfter,
		logger:       logger,
	}
}

const jobColumns = `
	job_id, owner_id, source_url, video_id, subject_hint, status,
	progress_percent, current_stage, error_kind, error_message,
	COALESCE(result_ref, '') AS result_ref,
	COALESCE(cluster_id, '') AS cluster_id,
	attempt_count, max_attempts, refunded, abort_requested,
	created_at, updated_at`

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob begins an attempt using an atomic status transition. A
// QUEUED job is always claimable; a PROCESSING job is claimable only
// when the broker redelivered its message AND the row has gone stale,
// which means the worker that held the previous attempt died without
// acknowledging. The staleness check keeps a redelivery caused by a
// connection drop from starting a second attempt while the first
// worker's goroutine is still running.
func (s *Storage) ClaimJob(ctx context.Context, jobID string, redelivered bool) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempt_count = attempt_count + 1,
		    progress_percent = 0,
		    current_stage = '',
		    updated_at = NOW()
		WHERE job_id = $2
		  AND (status = $3
		       OR ($4 AND status = $1 AND updated_at < NOW() - make_interval(secs => $5)))
		RETURNING` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusProcessing, jobID, domain.JobStatusQueued, redelivered,
		s.reclaimAfter.Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not claimable",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.Int("attempt", job.AttemptCount),
	)

	return &job, nil
}

// CompleteJob records a successful attempt. The attempt guard makes a
// stale attempt's write a no-op after its job was reclaimed.
func (s *Storage) CompleteJob(ctx context.Context, jobID string, attempt int, resultRef, clusterID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    progress_percent = 100,
		    current_stage = '',
		    error_kind = '',
		    error_message = '',
		    result_ref = $2,
		    cluster_id = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE job_id = $4 AND status = $5 AND attempt_count = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCompleted, resultRef, clusterID, jobID, domain.JobStatusProcessing, attempt)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrInvalidState
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("result_ref", resultRef),
	)

	return nil
}

// FailJob records a terminal failure with its classification
func (s *Storage) FailJob(ctx context.Context, jobID string, attempt int, kind, message string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_kind = $2,
		    error_message = $3,
		    updated_at = NOW()
		WHERE job_id = $4 AND status = $5 AND attempt_count = $6
	`

	_, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFailed, kind, message, jobID, domain.JobStatusProcessing, attempt)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	s.logger.Info("Job failed",
		slog.String("job_id", jobID),
		slog.String("error_kind", kind),
	)

	return nil
}

// RequeueJob returns a job to the queue for another attempt, keeping
// the failure that caused the retry visible to pollers.
func (s *Storage) RequeueJob(ctx context.Context, jobID string, attempt int, kind, message string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_kind = $2,
		    error_message = $3,
		    updated_at = NOW()
		WHERE job_id = $4 AND status = $5 AND attempt_count = $6
	`

	_, err := s.db.ExecContext(ctx, query,
		domain.JobStatusQueued, kind, message, jobID, domain.JobStatusProcessing, attempt)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	s.logger.Info("Job requeued for retry",
		slog.String("job_id", jobID),
		slog.String("error_kind", kind),
	)

	return nil
}

// MarkRefunded flips the refund flag exactly once. It returns true only
// for the caller that wins the flip, so the ledger refund is issued by
// a single attempt even under redelivery.
func (s *Storage) MarkRefunded(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET refunded = TRUE,
		    updated_at = NOW()
		WHERE job_id = $1 AND NOT refunded
	`

	result, err := s.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job refunded: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// UpdateProgress mirrors stage progress into the job row. GREATEST
// keeps the recorded percent monotonic even if updates land out of
// order, and the attempt guard drops writes from a stale attempt whose
// job was reclaimed.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, attempt int, stage string, percent int) error {
	query := `
		UPDATE jobs
		SET progress_percent = GREATEST(progress_percent, $1),
		    current_stage = $2,
		    updated_at = NOW()
		WHERE job_id = $3 AND status = $4 AND attempt_count = $5
	`

	_, err := s.db.ExecContext(ctx, query, percent, stage, jobID, domain.JobStatusProcessing, attempt)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// AbortRequested reports whether the owner asked to cancel the job
func (s *Storage) AbortRequested(ctx context.Context, jobID string) (bool, error) {
	var aborted bool
	err := s.db.GetContext(ctx, &aborted,
		`SELECT abort_requested FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read abort flag: %w", err)
	}
	return aborted, nil
}

type clusterRow struct {
	ClusterID string `db:"cluster_id"`
	OwnerID   string `db:"owner_id"`
	Label     string `db:"label"`
	Terms     []byte `db:"terms"`
}

// ListClusters returns all subject clusters belonging to an owner
func (s *Storage) ListClusters(ctx context.Context, ownerID string) ([]*domain.SubjectCluster, error) {
	query := `
		SELECT cluster_id, owner_id, label, terms
		FROM subject_clusters
		WHERE owner_id = $1
	`

	var rows []clusterRow
	if err := s.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list subject clusters: %w", err)
	}

	clusters := make([]*domain.SubjectCluster, 0, len(rows))
	for _, row := range rows {
		terms := make(map[string]float64)
		if len(row.Terms) > 0 {
			if err := json.Unmarshal(row.Terms, &terms); err != nil {
				return nil, fmt.Errorf("failed to decode cluster terms: %w", err)
			}
		}
		clusters = append(clusters, &domain.SubjectCluster{
			ClusterID: row.ClusterID,
			OwnerID:   row.OwnerID,
			Label:     row.Label,
			Terms:     terms,
		})
	}

	return clusters, nil
}

// CreateCluster inserts a fresh subject cluster
func (s *Storage) CreateCluster(ctx context.Context, cluster *domain.SubjectCluster) error {
	terms, err := json.Marshal(cluster.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode cluster terms: %w", err)
	}

	query := `
		INSERT INTO subject_clusters (cluster_id, owner_id, label, terms)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.ExecContext(ctx, query, cluster.ClusterID, cluster.OwnerID, cluster.Label, terms); err != nil {
		return fmt.Errorf("failed to create subject cluster: %w", err)
	}

	s.logger.Info("Subject cluster created",
		slog.String("cluster_id", cluster.ClusterID),
		slog.String("owner_id", cluster.OwnerID),
		slog.String("label", cluster.Label),
	)

	return nil
}

// MergeClusterTerms folds a new term vector into an existing cluster.
// The row is locked for the read-modify-write so concurrent workers
// never lose each other's terms.
func (s *Storage) MergeClusterTerms(ctx context.Context, clusterID string, terms map[string]float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.GetContext(ctx, &raw,
		`SELECT terms FROM subject_clusters WHERE cluster_id = $1 FOR UPDATE`, clusterID)
	if err != nil {
		return fmt.Errorf("failed to read cluster terms: %w", err)
	}

	merged := make(map[string]float64)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("failed to decode cluster terms: %w", err)
		}
	}
	for token, count := range terms {
		merged[token] += count
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode cluster terms: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE subject_clusters SET terms = $1 WHERE cluster_id = $2`, encoded, clusterID)
	if err != nil {
		return fmt.Errorf("failed to update cluster terms: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cluster terms: %w", err)
	}

	return nil
}
