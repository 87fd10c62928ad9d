package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipnotes/clipnotes-be/internal/api/dto"
	"github.com/clipnotes/clipnotes-be/internal/api/storage"
	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/ledger"
	"github.com/clipnotes/clipnotes-be/internal/progress"
)

// JobStore is the persistence surface the handlers drive.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	RetryJob(ctx context.Context, jobID string) (*domain.Job, error)
	RevertRetry(ctx context.Context, jobID string) error
	DeleteIfQueued(ctx context.Context, jobID string) (bool, error)
	RequestAbort(ctx context.Context, jobID string) (bool, error)
	Snapshot(ctx context.Context, jobID string) (*progress.Snapshot, error)
}

// QueuePublisher enqueues work messages.
type QueuePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Storage     JobStore
	Publisher   QueuePublisher
	Ledger      ledger.Ledger
	Hub         *progress.Hub
	Health      HealthChecker
	JobCost     int
	MaxAttempts int
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	storage     JobStore
	publisher   QueuePublisher
	ledger      ledger.Ledger
	hub         *progress.Hub
	jobCost     int
	maxAttempts int
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		storage:     deps.Storage,
		publisher:   deps.Publisher,
		ledger:      deps.Ledger,
		hub:         deps.Hub,
		jobCost:     deps.JobCost,
		maxAttempts: deps.MaxAttempts,
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:           job.JobID,
		OwnerID:         job.OwnerID,
		SourceURL:       job.SourceURL,
		VideoID:         job.VideoID,
		SubjectHint:     job.SubjectHint,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		CurrentStage:    job.CurrentStage,
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
		ResultRef:       job.ResultRef,
		ClusterID:       job.ClusterID,
		AttemptCount:    job.AttemptCount,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
