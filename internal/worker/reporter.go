package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/progress"
)

// ProgressStore mirrors stage progress into the job row.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, jobID string, attempt int, stage string, percent int) error
}

// ProgressReporter writes each stage boundary to the job row and pushes
// the same event to live observers. The row write is the durable side;
// the push is best-effort.
type ProgressReporter struct {
	storage ProgressStore
	sink    progress.Sink
	logger  *slog.Logger
}

// NewProgressReporter creates a reporter over the given store and sink.
func NewProgressReporter(storage ProgressStore, sink progress.Sink, logger *slog.Logger) *ProgressReporter {
	return &ProgressReporter{
		storage: storage,
		sink:    sink,
		logger:  logger,
	}
}

func (r *ProgressReporter) Report(ctx context.Context, job *domain.Job, stage string, percent int) {
	if err := r.storage.UpdateProgress(ctx, job.JobID, job.AttemptCount, stage, percent); err != nil {
		r.logger.Warn("Failed to record job progress",
			slog.String("job_id", job.JobID),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
	}

	r.sink.Publish(progress.Event{
		JobID:     job.JobID,
		Stage:     stage,
		Percent:   percent,
		Timestamp: time.Now().UTC(),
	})
}
