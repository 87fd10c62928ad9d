package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/pipeline"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
)

// Disposition tells the worker loop what to do with the delivery.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Requeue returns the message for another attempt.
	Requeue
	// DeadLetter routes the message to the dead-letter queue.
	DeadLetter
)

// Outcome is the result of processing one delivery.
type Outcome struct {
	Disposition Disposition
	// CircuitFault marks the attempt's circuit as unhealthy instead of
	// releasing it clean.
	CircuitFault bool
}

// JobStore is the job-row persistence the processor drives state
// transitions through.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimJob(ctx context.Context, jobID string, redelivered bool) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, attempt int, resultRef, clusterID string) error
	FailJob(ctx context.Context, jobID string, attempt int, kind, message string) error
	RequeueJob(ctx context.Context, jobID string, attempt int, kind, message string) error
	MarkRefunded(ctx context.Context, jobID string) (bool, error)
}

// Refunder returns a job's debit to the owner's balance.
type Refunder interface {
	Refund(ctx context.Context, ownerID, jobID string, amount int) error
}

// Runner drives one job attempt through the enrichment stages.
type Runner interface {
	Run(ctx context.Context, ex *pipeline.Exchange) error
}

// Processor owns the per-delivery state machine: claim, run the
// pipeline, and pick the terminal transition and queue disposition.
type Processor struct {
	storage    JobStore
	refunder   Refunder
	runner     Runner
	jobCost    int
	jobTimeout time.Duration
	logger     *slog.Logger
}

// ProcessorConfig holds processor dependencies
type ProcessorConfig struct {
	Storage    JobStore
	Refunder   Refunder
	Runner     Runner
	JobCost    int
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(cfg *ProcessorConfig) *Processor {
	return &Processor{
		storage:    cfg.Storage,
		refunder:   cfg.Refunder,
		runner:     cfg.Runner,
		jobCost:    cfg.JobCost,
		jobTimeout: cfg.JobTimeout,
		logger:     cfg.Logger,
	}
}

// Process handles one delivery end to end and reports how the message
// should be settled. It never returns an error: every failure mode maps
// to a disposition.
func (p *Processor) Process(ctx context.Context, msg *domain.QueueMessage, redelivered bool, circuit *proxy.Circuit) Outcome {
	job, err := p.storage.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// Job row deleted (owner cancelled while queued); drop the message.
			p.logger.Warn("Dropping message for missing job",
				slog.String("job_id", msg.JobID),
			)
			return Outcome{Disposition: Ack}
		}
		p.logger.Error("Failed to load job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return Outcome{Disposition: Requeue}
	}

	// Duplicate delivery of an already-settled job acks without work. A
	// FAILED job whose refund never reached the ledger gets one more
	// refund attempt here before the message is dropped.
	if domain.IsTerminal(job.Status) {
		if job.Status == domain.JobStatusFailed && !job.Refunded {
			p.refund(ctx, job)
		}
		p.logger.Info("Job already terminal, dropping duplicate delivery",
			slog.String("job_id", msg.JobID),
			slog.String("status", job.Status),
		)
		return Outcome{Disposition: Ack}
	}

	job, err = p.storage.ClaimJob(ctx, msg.JobID, redelivered)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			p.logger.Warn("Job claimed elsewhere, dropping delivery",
				slog.String("job_id", msg.JobID),
			)
			return Outcome{Disposition: Ack}
		}
		p.logger.Error("Failed to claim job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return Outcome{Disposition: Requeue}
	}

	if job.AttemptCount > job.MaxAttempts {
		return p.poison(ctx, job, fmt.Errorf("attempt budget exhausted after %d attempts", job.MaxAttempts))
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	ex := &pipeline.Exchange{Job: job, Circuit: circuit}
	runErr := p.runner.Run(jobCtx, ex)

	if runErr == nil {
		if err := p.storage.CompleteJob(ctx, job.JobID, job.AttemptCount, ex.ResultRef, ex.ClusterID); err != nil {
			// Artifact is persisted; a rerun would duplicate it. Keep the
			// ack and let the stuck row surface through monitoring.
			p.logger.Error("Job finished but completion update failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		return Outcome{Disposition: Ack}
	}

	return p.settleFailure(ctx, job, ex, runErr)
}

// settleFailure maps a pipeline error onto the job row and the queue.
func (p *Processor) settleFailure(ctx context.Context, job *domain.Job, ex *pipeline.Exchange, runErr error) Outcome {
	kind := domain.KindOf(runErr)

	if kind == domain.KindAborted {
		if err := p.storage.FailJob(ctx, job.JobID, job.AttemptCount, kind, runErr.Error()); err != nil {
			p.logger.Error("Failed to record abort",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		p.refund(ctx, job)
		return Outcome{Disposition: Ack}
	}

	if domain.Retryable(runErr) {
		// A failure before any transcript arrived, or an explicit
		// rate-limit, counts against the circuit.
		fault := kind == domain.KindRateLimited ||
			(kind == domain.KindTransient && ex.Transcript == nil)

		if job.AttemptCount < job.MaxAttempts {
			if err := p.storage.RequeueJob(ctx, job.JobID, job.AttemptCount, kind, runErr.Error()); err != nil {
				p.logger.Error("Failed to requeue job",
					slog.String("job_id", job.JobID),
					slog.String("error", err.Error()),
				)
			}
			return Outcome{Disposition: Requeue, CircuitFault: fault}
		}

		out := p.poison(ctx, job, runErr)
		out.CircuitFault = fault
		return out
	}

	// Terminal on the first attempt: NOT_FOUND, UNSUPPORTED, STAGE_FAILURE.
	if err := p.storage.FailJob(ctx, job.JobID, job.AttemptCount, kind, runErr.Error()); err != nil {
		p.logger.Error("Failed to record job failure",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	p.refund(ctx, job)
	return Outcome{Disposition: Ack}
}

// poison settles a job whose attempt budget is spent: the row goes
// FAILED with the POISON kind and the message is dead-lettered for
// inspection.
func (p *Processor) poison(ctx context.Context, job *domain.Job, cause error) Outcome {
	p.logger.Warn("Job exhausted attempt budget, dead-lettering",
		slog.String("job_id", job.JobID),
		slog.Int("attempt_count", job.AttemptCount),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("cause", cause.Error()),
	)

	message := fmt.Sprintf("attempt budget exhausted: %s", cause.Error())
	if err := p.storage.FailJob(ctx, job.JobID, job.AttemptCount, domain.KindPoison, message); err != nil {
		p.logger.Error("Failed to record poison failure",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	p.refund(ctx, job)
	return Outcome{Disposition: DeadLetter}
}

// refund returns the job's debit at most once. The ledger write goes
// first: its uniqueness constraint absorbs concurrent callers, and the
// job-row flag flips only after the credit landed, so a failed ledger
// call leaves the flag clear for a later delivery to retry.
func (p *Processor) refund(ctx context.Context, job *domain.Job) {
	if job.Refunded {
		return
	}

	if err := p.refunder.Refund(ctx, job.OwnerID, job.JobID, p.jobCost); err != nil {
		p.logger.Error("Failed to refund job debit",
			slog.String("job_id", job.JobID),
			slog.String("owner_id", job.OwnerID),
			slog.String("error", err.Error()),
		)
		return
	}

	if _, err := p.storage.MarkRefunded(ctx, job.JobID); err != nil {
		// The credit is in the ledger; a rerun of this path is a no-op
		// there, so losing the flag update costs nothing.
		p.logger.Error("Failed to mark job refunded",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}

	p.logger.Info("Job debit refunded",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", job.OwnerID),
		slog.Int("amount", p.jobCost),
	)
}
