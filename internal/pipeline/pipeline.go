package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
)

// Exchange carries a job's accumulating state through the stages.
type Exchange struct {
	Job        *domain.Job
	Circuit    *proxy.Circuit
	Transcript *domain.Transcript
	Notes      *domain.Notes
	ClusterID  string
	Links      []CandidateLink
	ResultRef  string
}

// CandidateLink is a cross-reference computed before persistence and
// written together with the artifact.
type CandidateLink struct {
	Ref   string
	Score float64
}

// Stage is one ordered step of the enrichment pipeline. Span is the
// stage's contribution to overall percent complete.
type Stage interface {
	Name() string
	Span() (start, end int)
	Run(ctx context.Context, ex *Exchange) error
}

// Reporter receives progress at stage boundaries. Implementations
// mirror the percent into the job store, scoped to the job's current
// attempt, and push to live observers.
type Reporter interface {
	Report(ctx context.Context, job *domain.Job, stage string, percent int)
}

// AbortChecker reports whether the owner requested an abort. Checked
// between stage boundaries only: a mid-flight external call cannot be
// interrupted without risking a duplicate side effect.
type AbortChecker interface {
	AbortRequested(ctx context.Context, jobID string) (bool, error)
}

// Pipeline runs a fixed ordered list of stages against one job attempt.
type Pipeline struct {
	stages       []Stage
	reporter     Reporter
	aborts       AbortChecker
	stageTimeout time.Duration
	logger       *slog.Logger
}

// Config holds pipeline assembly settings
type Config struct {
	Reporter     Reporter
	Aborts       AbortChecker
	StageTimeout time.Duration
	Logger       *slog.Logger
}

// New assembles a pipeline over the given stages.
func New(cfg *Config, stages ...Stage) *Pipeline {
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Pipeline{
		stages:       stages,
		reporter:     cfg.Reporter,
		aborts:       cfg.Aborts,
		stageTimeout: timeout,
		logger:       cfg.Logger,
	}
}

// Run drives the exchange through every stage in order. A stage failure
// short-circuits the remaining stages; the returned error carries the
// failure classification and the originating stage.
func (p *Pipeline) Run(ctx context.Context, ex *Exchange) error {
	for _, stage := range p.stages {
		if p.aborts != nil {
			aborted, err := p.aborts.AbortRequested(ctx, ex.Job.JobID)
			if err != nil {
				return domain.Transient(fmt.Errorf("failed to check abort flag: %w", err))
			}
			if aborted {
				p.logger.Info("Job aborted between stages",
					slog.String("job_id", ex.Job.JobID),
					slog.String("next_stage", stage.Name()),
				)
				return domain.Aborted()
			}
		}

		start, end := stage.Span()
		p.reporter.Report(ctx, ex.Job, stage.Name(), start)

		stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
		stageStart := time.Now()
		err := stage.Run(stageCtx, ex)
		cancel()

		if err != nil {
			p.logger.Error("Pipeline stage failed",
				slog.String("job_id", ex.Job.JobID),
				slog.String("stage", stage.Name()),
				slog.Duration("elapsed", time.Since(stageStart)),
				slog.String("error", err.Error()),
			)
			return classifyStageError(stage.Name(), err)
		}

		p.reporter.Report(ctx, ex.Job, stage.Name(), end)

		p.logger.Debug("Pipeline stage completed",
			slog.String("job_id", ex.Job.JobID),
			slog.String("stage", stage.Name()),
			slog.Duration("elapsed", time.Since(stageStart)),
		)
	}

	return nil
}

// classifyStageError preserves pre-classified errors (the fetch stage
// classifies its own), maps stage timeouts to the transient retry path,
// and treats everything else as a terminal stage failure.
func classifyStageError(stage string, err error) error {
	var classified *domain.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(fmt.Errorf("stage %s exceeded its time budget: %w", stage, err))
	}
	return domain.StageFailure(stage, err)
}
