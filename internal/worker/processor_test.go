package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/pipeline"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
)

type fakeStore struct {
	job       *domain.Job
	getErr    error
	claimErr  error
	completed []string
	failed    []string // recorded error kinds
	requeued  []string
	claims    int
}

func (f *fakeStore) GetJob(context.Context, string) (*domain.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	copied := *f.job
	return &copied, nil
}

func (f *fakeStore) ClaimJob(_ context.Context, _ string, redelivered bool) (*domain.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.job.Status != domain.JobStatusQueued &&
		!(redelivered && f.job.Status == domain.JobStatusProcessing) {
		return nil, domain.ErrJobAlreadyClaimed
	}
	f.claims++
	f.job.Status = domain.JobStatusProcessing
	f.job.AttemptCount++
	copied := *f.job
	return &copied, nil
}

// The mutators mirror the attempt guard of the real store: a write from
// an attempt that no longer owns the row is a no-op.
func (f *fakeStore) CompleteJob(_ context.Context, jobID string, attempt int, resultRef, _ string) error {
	if attempt != f.job.AttemptCount {
		return domain.ErrInvalidState
	}
	f.job.Status = domain.JobStatusCompleted
	f.job.ResultRef = resultRef
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, _ string, attempt int, kind, message string) error {
	if attempt != f.job.AttemptCount {
		return domain.ErrInvalidState
	}
	f.job.Status = domain.JobStatusFailed
	f.job.ErrorKind = kind
	f.job.ErrorMessage = message
	f.failed = append(f.failed, kind)
	return nil
}

func (f *fakeStore) RequeueJob(_ context.Context, _ string, attempt int, kind, _ string) error {
	if attempt != f.job.AttemptCount {
		return domain.ErrInvalidState
	}
	f.job.Status = domain.JobStatusQueued
	f.job.ErrorKind = kind
	f.requeued = append(f.requeued, kind)
	return nil
}

func (f *fakeStore) MarkRefunded(context.Context, string) (bool, error) {
	if f.job.Refunded {
		return false, nil
	}
	f.job.Refunded = true
	return true, nil
}

type fakeRefunder struct {
	refunds int
	amounts []int
	errOnce error // returned on the first call, then cleared
}

func (f *fakeRefunder) Refund(_ context.Context, _, _ string, amount int) error {
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return err
	}
	f.refunds++
	f.amounts = append(f.amounts, amount)
	return nil
}

type fakeRunner struct {
	err       error
	runs      int
	resultRef string
	sawFetch  bool   // leaves a transcript on the exchange before failing
	onRun     func() // invoked mid-run, before the result is returned
}

func (f *fakeRunner) Run(_ context.Context, ex *pipeline.Exchange) error {
	f.runs++
	if f.sawFetch {
		ex.Transcript = &domain.Transcript{VideoID: ex.Job.VideoID}
	}
	if f.onRun != nil {
		f.onRun()
	}
	if f.err != nil {
		return f.err
	}
	ex.ResultRef = f.resultRef
	ex.ClusterID = "cluster-1"
	return nil
}

func queuedJob(attempts, max int) *domain.Job {
	return &domain.Job{
		JobID:        "5f3c0c2e-95a6-4f4e-a1f5-37e3a3f0a001",
		OwnerID:      "owner-1",
		VideoID:      "dQw4w9WgXcQ",
		Status:       domain.JobStatusQueued,
		AttemptCount: attempts,
		MaxAttempts:  max,
	}
}

func newTestProcessor(store *fakeStore, runner *fakeRunner, refunder *fakeRefunder) *Processor {
	return NewProcessor(&ProcessorConfig{
		Storage:    store,
		Refunder:   refunder,
		Runner:     runner,
		JobCost:    5,
		JobTimeout: time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testMessage(jobID string) *domain.QueueMessage {
	return &domain.QueueMessage{JobID: jobID}
}

func testCircuit() *proxy.Circuit {
	return &proxy.Circuit{ID: "circuit-1", Slot: 0}
}

func TestProcessor_SuccessfulJob(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{resultRef: "ref-1"}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.False(t, out.CircuitFault)
	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	assert.Equal(t, "ref-1", store.job.ResultRef)
	assert.Zero(t, refunder.refunds, "a completed job keeps its debit")
}

func TestProcessor_MissingJobIsDropped(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3), getErr: domain.ErrJobNotFound}
	runner := &fakeRunner{}
	p := newTestProcessor(store, runner, &fakeRefunder{})

	out := p.Process(context.Background(), testMessage("unknown"), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Zero(t, runner.runs)
}

func TestProcessor_TerminalJobIsDropped(t *testing.T) {
	job := queuedJob(1, 3)
	job.Status = domain.JobStatusCompleted
	store := &fakeStore{job: job}
	runner := &fakeRunner{}
	p := newTestProcessor(store, runner, &fakeRefunder{})

	out := p.Process(context.Background(), testMessage(job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Zero(t, runner.runs, "terminal jobs never start another attempt")
	assert.Zero(t, store.claims)
}

func TestProcessor_AlreadyClaimedIsDropped(t *testing.T) {
	job := queuedJob(1, 3)
	job.Status = domain.JobStatusProcessing
	store := &fakeStore{job: job}
	runner := &fakeRunner{}
	p := newTestProcessor(store, runner, &fakeRefunder{})

	// not a redelivery, so the PROCESSING row belongs to a live attempt
	out := p.Process(context.Background(), testMessage(job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Zero(t, runner.runs)
}

func TestProcessor_RedeliveryReclaimsProcessingJob(t *testing.T) {
	job := queuedJob(1, 3)
	job.Status = domain.JobStatusProcessing
	store := &fakeStore{job: job}
	runner := &fakeRunner{resultRef: "ref-1"}
	p := newTestProcessor(store, runner, &fakeRefunder{})

	out := p.Process(context.Background(), testMessage(job.JobID), true, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, 1, store.claims)
	assert.Equal(t, 1, runner.runs)
	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
}

func TestProcessor_TransientFailureRequeues(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.Transient(errors.New("connection reset")), sawFetch: true}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Requeue, out.Disposition)
	assert.False(t, out.CircuitFault, "failure after a successful fetch is not the circuit's fault")
	assert.Equal(t, []string{domain.KindTransient}, store.requeued)
	assert.Equal(t, domain.JobStatusQueued, store.job.Status)
	assert.Zero(t, refunder.refunds, "requeued jobs keep their debit")
}

func TestProcessor_RateLimitFaultsCircuit(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.RateLimited(errors.New("429 from origin"))}
	p := newTestProcessor(store, runner, &fakeRefunder{})

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Requeue, out.Disposition)
	assert.True(t, out.CircuitFault)
}

func TestProcessor_FetchFailureFaultsCircuit(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.Transient(errors.New("proxy unreachable"))}
	p := newTestProcessor(store, runner, &fakeRefunder{})

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Requeue, out.Disposition)
	assert.True(t, out.CircuitFault, "transient failure with no transcript blames the circuit")
}

func TestProcessor_AttemptBudgetExhaustion(t *testing.T) {
	// third attempt of a max-3 job fails: the job dead-letters, not requeues
	store := &fakeStore{job: queuedJob(2, 3)}
	runner := &fakeRunner{err: domain.Transient(errors.New("still failing")), sawFetch: true}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, DeadLetter, out.Disposition)
	require.Equal(t, []string{domain.KindPoison}, store.failed)
	assert.Equal(t, domain.JobStatusFailed, store.job.Status)
	assert.Equal(t, 1, refunder.refunds)
	assert.Equal(t, []int{5}, refunder.amounts)
}

func TestProcessor_NotFoundFailsOnFirstAttempt(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.NotFound(errors.New("no transcript track"))}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition, "terminal failures never dead-letter")
	assert.Equal(t, []string{domain.KindNotFound}, store.failed)
	assert.Empty(t, store.requeued, "NOT_FOUND consumes a single attempt")
	assert.Equal(t, 1, refunder.refunds)
}

func TestProcessor_StageFailureIsTerminal(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.StageFailure("summarize", errors.New("bad model output")), sawFetch: true}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, []string{domain.KindStageFailure}, store.failed)
	assert.Equal(t, 1, refunder.refunds)
}

func TestProcessor_AbortedJobRefundsAndAcks(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.Aborted(), sawFetch: true}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, []string{domain.KindAborted}, store.failed)
	assert.Equal(t, 1, refunder.refunds)
}

func TestProcessor_RefundHappensOnce(t *testing.T) {
	job := queuedJob(0, 3)
	job.Refunded = true
	store := &fakeStore{job: job}
	runner := &fakeRunner{err: domain.NotFound(errors.New("gone"))}
	refunder := &fakeRefunder{}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Zero(t, refunder.refunds, "an earlier lifetime already returned this debit")
}

func TestProcessor_RefundRetriedAfterLedgerError(t *testing.T) {
	store := &fakeStore{job: queuedJob(0, 3)}
	runner := &fakeRunner{err: domain.NotFound(errors.New("no transcript track"))}
	refunder := &fakeRefunder{errOnce: errors.New("ledger unavailable")}
	p := newTestProcessor(store, runner, refunder)

	out := p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.False(t, store.job.Refunded, "the flag only flips after the ledger credit lands")
	assert.Zero(t, refunder.refunds)

	// A duplicate delivery of the now-FAILED job retries the refund
	// before dropping the message.
	out = p.Process(context.Background(), testMessage(store.job.JobID), false, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Equal(t, 1, refunder.refunds)
	assert.True(t, store.job.Refunded)
	assert.Equal(t, 1, runner.runs, "a duplicate delivery never reruns the pipeline")
}

func TestProcessor_StaleAttemptCannotSettleJob(t *testing.T) {
	job := queuedJob(1, 3)
	job.Status = domain.JobStatusProcessing
	store := &fakeStore{job: job}
	runner := &fakeRunner{resultRef: "ref-1"}
	// Another worker reclaims the job while this attempt is mid-run.
	runner.onRun = func() { store.job.AttemptCount++ }
	p := newTestProcessor(store, runner, &fakeRefunder{})

	out := p.Process(context.Background(), testMessage(job.JobID), true, testCircuit())

	assert.Equal(t, Ack, out.Disposition)
	assert.Empty(t, store.completed, "a superseded attempt cannot settle the job")
	assert.Equal(t, domain.JobStatusProcessing, store.job.Status,
		"the row still belongs to the attempt that reclaimed it")
}
