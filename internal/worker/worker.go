package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/proxy"
	"github.com/clipnotes/clipnotes-be/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Processor     *Processor
	Circuits      *proxy.Pool
	Concurrency   int
	PrefetchCount int
}

// Worker consumes job messages and drives them through the processor.
// Each in-flight job holds exactly one egress circuit, so the healthy
// circuit count bounds concurrency regardless of the goroutine count.
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	processor     *Processor
	circuits      *proxy.Pool
	concurrency   int
	prefetchCount int
	workerID      string
	jobsChan      chan *domain.QueueMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = cfg.Concurrency
	}
	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		processor:     cfg.Processor,
		circuits:      cfg.Circuits,
		concurrency:   cfg.Concurrency,
		prefetchCount: prefetch,
		workerID:      uuid.New().String(),
		jobsChan:      make(chan *domain.QueueMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start begins processing jobs. It blocks until the context is canceled
// or the delivery stream ends.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("circuits", w.circuits.Size()),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
