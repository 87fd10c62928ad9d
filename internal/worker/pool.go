package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine. A
// circuit is acquired BEFORE taking a message, so when every healthy
// circuit is held no further messages are consumed and the excess sits
// on the broker.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		circuit, err := w.circuits.Acquire(ctx)
		if err != nil {
			w.logger.Info("Worker goroutine stopping - circuit acquire canceled",
				slog.String("worker_name", workerName),
			)
			return
		}

		select {
		case <-w.stopChan:
			w.circuits.Release(circuit)
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.circuits.Release(circuit)
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.circuits.Release(circuit)
				w.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("circuit_id", circuit.ID),
			)

			outcome := w.processor.Process(ctx, msg, msg.Redelivered, circuit)

			w.settle(msg, outcome, workerName)

			if outcome.CircuitFault {
				w.circuits.MarkUnhealthy(circuit)
			} else {
				w.circuits.Release(circuit)
			}
		}
	}
}

// settle acks or nacks the delivery according to the processing outcome.
func (w *Worker) settle(msg *domain.QueueMessage, outcome Outcome, workerName string) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
		)
		return
	}

	var err error
	switch outcome.Disposition {
	case Ack:
		err = channel.Ack(msg.DeliveryTag, false)
	case Requeue:
		err = channel.Nack(msg.DeliveryTag, false, true)
	case DeadLetter:
		// requeue=false routes through the queue's dead-letter exchange
		err = channel.Nack(msg.DeliveryTag, false, false)
	}

	if err != nil {
		w.logger.Error("Failed to settle message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Debug("Message settled",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.Int("disposition", int(outcome.Disposition)),
	)
}
