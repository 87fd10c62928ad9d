package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event is one incremental progress notification. Events are ephemeral:
// the durable truth is the job row, which every event is mirrored into
// at stage boundaries.
type Event struct {
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"ts"`
}

// Snapshot is the polling read of a job's current state, served from the
// job store rather than the push channel.
type Snapshot struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	Percent      int    `json:"percent"`
	ResultRef    string `json:"result_ref,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

// Sink receives progress events. Publish must be non-blocking and
// best-effort: a slow or broken sink never stalls a worker.
type Sink interface {
	Publish(event Event)
}

// WriterSink emits line-delimited JSON events to a writer.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewWriterSink creates a sink writing one JSON event per line.
func NewWriterSink(w io.Writer, logger *slog.Logger) *WriterSink {
	return &WriterSink{w: w, logger: logger}
}

func (s *WriterSink) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("Failed to write progress event",
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// ProgressPublisher publishes to a message broker's fanout exchange.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, body []byte) error
}

// BrokerSink relays events to the progress fanout exchange.
type BrokerSink struct {
	publisher ProgressPublisher
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBrokerSink creates a sink publishing events to the broker.
func NewBrokerSink(publisher ProgressPublisher, logger *slog.Logger) *BrokerSink {
	return &BrokerSink{
		publisher: publisher,
		timeout:   2 * time.Second,
		logger:    logger,
	}
}

func (s *BrokerSink) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.publisher.PublishProgress(ctx, data); err != nil {
		s.logger.Warn("Failed to publish progress event",
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(event Event) {
	for _, sink := range m {
		sink.Publish(event)
	}
}
