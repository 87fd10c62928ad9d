package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const subscriberBuffer = 16

// Hub fans progress events out to per-job live subscribers. Delivery is
// best-effort: events for a subscriber whose buffer is full are dropped,
// the durable state in the job store is the source of truth.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	logger *slog.Logger
}

// NewHub creates an empty subscription hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a live subscription for one job. The returned
// cancel function must be called when the observer goes away.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Event]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[jobID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers an event to all live subscribers of its job.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop rather than block.
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Relay feeds broker deliveries into the hub until the context is
// canceled or the delivery channel closes.
func (h *Hub) Relay(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				h.logger.Warn("Progress delivery channel closed")
				return
			}

			var event Event
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				h.logger.Warn("Malformed progress event",
					slog.String("error", err.Error()),
				)
				continue
			}

			h.Publish(event)
		}
	}
}
