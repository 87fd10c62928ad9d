package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxConsecutiveFails retires a circuit after this many unhealthy
// marks without an intervening successful release.
const DefaultMaxConsecutiveFails = 3

// Circuit is one independently-addressable anonymizing egress path.
type Circuit struct {
	ID            string
	Slot          int
	Endpoint      *url.URL
	LastRotatedAt time.Time
}

// Rotator requests a fresh egress identity for a slot. Implementations
// talk to the underlying proxy mechanism's control interface.
type Rotator interface {
	Rotate(ctx context.Context, slot int, current *url.URL) (*url.URL, error)
}

// Config holds circuit pool configuration
type Config struct {
	Endpoints           []string
	MaxConsecutiveFails int
	RotationTimeout     time.Duration
}

// Pool manages a fixed set of egress circuits. At most one worker holds
// a circuit at a time; the free list is the only structure shared across
// workers and is guarded by channel send/receive.
type Pool struct {
	free    chan *Circuit
	logger  *slog.Logger
	rotator Rotator

	maxFails    int
	rotationTTL time.Duration

	mu      sync.Mutex
	fails   map[int]int // consecutive unhealthy marks per slot
	retired map[int]bool
	healthy int
	slots   int
}

// NewPool builds a pool with one circuit per configured endpoint.
func NewPool(cfg *Config, rotator Rotator, logger *slog.Logger) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no proxy endpoints configured")
	}

	maxFails := cfg.MaxConsecutiveFails
	if maxFails <= 0 {
		maxFails = DefaultMaxConsecutiveFails
	}

	rotationTTL := cfg.RotationTimeout
	if rotationTTL <= 0 {
		rotationTTL = 10 * time.Second
	}

	p := &Pool{
		free:        make(chan *Circuit, len(cfg.Endpoints)),
		logger:      logger,
		rotator:     rotator,
		maxFails:    maxFails,
		rotationTTL: rotationTTL,
		fails:       make(map[int]int),
		retired:     make(map[int]bool),
		healthy:     len(cfg.Endpoints),
		slots:       len(cfg.Endpoints),
	}

	for slot, raw := range cfg.Endpoints {
		endpoint, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy endpoint %q: %w", raw, err)
		}
		p.free <- &Circuit{
			ID:            uuid.New().String(),
			Slot:          slot,
			Endpoint:      endpoint,
			LastRotatedAt: time.Now(),
		}
	}

	return p, nil
}

// Acquire blocks until a healthy, unassigned circuit is available or the
// context is canceled. Circuits come back in FIFO order, which spreads
// load round-robin across healthy slots.
func (p *Pool) Acquire(ctx context.Context) (*Circuit, error) {
	select {
	case circuit := <-p.free:
		p.logger.Debug("Circuit acquired",
			slog.String("circuit_id", circuit.ID),
			slog.Int("slot", circuit.Slot),
		)
		return circuit, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a circuit to the pool and clears its consecutive
// failure count.
func (p *Pool) Release(circuit *Circuit) {
	if circuit == nil {
		return
	}

	p.mu.Lock()
	p.fails[circuit.Slot] = 0
	p.mu.Unlock()

	p.free <- circuit

	p.logger.Debug("Circuit released",
		slog.String("circuit_id", circuit.ID),
		slog.Int("slot", circuit.Slot),
	)
}

// MarkUnhealthy removes a circuit from rotation and schedules a rotation
// attempt. After maxFails consecutive marks the circuit is retired and a
// replacement identity is requested for the slot.
func (p *Pool) MarkUnhealthy(circuit *Circuit) {
	if circuit == nil {
		return
	}

	p.mu.Lock()
	p.fails[circuit.Slot]++
	count := p.fails[circuit.Slot]
	p.mu.Unlock()

	p.logger.Warn("Circuit marked unhealthy",
		slog.String("circuit_id", circuit.ID),
		slog.Int("slot", circuit.Slot),
		slog.Int("consecutive_fails", count),
	)

	if count >= p.maxFails {
		go p.replaceSlot(circuit)
		return
	}

	go p.recycle(circuit)
}

// recycle rotates the circuit's identity best-effort and returns it to
// the pool.
func (p *Pool) recycle(circuit *Circuit) {
	if p.rotator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.rotationTTL)
		defer cancel()

		endpoint, err := p.rotator.Rotate(ctx, circuit.Slot, circuit.Endpoint)
		if err != nil {
			p.logger.Warn("Circuit rotation failed, returning as-is",
				slog.String("circuit_id", circuit.ID),
				slog.Int("slot", circuit.Slot),
				slog.String("error", err.Error()),
			)
		} else {
			circuit.Endpoint = endpoint
			circuit.LastRotatedAt = time.Now()
		}
	}

	p.free <- circuit
}

// replaceSlot retires the circuit and requests a new egress identity on
// the same slot. Without a rotator, or when rotation fails, the slot
// stays retired and pool capacity shrinks.
func (p *Pool) replaceSlot(circuit *Circuit) {
	if p.rotator == nil {
		p.retire(circuit.Slot)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.rotationTTL)
	defer cancel()

	endpoint, err := p.rotator.Rotate(ctx, circuit.Slot, circuit.Endpoint)
	if err != nil {
		p.logger.Error("Failed to replace retired circuit",
			slog.Int("slot", circuit.Slot),
			slog.String("error", err.Error()),
		)
		p.retire(circuit.Slot)
		return
	}

	replacement := &Circuit{
		ID:            uuid.New().String(),
		Slot:          circuit.Slot,
		Endpoint:      endpoint,
		LastRotatedAt: time.Now(),
	}

	p.mu.Lock()
	p.fails[circuit.Slot] = 0
	p.mu.Unlock()

	p.free <- replacement

	p.logger.Info("Circuit replaced",
		slog.String("old_circuit_id", circuit.ID),
		slog.String("new_circuit_id", replacement.ID),
		slog.Int("slot", circuit.Slot),
	)
}

func (p *Pool) retire(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.retired[slot] {
		p.retired[slot] = true
		p.healthy--
		p.logger.Error("Circuit slot retired",
			slog.Int("slot", slot),
			slog.Int("healthy_remaining", p.healthy),
		)
	}
}

// HealthyCount reports the number of circuits still in rotation
// (assigned or free). This bounds concurrent job throughput.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Size reports the configured number of slots.
func (p *Pool) Size() int {
	return p.slots
}
