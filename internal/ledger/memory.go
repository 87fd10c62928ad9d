package ledger

import (
	"context"
	"sync"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

type memEntry struct {
	ownerID string
	jobID   string
	kind    string
	amount  int
}

// MemoryLedger is an in-memory Ledger with the same idempotence
// guarantees as the Postgres implementation. Used in tests and local
// development.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []memEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) balanceLocked(ownerID string) int {
	balance := 0
	for _, e := range l.entries {
		if e.ownerID != ownerID {
			continue
		}
		if e.kind == KindDebit {
			balance -= e.amount
		} else {
			balance += e.amount
		}
	}
	return balance
}

func (l *MemoryLedger) Balance(ctx context.Context, ownerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(ownerID), nil
}

func (l *MemoryLedger) Debit(ctx context.Context, ownerID, jobID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balanceLocked(ownerID) < amount {
		return domain.ErrInsufficientCredits
	}

	l.entries = append(l.entries, memEntry{ownerID: ownerID, jobID: jobID, kind: KindDebit, amount: amount})
	return nil
}

func (l *MemoryLedger) Refund(ctx context.Context, ownerID, jobID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.jobID == jobID && e.kind == KindRefund {
			return nil
		}
	}

	l.entries = append(l.entries, memEntry{ownerID: ownerID, jobID: jobID, kind: KindRefund, amount: amount})
	return nil
}

func (l *MemoryLedger) Grant(ctx context.Context, ownerID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, memEntry{ownerID: ownerID, kind: KindGrant, amount: amount})
	return nil
}

// RefundCount reports how many refund entries exist for a job.
func (l *MemoryLedger) RefundCount(jobID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, e := range l.entries {
		if e.jobID == jobID && e.kind == KindRefund {
			count++
		}
	}
	return count
}
