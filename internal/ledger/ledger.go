package ledger

import (
	"context"
)

// Entry kinds
const (
	KindGrant  = "GRANT"
	KindDebit  = "DEBIT"
	KindRefund = "REFUND"
)

// Ledger is the external balance-tracking collaborator. Jobs are debited
// at submission and refunded when they terminate FAILED after exhausting
// retries. Refund must be idempotent per job.
type Ledger interface {
	Debit(ctx context.Context, ownerID, jobID string, amount int) error
	Refund(ctx context.Context, ownerID, jobID string, amount int) error
	Balance(ctx context.Context, ownerID string) (int, error)
}
