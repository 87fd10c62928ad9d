package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// PostgresLedger keeps the credit balance as an append-only entry table.
// Balance is grants plus refunds minus debits.
type PostgresLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresLedger creates a ledger over the given database.
func NewPostgresLedger(db *sqlx.DB, logger *slog.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, logger: logger}
}

const balanceQuery = `
	SELECT COALESCE(SUM(
		CASE WHEN kind = 'DEBIT' THEN -amount ELSE amount END
	), 0)
	FROM ledger_entries
	WHERE owner_id = $1
`

// Balance returns the owner's current credit balance.
func (l *PostgresLedger) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	if err := l.db.GetContext(ctx, &balance, balanceQuery, ownerID); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Debit charges the owner for a job. The balance check and insert run in
// one transaction, serialized per owner with an advisory lock so two
// concurrent submissions cannot both pass the check.
func (l *PostgresLedger) Debit(ctx context.Context, ownerID, jobID string, amount int) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin debit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("failed to lock owner ledger: %w", err)
	}

	var balance int
	if err := tx.GetContext(ctx, &balance, balanceQuery, ownerID); err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}

	if balance < amount {
		return domain.ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (owner_id, job_id, kind, amount)
		VALUES ($1, $2, $3, $4)
	`, ownerID, jobID, KindDebit, amount)
	if err != nil {
		return fmt.Errorf("failed to record debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}

	l.logger.Info("Job debited",
		slog.String("owner_id", ownerID),
		slog.String("job_id", jobID),
		slog.Int("amount", amount),
	)

	return nil
}

// Refund compensates a failed job. The unique (job_id, kind) index makes
// the operation idempotent: a duplicate refund inserts nothing.
func (l *PostgresLedger) Refund(ctx context.Context, ownerID, jobID string, amount int) error {
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (owner_id, job_id, kind, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, kind) WHERE job_id IS NOT NULL DO NOTHING
	`, ownerID, jobID, KindRefund, amount)
	if err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		l.logger.Warn("Refund already issued, skipping",
			slog.String("job_id", jobID),
		)
		return nil
	}

	l.logger.Info("Job refunded",
		slog.String("owner_id", ownerID),
		slog.String("job_id", jobID),
		slog.Int("amount", amount),
	)

	return nil
}

// Grant credits an owner. Used by the billing collaborator out of band;
// exposed here so operational tooling can seed balances.
func (l *PostgresLedger) Grant(ctx context.Context, ownerID string, amount int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (owner_id, kind, amount)
		VALUES ($1, $2, $3)
	`, ownerID, KindGrant, amount)
	if err != nil {
		return fmt.Errorf("failed to record grant: %w", err)
	}
	return nil
}
