package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/portasms/dispatch/internal/billing/domain"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so repository methods
// can run inside the caller's transaction or standalone.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BalanceRepository reads and writes the per-user balance row. Mutations must
// only happen through the ledger service, inside the ledger's transaction.
type BalanceRepository interface {
	// Get returns the current balance without locking.
	Get(ctx context.Context, q Querier, userID uuid.UUID) (decimal.Decimal, error)
	// GetForUpdate locks the balance row for the duration of the surrounding
	// transaction so concurrent debits serialize.
	GetForUpdate(ctx context.Context, q Querier, userID uuid.UUID) (decimal.Decimal, error)
	// SetBalance overwrites the balance with the value computed by the ledger.
	SetBalance(ctx context.Context, q Querier, userID uuid.UUID, balance decimal.Decimal) error
}

// TransactionRepository appends and reads immutable ledger entries.
type TransactionRepository interface {
	Create(ctx context.Context, q Querier, txn *domain.Transaction) (*domain.Transaction, error)
	GetByUserID(ctx context.Context, q Querier, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
}

// PaymentEventRepository deduplicates payment gateway webhook events.
type PaymentEventRepository interface {
	// InsertProcessed records the gateway event id. Returns
	// domain.ErrEventAlreadyProcessed when the id was seen before.
	InsertProcessed(ctx context.Context, q Querier, eventID string) error
}
