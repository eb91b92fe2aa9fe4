package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/repository"
)

type PgTransactionRepository struct {
	logger *slog.Logger
}

func NewPgTransactionRepository(logger *slog.Logger) repository.TransactionRepository {
	return &PgTransactionRepository{logger: logger}
}

func (r *PgTransactionRepository) Create(ctx context.Context, q repository.Querier, txn *domain.Transaction) (*domain.Transaction, error) {
	txn.ID = uuid.New()
	txn.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO transactions (id, user_id, direction, amount, balance_after, category, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.Exec(ctx, query,
		txn.ID, txn.UserID, txn.Direction, txn.Amount, txn.BalanceAfter,
		txn.Category, txn.Description, txn.ReferenceID, txn.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating ledger transaction", "error", err, "user_id", txn.UserID)
		return nil, err
	}
	return txn, nil
}

func (r *PgTransactionRepository) GetByUserID(ctx context.Context, q repository.Querier, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	query := `
		SELECT id, user_id, direction, amount, balance_after, category, description, reference_id, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.Query(ctx, query, userID, limit, offset)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing ledger transactions", "error", err, "user_id", userID)
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var txn domain.Transaction
		err := rows.Scan(
			&txn.ID, &txn.UserID, &txn.Direction, &txn.Amount, &txn.BalanceAfter,
			&txn.Category, &txn.Description, &txn.ReferenceID, &txn.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}
