package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/repository"
)

type PgBalanceRepository struct {
	logger *slog.Logger
}

func NewPgBalanceRepository(logger *slog.Logger) repository.BalanceRepository {
	return &PgBalanceRepository{logger: logger}
}

func (r *PgBalanceRepository) Get(ctx context.Context, q repository.Querier, userID uuid.UUID) (decimal.Decimal, error) {
	return r.get(ctx, q, userID, `SELECT balance FROM user_balances WHERE user_id = $1`)
}

func (r *PgBalanceRepository) GetForUpdate(ctx context.Context, q repository.Querier, userID uuid.UUID) (decimal.Decimal, error) {
	return r.get(ctx, q, userID, `SELECT balance FROM user_balances WHERE user_id = $1 FOR UPDATE`)
}

func (r *PgBalanceRepository) get(ctx context.Context, q repository.Querier, userID uuid.UUID, query string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRow(ctx, query, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrUserNotFound
		}
		r.logger.ErrorContext(ctx, "Error reading user balance", "error", err, "user_id", userID)
		return decimal.Zero, err
	}
	return balance, nil
}

func (r *PgBalanceRepository) SetBalance(ctx context.Context, q repository.Querier, userID uuid.UUID, balance decimal.Decimal) error {
	query := `UPDATE user_balances SET balance = $1, updated_at = $2 WHERE user_id = $3`
	tag, err := q.Exec(ctx, query, balance, time.Now().UTC(), userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating user balance", "error", err, "user_id", userID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
