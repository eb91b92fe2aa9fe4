package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/repository"
)

const uniqueViolationCode = "23505"

type PgPaymentEventRepository struct {
	logger *slog.Logger
}

func NewPgPaymentEventRepository(logger *slog.Logger) repository.PaymentEventRepository {
	return &PgPaymentEventRepository{logger: logger}
}

func (r *PgPaymentEventRepository) InsertProcessed(ctx context.Context, q repository.Querier, eventID string) error {
	query := `INSERT INTO processed_payment_events (event_id, processed_at) VALUES ($1, $2)`
	_, err := q.Exec(ctx, query, eventID, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return domain.ErrEventAlreadyProcessed
		}
		r.logger.ErrorContext(ctx, "Error recording processed payment event", "error", err, "event_id", eventID)
		return err
	}
	return nil
}
