package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portasms/dispatch/internal/dispatch/domain"
	"github.com/portasms/dispatch/internal/dispatch/repository"
)

type pgMessageRepository struct{}

func NewPgMessageRepository() repository.MessageRepository {
	return &pgMessageRepository{}
}

func (r *pgMessageRepository) Create(ctx context.Context, q repository.Querier, msg *domain.Message) error {
	query := `
		INSERT INTO messages (
			id, user_id, correlation_id, type, content, sender, recipients,
			recipient_count, cost, status, error_message, provider_name,
			provider_message_id, scheduled, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := q.Exec(ctx, query,
		msg.ID, msg.UserID, msg.CorrelationID, msg.Type, msg.Content, msg.Sender,
		msg.Recipients, msg.RecipientCount, msg.Cost, msg.Status, msg.ErrorMessage,
		msg.ProviderName, msg.ProviderMessageID, msg.Scheduled, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, user_id, correlation_id, type, content, sender, recipients,
		recipient_count, cost, status, error_message, provider_name,
		provider_message_id, scheduled, created_at`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	err := row.Scan(
		&msg.ID, &msg.UserID, &msg.CorrelationID, &msg.Type, &msg.Content, &msg.Sender,
		&msg.Recipients, &msg.RecipientCount, &msg.Cost, &msg.Status, &msg.ErrorMessage,
		&msg.ProviderName, &msg.ProviderMessageID, &msg.Scheduled, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *pgMessageRepository) GetByID(ctx context.Context, q repository.Querier, userID, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND user_id = $2`
	msg, err := scanMessage(q.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message by ID: %w", err)
	}
	return msg, nil
}

func (r *pgMessageRepository) ListByUserID(ctx context.Context, q repository.Querier, userID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := q.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func (r *pgMessageRepository) MarkResent(ctx context.Context, q repository.Querier, userID, id uuid.UUID) error {
	query := `UPDATE messages SET status = $1 WHERE id = $2 AND user_id = $3 AND status = $4`
	tag, err := q.Exec(ctx, query, domain.MessageStatusResent, id, userID, domain.MessageStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark message resent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from wrong-state for the caller.
		var status domain.MessageStatus
		err := q.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1 AND user_id = $2`, id, userID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check message status: %w", err)
		}
		return domain.ErrOnlyFailedCanResend
	}
	return nil
}
