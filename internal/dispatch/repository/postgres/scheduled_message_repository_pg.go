package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portasms/dispatch/internal/dispatch/domain"
	"github.com/portasms/dispatch/internal/dispatch/repository"
)

type pgScheduledMessageRepository struct{}

func NewPgScheduledMessageRepository() repository.ScheduledMessageRepository {
	return &pgScheduledMessageRepository{}
}

const scheduledColumns = `id, user_id, type, content, sender, recipients, recipient_count,
		cost, status, scheduled_at, error_message, message_id, created_at, updated_at`

func scanScheduled(row pgx.Row) (*domain.ScheduledMessage, error) {
	var sm domain.ScheduledMessage
	err := row.Scan(
		&sm.ID, &sm.UserID, &sm.Type, &sm.Content, &sm.Sender, &sm.Recipients,
		&sm.RecipientCount, &sm.Cost, &sm.Status, &sm.ScheduledAt, &sm.ErrorMessage,
		&sm.MessageID, &sm.CreatedAt, &sm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

func (r *pgScheduledMessageRepository) Create(ctx context.Context, q repository.Querier, msg *domain.ScheduledMessage) error {
	query := `
		INSERT INTO scheduled_messages (
			id, user_id, type, content, sender, recipients, recipient_count,
			cost, status, scheduled_at, error_message, message_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := q.Exec(ctx, query,
		msg.ID, msg.UserID, msg.Type, msg.Content, msg.Sender, msg.Recipients,
		msg.RecipientCount, msg.Cost, msg.Status, msg.ScheduledAt, msg.ErrorMessage,
		msg.MessageID, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled message: %w", err)
	}
	return nil
}

func (r *pgScheduledMessageRepository) GetByID(ctx context.Context, q repository.Querier, userID, id uuid.UUID) (*domain.ScheduledMessage, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_messages WHERE id = $1 AND user_id = $2`
	sm, err := scanScheduled(q.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scheduled message by ID: %w", err)
	}
	return sm, nil
}

func (r *pgScheduledMessageRepository) GetByIDs(ctx context.Context, q repository.Querier, userID uuid.UUID, ids []uuid.UUID) ([]domain.ScheduledMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_messages WHERE user_id = $1 AND id = ANY($2)`
	rows, err := q.Query(ctx, query, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled message row: %w", err)
		}
		out = append(out, *sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled message rows: %w", err)
	}
	return out, nil
}

// ClaimDue selects due pending rows with SKIP LOCKED so concurrent pollers
// never block on each other, then flips them to processing in the same
// statement. The WHERE status = 'pending' in the UPDATE is the idempotency
// guard: a row already claimed elsewhere is simply not returned.
func (r *pgScheduledMessageRepository) ClaimDue(ctx context.Context, q repository.Querier, now time.Time, dueBuffer, recoveryWindow time.Duration, limit int) ([]*domain.ScheduledMessage, error) {
	query := `
		WITH due AS (
			SELECT id FROM scheduled_messages
			WHERE status = $1
			  AND scheduled_at <= $2
			  AND scheduled_at >= $3
			ORDER BY scheduled_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_messages sm
		SET status = $5, updated_at = NOW()
		FROM due
		WHERE sm.id = due.id AND sm.status = $1
		RETURNING sm.id, sm.user_id, sm.type, sm.content, sm.sender, sm.recipients,
			sm.recipient_count, sm.cost, sm.status, sm.scheduled_at, sm.error_message,
			sm.message_id, sm.created_at, sm.updated_at`

	rows, err := q.Query(ctx, query,
		domain.ScheduledStatusPending,
		now.Add(dueBuffer),
		now.Add(-recoveryWindow),
		limit,
		domain.ScheduledStatusProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due scheduled messages: %w", err)
	}
	defer rows.Close()

	var claimed []*domain.ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed row: %w", err)
		}
		claimed = append(claimed, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed rows: %w", err)
	}
	return claimed, nil
}

func (r *pgScheduledMessageRepository) MarkSent(ctx context.Context, q repository.Querier, id, messageID uuid.UUID) error {
	query := `UPDATE scheduled_messages
		SET status = $1, message_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	tag, err := q.Exec(ctx, query, domain.ScheduledStatusSent, messageID, id, domain.ScheduledStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled message sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (r *pgScheduledMessageRepository) MarkFailed(ctx context.Context, q repository.Querier, id uuid.UUID, reason string) error {
	query := `UPDATE scheduled_messages
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	tag, err := q.Exec(ctx, query, domain.ScheduledStatusFailed, reason, id, domain.ScheduledStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled message failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (r *pgScheduledMessageRepository) Cancel(ctx context.Context, q repository.Querier, userID, id uuid.UUID, graceDeadline time.Time) error {
	query := `UPDATE scheduled_messages
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3 AND status = $4 AND scheduled_at > $5`
	tag, err := q.Exec(ctx, query, domain.ScheduledStatusCancelled, id, userID, domain.ScheduledStatusPending, graceDeadline)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.ScheduledStatus
		err := q.QueryRow(ctx, `SELECT status FROM scheduled_messages WHERE id = $1 AND user_id = $2`, id, userID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check scheduled message status: %w", err)
		}
		return domain.ErrCannotCancel
	}
	return nil
}
