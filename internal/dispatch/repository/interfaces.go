package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/portasms/dispatch/internal/dispatch/domain"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so repository methods
// can run inside the caller's transaction or standalone.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MessageRepository persists terminal Message records.
type MessageRepository interface {
	Create(ctx context.Context, q Querier, msg *domain.Message) error
	GetByID(ctx context.Context, q Querier, userID, id uuid.UUID) (*domain.Message, error)
	ListByUserID(ctx context.Context, q Querier, userID uuid.UUID, limit, offset int) ([]domain.Message, error)
	// MarkResent flips a failed message to resent. Returns
	// domain.ErrOnlyFailedCanResend when the message is in any other state.
	MarkResent(ctx context.Context, q Querier, userID, id uuid.UUID) error
}

// ScheduledMessageRepository persists future-intent records and implements
// the scheduler's exclusive claim.
type ScheduledMessageRepository interface {
	Create(ctx context.Context, q Querier, msg *domain.ScheduledMessage) error
	GetByID(ctx context.Context, q Querier, userID, id uuid.UUID) (*domain.ScheduledMessage, error)
	// GetByIDs returns the user's scheduled messages among ids, for delta polling.
	GetByIDs(ctx context.Context, q Querier, userID uuid.UUID, ids []uuid.UUID) ([]domain.ScheduledMessage, error)
	// ClaimDue atomically transitions due pending jobs to processing and
	// returns them, oldest-scheduled-first, bounded to limit. A job is due
	// when scheduled_at <= now+dueBuffer and not older than the recovery
	// window. The conditional update is the exclusivity guard: a job leaves
	// pending exactly once even under concurrent scheduler instances.
	ClaimDue(ctx context.Context, q Querier, now time.Time, dueBuffer, recoveryWindow time.Duration, limit int) ([]*domain.ScheduledMessage, error)
	// MarkSent finishes a processing job, linking the produced message.
	MarkSent(ctx context.Context, q Querier, id, messageID uuid.UUID) error
	// MarkFailed finishes a processing job with the failure reason.
	MarkFailed(ctx context.Context, q Querier, id uuid.UUID, reason string) error
	// Cancel transitions pending -> cancelled, only while scheduled_at is
	// after graceDeadline. Returns domain.ErrCannotCancel when the job exists
	// but is claimed, terminal or inside the grace window.
	Cancel(ctx context.Context, q Querier, userID, id uuid.UUID, graceDeadline time.Time) error
}
