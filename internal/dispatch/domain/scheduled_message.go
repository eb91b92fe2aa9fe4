package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScheduledStatus defines the states of a deferred send.
//
//	pending --(claimed)--> processing --(provider success)--> sent
//	                                 \--(balance/provider failure)--> failed
//	pending --(user cancels outside grace window)--> cancelled
type ScheduledStatus string

const (
	ScheduledStatusPending    ScheduledStatus = "pending"
	ScheduledStatusProcessing ScheduledStatus = "processing"
	ScheduledStatusSent       ScheduledStatus = "sent"
	ScheduledStatusFailed     ScheduledStatus = "failed"
	ScheduledStatusCancelled  ScheduledStatus = "cancelled"
)

// ScheduledMessage is a future-intent record. No balance is reserved at
// creation; cost is re-validated when the scheduler claims the job.
type ScheduledMessage struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content"`
	Sender         string          `json:"sender"`
	Recipients     []string        `json:"recipients"`
	RecipientCount int             `json:"recipient_count"`
	Cost           decimal.Decimal `json:"cost"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Status         ScheduledStatus `json:"status"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	MessageID      *uuid.UUID      `json:"message_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewScheduledMessage builds a pending ScheduledMessage.
func NewScheduledMessage(userID uuid.UUID, msgType MessageType, content, sender string, recipients []string, cost decimal.Decimal, scheduledAt time.Time) *ScheduledMessage {
	now := time.Now().UTC()
	return &ScheduledMessage{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           msgType,
		Content:        content,
		Sender:         sender,
		Recipients:     recipients,
		RecipientCount: len(recipients),
		Cost:           cost,
		ScheduledAt:    scheduledAt.UTC(),
		Status:         ScheduledStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether the job can no longer change state.
func (s ScheduledStatus) Terminal() bool {
	return s == ScheduledStatusSent || s == ScheduledStatusFailed || s == ScheduledStatusCancelled
}
