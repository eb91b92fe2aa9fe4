package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageStatus defines the terminal states of a dispatched message.
type MessageStatus string

const (
	MessageStatusSent   MessageStatus = "sent"
	MessageStatusFailed MessageStatus = "failed"
	MessageStatusResent MessageStatus = "resent"
)

// MessageType classifies how a message entered the engine.
type MessageType string

const (
	MessageTypeSingle MessageType = "single"
	MessageTypeBulk   MessageType = "bulk"
)

// Message is the terminal record of one dispatch attempt. It is created after
// the provider call returns and is never mutated except for the
// failed -> resent status transition.
type Message struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	CorrelationID     uuid.UUID       `json:"correlation_id"`
	Type              MessageType     `json:"type"`
	Content           string          `json:"content"`
	Sender            string          `json:"sender"`
	Recipients        []string        `json:"recipients"`
	RecipientCount    int             `json:"recipient_count"`
	Cost              decimal.Decimal `json:"cost"`
	Status            MessageStatus   `json:"status"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ProviderName      *string         `json:"provider_name,omitempty"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	Scheduled         bool            `json:"scheduled"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NewMessage builds a Message with a fresh id and correlation id.
func NewMessage(userID uuid.UUID, msgType MessageType, content, sender string, recipients []string, cost decimal.Decimal, scheduled bool) *Message {
	return &Message{
		ID:             uuid.New(),
		UserID:         userID,
		CorrelationID:  uuid.New(),
		Type:           msgType,
		Content:        content,
		Sender:         sender,
		Recipients:     recipients,
		RecipientCount: len(recipients),
		Cost:           cost,
		Scheduled:      scheduled,
		CreatedAt:      time.Now().UTC(),
	}
}
