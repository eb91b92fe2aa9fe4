package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event mirrors what downstream consumers (delivery trackers, user-facing
// inboxes) need to react to a dispatch outcome.
type Event struct {
	MessageID      uuid.UUID `json:"message_id"`
	UserID         uuid.UUID `json:"user_id"`
	Status         string    `json:"status"`
	RecipientCount int       `json:"recipient_count"`
	Cost           string    `json:"cost"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier publishes dispatch outcomes. Implementations must be
// fire-and-forget: a publish failure is logged, never propagated, so a broker
// outage cannot fail a send that already committed.
type Notifier interface {
	MessageSent(ctx context.Context, ev Event)
	MessageFailed(ctx context.Context, ev Event)
}

// Publisher is the broker subset the NATS notifier needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

const (
	subjectMessageSent   = "sms.message.sent"
	subjectMessageFailed = "sms.message.failed"
)

// NATSNotifier publishes JSON events to NATS subjects.
type NATSNotifier struct {
	broker Publisher
	logger *slog.Logger
}

func NewNATSNotifier(broker Publisher, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{broker: broker, logger: logger.With("component", "notifier")}
}

func (n *NATSNotifier) MessageSent(ctx context.Context, ev Event) {
	n.publish(ctx, subjectMessageSent, ev)
}

func (n *NATSNotifier) MessageFailed(ctx context.Context, ev Event) {
	n.publish(ctx, subjectMessageFailed, ev)
}

func (n *NATSNotifier) publish(ctx context.Context, subject string, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to marshal notification event",
			"subject", subject, "message_id", ev.MessageID, "error", err)
		return
	}
	if err := n.broker.Publish(ctx, subject, data); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish notification event",
			"subject", subject, "message_id", ev.MessageID, "error", err)
	}
}

// NoopNotifier drops all events. Used when no broker is configured.
type NoopNotifier struct{}

func (NoopNotifier) MessageSent(ctx context.Context, ev Event)   {}
func (NoopNotifier) MessageFailed(ctx context.Context, ev Event) {}
