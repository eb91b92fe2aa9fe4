package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/repository"
)

// DB is the subset of *pgxpool.Pool required to open a unit of work.
type DB interface {
	repository.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

const paymentEventSucceeded = "payment.succeeded"

// paymentEvent is the payload the payment gateway posts to our webhook.
type paymentEvent struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	GatewayID string `json:"gateway_txn_id"`
}

// TopUpService turns verified payment gateway webhooks into balance credits.
type TopUpService struct {
	db            DB
	ledger        *LedgerService
	paymentEvents repository.PaymentEventRepository
	secret        []byte
	logger        *slog.Logger
}

func NewTopUpService(
	db DB,
	ledger *LedgerService,
	paymentEvents repository.PaymentEventRepository,
	secret string,
	logger *slog.Logger,
) *TopUpService {
	return &TopUpService{
		db:            db,
		ledger:        ledger,
		paymentEvents: paymentEvents,
		secret:        []byte(secret),
		logger:        logger.With("component", "topup"),
	}
}

// HandlePaymentWebhook verifies the keyed-hash signature over the raw payload,
// then credits the user's balance exactly once per gateway event id. Repeated
// deliveries of the same event are acknowledged without a second credit.
func (s *TopUpService) HandlePaymentWebhook(ctx context.Context, rawPayload []byte, signature string) error {
	if !s.verifySignature(rawPayload, signature) {
		s.logger.WarnContext(ctx, "Payment webhook signature mismatch", "payload_size", len(rawPayload))
		return domain.ErrInvalidSignature
	}

	var event paymentEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return fmt.Errorf("decoding payment event: %w", err)
	}
	if event.EventID == "" {
		return errors.New("payment event missing event_id")
	}

	if event.EventType != paymentEventSucceeded {
		s.logger.InfoContext(ctx, "Ignoring payment event type", "event_type", event.EventType, "event_id", event.EventID)
		return nil
	}

	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		return fmt.Errorf("payment event has invalid user_id %q: %w", event.UserID, err)
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return fmt.Errorf("payment event has invalid amount %q: %w", event.Amount, err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("payment event amount must be positive, got %s", amount)
	}

	txErr := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.paymentEvents.InsertProcessed(ctx, tx, event.EventID); err != nil {
			return err
		}
		description := fmt.Sprintf("Balance top-up via payment gateway (txn %s)", event.GatewayID)
		_, err := s.ledger.Credit(ctx, tx, userID, amount, domain.CategoryTopUp, description, nil)
		return err
	})

	if errors.Is(txErr, domain.ErrEventAlreadyProcessed) {
		s.logger.InfoContext(ctx, "Duplicate payment event acknowledged", "event_id", event.EventID)
		return nil
	}
	if txErr != nil {
		return fmt.Errorf("processing payment event %s: %w", event.EventID, txErr)
	}

	s.logger.InfoContext(ctx, "Balance topped up from payment webhook",
		"event_id", event.EventID, "user_id", userID, "amount", amount.String())
	return nil
}

func (s *TopUpService) verifySignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}
