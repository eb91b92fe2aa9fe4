package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	billingdomain "github.com/portasms/dispatch/internal/billing/domain"
	billingrepo "github.com/portasms/dispatch/internal/billing/repository"
	"github.com/portasms/dispatch/internal/dispatch/domain"
	"github.com/portasms/dispatch/internal/dispatch/repository"
	"github.com/portasms/dispatch/internal/notification"
	"github.com/portasms/dispatch/internal/provider"
	"github.com/portasms/dispatch/internal/recipients"
)

// errPersistOutcome marks transaction failures after the provider call, so
// callers can tell an unresolved job apart from an ordinary provider failure.
var errPersistOutcome = errors.New("persisting dispatch outcome")

// DB is the subset of *pgxpool.Pool required to open a unit of work.
type DB interface {
	repository.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the balance capability the engine needs. The Querier argument lets
// the debit join the engine's transaction.
type Ledger interface {
	CheckSufficient(ctx context.Context, q billingrepo.Querier, userID uuid.UUID, amount decimal.Decimal) (bool, error)
	Debit(ctx context.Context, q billingrepo.Querier, userID uuid.UUID, amount decimal.Decimal, category billingdomain.TransactionCategory, description string, referenceID *uuid.UUID) (*billingdomain.Transaction, error)
}

// SMSGateway is the provider capability the engine needs.
type SMSGateway interface {
	Send(ctx context.Context, recips []string, body, sender string) (*provider.DispatchResult, error)
}

// CostCalculator prices one send. Implemented by pricing.Calculator.
type CostCalculator interface {
	Cost(recipientCount int, body string, international bool) decimal.Decimal
}

// SendCommand describes one send request, immediate or deferred.
type SendCommand struct {
	UserID      uuid.UUID `validate:"required"`
	Content     string    `validate:"required,max=2000"`
	Sender      string    `validate:"required,max=11"`
	To          recipients.Recipients
	ScheduledAt *time.Time
}

// DispatchService orchestrates resolve -> cost -> balance check -> send ->
// debit -> persist for immediate sends, resends and scheduler-claimed jobs.
type DispatchService struct {
	db                 DB
	messages           repository.MessageRepository
	scheduled          repository.ScheduledMessageRepository
	resolver           *recipients.Resolver
	calc               CostCalculator
	ledger             Ledger
	gateway            SMSGateway
	notifier           notification.Notifier
	validate           *validator.Validate
	defaultCountryCode string
	cancelGrace        time.Duration
	logger             *slog.Logger
	now                func() time.Time
}

func NewDispatchService(
	db DB,
	messages repository.MessageRepository,
	scheduled repository.ScheduledMessageRepository,
	resolver *recipients.Resolver,
	calc CostCalculator,
	ledger Ledger,
	gateway SMSGateway,
	notifier notification.Notifier,
	defaultCountryCode string,
	cancelGrace time.Duration,
	logger *slog.Logger,
) *DispatchService {
	return &DispatchService{
		db:                 db,
		messages:           messages,
		scheduled:          scheduled,
		resolver:           resolver,
		calc:               calc,
		ledger:             ledger,
		gateway:            gateway,
		notifier:           notifier,
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		defaultCountryCode: defaultCountryCode,
		cancelGrace:        cancelGrace,
		logger:             logger.With("component", "dispatch"),
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// prepare validates the command and resolves it into priced send inputs.
func (s *DispatchService) prepare(ctx context.Context, cmd SendCommand) (recips []string, msgType domain.MessageType, cost decimal.Decimal, err error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, "", decimal.Zero, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	recips, err = s.resolver.Resolve(ctx, cmd.UserID, cmd.To)
	if err != nil {
		return nil, "", decimal.Zero, err
	}

	msgType = domain.MessageTypeSingle
	if len(recips) > 1 {
		msgType = domain.MessageTypeBulk
	}

	international := recipients.AnyInternational(recips, s.defaultCountryCode)
	cost = s.calc.Cost(len(recips), cmd.Content, international)
	return recips, msgType, cost, nil
}

// SendNow runs one immediate dispatch and returns the terminal Message. When
// the provider rejects every recipient the Message is persisted as failed
// (without a debit) and the provider error is returned alongside it.
func (s *DispatchService) SendNow(ctx context.Context, cmd SendCommand) (*domain.Message, error) {
	recips, msgType, cost, err := s.prepare(ctx, cmd)
	if err != nil {
		return nil, err
	}

	ok, err := s.ledger.CheckSufficient(ctx, s.db, cmd.UserID, cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billingdomain.ErrInsufficientBalance
	}

	msg := domain.NewMessage(cmd.UserID, msgType, cmd.Content, cmd.Sender, recips, cost, false)
	return s.dispatch(ctx, msg, nil)
}

// Schedule persists a pending future send. No balance is reserved; cost is
// computed now only so the re-validation at claim time charges the same
// amount the user was quoted.
func (s *DispatchService) Schedule(ctx context.Context, cmd SendCommand) (*domain.ScheduledMessage, error) {
	if cmd.ScheduledAt == nil {
		return nil, fmt.Errorf("%w: scheduled_at is required", domain.ErrValidation)
	}
	if !cmd.ScheduledAt.After(s.now()) {
		return nil, fmt.Errorf("%w: scheduled_at must be in the future", domain.ErrValidation)
	}

	recips, msgType, cost, err := s.prepare(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// The balance must cover the quote now even though nothing is reserved;
	// it is re-validated when the scheduler claims the job.
	ok, err := s.ledger.CheckSufficient(ctx, s.db, cmd.UserID, cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billingdomain.ErrInsufficientBalance
	}

	sm := domain.NewScheduledMessage(cmd.UserID, msgType, cmd.Content, cmd.Sender, recips, cost, *cmd.ScheduledAt)
	if err := s.scheduled.Create(ctx, s.db, sm); err != nil {
		return nil, fmt.Errorf("persisting scheduled message: %w", err)
	}

	s.logger.InfoContext(ctx, "Message scheduled",
		"scheduled_id", sm.ID, "user_id", sm.UserID, "scheduled_at", sm.ScheduledAt, "recipients", sm.RecipientCount)
	return sm, nil
}

// Resend re-dispatches a failed message's content to its original recipients
// under a new correlation id, charging a fresh debit. The original flips to
// resent in the same transaction that records the new message.
func (s *DispatchService) Resend(ctx context.Context, userID, messageID uuid.UUID) (*domain.Message, error) {
	original, err := s.messages.GetByID(ctx, s.db, userID, messageID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.MessageStatusFailed {
		return nil, domain.ErrOnlyFailedCanResend
	}

	international := recipients.AnyInternational(original.Recipients, s.defaultCountryCode)
	cost := s.calc.Cost(len(original.Recipients), original.Content, international)

	ok, err := s.ledger.CheckSufficient(ctx, s.db, userID, cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billingdomain.ErrInsufficientBalance
	}

	msg := domain.NewMessage(userID, original.Type, original.Content, original.Sender, original.Recipients, cost, original.Scheduled)
	return s.dispatch(ctx, msg, func(q repository.Querier, _ *domain.Message) error {
		return s.messages.MarkResent(ctx, q, userID, original.ID)
	})
}

// ProcessScheduled runs one claimed (processing) job to its terminal state.
// Errors are job-local: the job always ends up sent or failed, and the error
// return only signals infrastructure trouble worth the poller's attention.
func (s *DispatchService) ProcessScheduled(ctx context.Context, job *domain.ScheduledMessage) error {
	ok, err := s.ledger.CheckSufficient(ctx, s.db, job.UserID, job.Cost)
	if err != nil {
		return fmt.Errorf("balance re-validation for job %s: %w", job.ID, err)
	}
	if !ok {
		s.logger.WarnContext(ctx, "Scheduled job failed balance re-validation",
			"scheduled_id", job.ID, "user_id", job.UserID, "cost", job.Cost.String())
		if err := s.scheduled.MarkFailed(ctx, s.db, job.ID, "insufficient balance at send time"); err != nil {
			return fmt.Errorf("marking job %s failed: %w", job.ID, err)
		}
		s.notifier.MessageFailed(ctx, notification.Event{
			UserID: job.UserID, Status: string(domain.ScheduledStatusFailed),
			RecipientCount: job.RecipientCount, Cost: job.Cost.String(),
			Error: "insufficient balance at send time",
		})
		return nil
	}

	msg := domain.NewMessage(job.UserID, job.Type, job.Content, job.Sender, job.Recipients, job.Cost, true)
	_, err = s.dispatch(ctx, msg, func(q repository.Querier, m *domain.Message) error {
		if m.Status == domain.MessageStatusSent {
			return s.scheduled.MarkSent(ctx, q, job.ID, m.ID)
		}
		reason := "provider rejected all recipients"
		if m.ErrorMessage != nil {
			reason = *m.ErrorMessage
		}
		return s.scheduled.MarkFailed(ctx, q, job.ID, reason)
	})
	// A provider failure still resolves the job (marked failed in the same
	// transaction as the Message). A debit rejection rolls that transaction
	// back: the balance was consumed by a concurrent send between the
	// pre-check and the debit, which is a terminal job-local outcome, so the
	// job is failed in a follow-up write. Only other persistence errors leave
	// the job in processing and must bubble up.
	if err != nil {
		if errors.Is(err, billingdomain.ErrInsufficientBalance) {
			if mfErr := s.scheduled.MarkFailed(ctx, s.db, job.ID, "insufficient balance at send time"); mfErr != nil {
				return fmt.Errorf("marking job %s failed: %w", job.ID, mfErr)
			}
			s.notifier.MessageFailed(ctx, notification.Event{
				UserID: job.UserID, Status: string(domain.ScheduledStatusFailed),
				RecipientCount: job.RecipientCount, Cost: job.Cost.String(),
				Error: "insufficient balance at send time",
			})
			return nil
		}
		if errors.Is(err, errPersistOutcome) {
			return fmt.Errorf("finishing job %s: %w", job.ID, err)
		}
	}
	return nil
}

// dispatch is the shared tail of every send path: provider call outside the
// transaction, then Message write, conditional debit and the caller's extra
// writes in one transaction, then fire-and-forget notification.
func (s *DispatchService) dispatch(ctx context.Context, msg *domain.Message, inTx func(q repository.Querier, m *domain.Message) error) (*domain.Message, error) {
	result, sendErr := s.gateway.Send(ctx, msg.Recipients, msg.Content, msg.Sender)

	if sendErr != nil || result == nil || result.TotalFailure() {
		msg.Status = domain.MessageStatusFailed
		reason := "provider rejected all recipients"
		if sendErr != nil {
			reason = sendErr.Error()
		}
		msg.ErrorMessage = &reason
	} else {
		msg.Status = domain.MessageStatusSent
		msg.ProviderName = &result.Provider
		if result.ProviderMessageID != "" {
			msg.ProviderMessageID = &result.ProviderMessageID
		}
	}

	txErr := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.messages.Create(ctx, tx, msg); err != nil {
			return err
		}
		if msg.Status == domain.MessageStatusSent {
			category := billingdomain.CategorySMS
			if msg.Type == domain.MessageTypeBulk {
				category = billingdomain.CategorySMSBulk
			}
			desc := fmt.Sprintf("SMS to %d recipient(s)", msg.RecipientCount)
			if _, err := s.ledger.Debit(ctx, tx, msg.UserID, msg.Cost, category, desc, &msg.ID); err != nil {
				return err
			}
		}
		if inTx != nil {
			return inTx(tx, msg)
		}
		return nil
	})
	if txErr != nil {
		return msg, fmt.Errorf("%w for message %s: %w", errPersistOutcome, msg.ID, txErr)
	}

	ev := notification.Event{
		MessageID: msg.ID, UserID: msg.UserID, Status: string(msg.Status),
		RecipientCount: msg.RecipientCount, Cost: msg.Cost.String(),
	}
	if msg.Status == domain.MessageStatusSent {
		rejected := 0
		if result != nil {
			rejected = len(result.Rejected)
		}
		s.logger.InfoContext(ctx, "Message dispatched",
			"message_id", msg.ID, "user_id", msg.UserID, "provider", *msg.ProviderName,
			"accepted", msg.RecipientCount-rejected, "rejected", rejected, "cost", msg.Cost.String())
		s.notifier.MessageSent(ctx, ev)
		messagesDispatched.WithLabelValues(string(msg.Type), string(msg.Status)).Inc()
		return msg, nil
	}

	s.logger.WarnContext(ctx, "Message dispatch failed",
		"message_id", msg.ID, "user_id", msg.UserID, "error", *msg.ErrorMessage)
	ev.Error = *msg.ErrorMessage
	s.notifier.MessageFailed(ctx, ev)
	messagesDispatched.WithLabelValues(string(msg.Type), string(msg.Status)).Inc()

	if sendErr != nil {
		return msg, fmt.Errorf("provider dispatch: %w", sendErr)
	}
	return msg, fmt.Errorf("provider dispatch: %s", *msg.ErrorMessage)
}

// CancelScheduled cancels a pending job, refused inside the grace window
// before its fire time and once the scheduler has claimed it.
func (s *DispatchService) CancelScheduled(ctx context.Context, userID, scheduledID uuid.UUID) error {
	graceDeadline := s.now().Add(s.cancelGrace)
	if err := s.scheduled.Cancel(ctx, s.db, userID, scheduledID, graceDeadline); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Scheduled message cancelled", "scheduled_id", scheduledID, "user_id", userID)
	return nil
}

// GetMessage returns one of the user's messages.
func (s *DispatchService) GetMessage(ctx context.Context, userID, id uuid.UUID) (*domain.Message, error) {
	return s.messages.GetByID(ctx, s.db, userID, id)
}

// ListMessages returns the user's messages, newest first.
func (s *DispatchService) ListMessages(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.messages.ListByUserID(ctx, s.db, userID, limit, offset)
}

// GetScheduled returns one of the user's scheduled messages.
func (s *DispatchService) GetScheduled(ctx context.Context, userID, id uuid.UUID) (*domain.ScheduledMessage, error) {
	return s.scheduled.GetByID(ctx, s.db, userID, id)
}

// GetScheduledUpdates returns current state for the given scheduled ids, for
// clients polling status deltas.
func (s *DispatchService) GetScheduledUpdates(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]domain.ScheduledMessage, error) {
	return s.scheduled.GetByIDs(ctx, s.db, userID, ids)
}
