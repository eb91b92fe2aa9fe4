package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	billingdomain "github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/pricing"
	billingrepo "github.com/portasms/dispatch/internal/billing/repository"
	"github.com/portasms/dispatch/internal/dispatch/domain"
	"github.com/portasms/dispatch/internal/dispatch/repository"
	"github.com/portasms/dispatch/internal/notification"
	"github.com/portasms/dispatch/internal/provider"
	"github.com/portasms/dispatch/internal/recipients"
)

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Create(ctx context.Context, q repository.Querier, msg *domain.Message) error {
	args := m.Called(ctx, q, msg)
	return args.Error(0)
}

func (m *MockMessageRepository) GetByID(ctx context.Context, q repository.Querier, userID, id uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, q, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepository) ListByUserID(ctx context.Context, q repository.Querier, userID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	args := m.Called(ctx, q, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockMessageRepository) MarkResent(ctx context.Context, q repository.Querier, userID, id uuid.UUID) error {
	args := m.Called(ctx, q, userID, id)
	return args.Error(0)
}

type MockScheduledMessageRepository struct {
	mock.Mock
}

func (m *MockScheduledMessageRepository) Create(ctx context.Context, q repository.Querier, msg *domain.ScheduledMessage) error {
	args := m.Called(ctx, q, msg)
	return args.Error(0)
}

func (m *MockScheduledMessageRepository) GetByID(ctx context.Context, q repository.Querier, userID, id uuid.UUID) (*domain.ScheduledMessage, error) {
	args := m.Called(ctx, q, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScheduledMessage), args.Error(1)
}

func (m *MockScheduledMessageRepository) GetByIDs(ctx context.Context, q repository.Querier, userID uuid.UUID, ids []uuid.UUID) ([]domain.ScheduledMessage, error) {
	args := m.Called(ctx, q, userID, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ScheduledMessage), args.Error(1)
}

func (m *MockScheduledMessageRepository) ClaimDue(ctx context.Context, q repository.Querier, now time.Time, dueBuffer, recoveryWindow time.Duration, limit int) ([]*domain.ScheduledMessage, error) {
	args := m.Called(ctx, q, now, dueBuffer, recoveryWindow, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ScheduledMessage), args.Error(1)
}

func (m *MockScheduledMessageRepository) MarkSent(ctx context.Context, q repository.Querier, id, messageID uuid.UUID) error {
	args := m.Called(ctx, q, id, messageID)
	return args.Error(0)
}

func (m *MockScheduledMessageRepository) MarkFailed(ctx context.Context, q repository.Querier, id uuid.UUID, reason string) error {
	args := m.Called(ctx, q, id, reason)
	return args.Error(0)
}

func (m *MockScheduledMessageRepository) Cancel(ctx context.Context, q repository.Querier, userID, id uuid.UUID, graceDeadline time.Time) error {
	args := m.Called(ctx, q, userID, id, graceDeadline)
	return args.Error(0)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) CheckSufficient(ctx context.Context, q billingrepo.Querier, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	args := m.Called(ctx, q, userID, amount)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Debit(ctx context.Context, q billingrepo.Querier, userID uuid.UUID, amount decimal.Decimal, category billingdomain.TransactionCategory, description string, referenceID *uuid.UUID) (*billingdomain.Transaction, error) {
	args := m.Called(ctx, q, userID, amount, category, description, referenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billingdomain.Transaction), args.Error(1)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Send(ctx context.Context, recips []string, body, sender string) (*provider.DispatchResult, error) {
	args := m.Called(ctx, recips, body, sender)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.DispatchResult), args.Error(1)
}

type recordingNotifier struct {
	sent   []notification.Event
	failed []notification.Event
}

func (n *recordingNotifier) MessageSent(_ context.Context, ev notification.Event) {
	n.sent = append(n.sent, ev)
}

func (n *recordingNotifier) MessageFailed(_ context.Context, ev notification.Event) {
	n.failed = append(n.failed, ev)
}

type dispatchFixture struct {
	svc       *DispatchService
	pool      pgxmock.PgxPoolIface
	messages  *MockMessageRepository
	scheduled *MockScheduledMessageRepository
	ledger    *MockLedger
	gateway   *MockGateway
	notifier  *recordingNotifier
}

func setupDispatchTest(t *testing.T) *dispatchFixture {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &dispatchFixture{
		pool:      mockPool,
		messages:  new(MockMessageRepository),
		scheduled: new(MockScheduledMessageRepository),
		ledger:    new(MockLedger),
		gateway:   new(MockGateway),
		notifier:  &recordingNotifier{},
	}
	calc := pricing.NewCalculator(pricing.Tariffs{
		DomesticPerSegment:      decimal.RequireFromString("25"),
		InternationalPerSegment: decimal.RequireFromString("40"),
	})
	resolver := recipients.NewResolver(nil, "36", logger)
	f.svc = NewDispatchService(mockPool, f.messages, f.scheduled, resolver, calc,
		f.ledger, f.gateway, f.notifier, "36", time.Minute, logger)
	return f
}

func TestDispatchService_SendNow(t *testing.T) {
	userID := uuid.New()
	cmd := SendCommand{
		UserID:  userID,
		Content: "hello",
		Sender:  "TEST",
		To:      recipients.Explicit("+36201234567", "0301112233"),
	}
	cost := decimal.RequireFromString("50") // 1 segment x 2 recipients x 25

	t.Run("SentAndDebited", func(t *testing.T) {
		f := setupDispatchTest(t)

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(a decimal.Decimal) bool {
			return a.Equal(cost)
		})).Return(true, nil).Once()
		f.gateway.On("Send", mock.Anything, []string{"+36201234567", "+36301112233"}, "hello", "TEST").
			Return(&provider.DispatchResult{
				Accepted: []string{"+36201234567", "+36301112233"},
				Provider: "primary",
			}, nil).Once()

		f.pool.ExpectBegin()
		f.messages.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
			return m.Status == domain.MessageStatusSent && m.UserID == userID && m.RecipientCount == 2
		})).Return(nil).Once()
		f.ledger.On("Debit", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(a decimal.Decimal) bool {
			return a.Equal(cost)
		}), billingdomain.CategorySMSBulk, mock.Anything, mock.Anything).
			Return(&billingdomain.Transaction{}, nil).Once()
		f.pool.ExpectCommit()
		// pgx.BeginFunc always issues a deferred cleanup Rollback (a no-op
		// after Commit), which the mock must allow.
		f.pool.ExpectRollback().Maybe()

		msg, err := f.svc.SendNow(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageStatusSent, msg.Status)
		require.NotNil(t, msg.ProviderName)
		assert.Equal(t, "primary", *msg.ProviderName)
		assert.Len(t, f.notifier.sent, 1)
		assert.NoError(t, f.pool.ExpectationsWereMet())
		f.ledger.AssertExpectations(t)
		f.messages.AssertExpectations(t)
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		f := setupDispatchTest(t)

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(false, nil).Once()

		_, err := f.svc.SendNow(context.Background(), cmd)
		assert.ErrorIs(t, err, billingdomain.ErrInsufficientBalance)
		f.gateway.AssertNotCalled(t, "Send")
		f.messages.AssertNotCalled(t, "Create")
	})

	t.Run("TotalProviderFailurePersistsWithoutDebit", func(t *testing.T) {
		f := setupDispatchTest(t)

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(true, nil).Once()
		f.gateway.On("Send", mock.Anything, mock.Anything, "hello", "TEST").
			Return(nil, errors.New("all channels exhausted")).Once()

		f.pool.ExpectBegin()
		f.messages.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
			return m.Status == domain.MessageStatusFailed && m.ErrorMessage != nil
		})).Return(nil).Once()
		f.pool.ExpectCommit()
		f.pool.ExpectRollback().Maybe()

		msg, err := f.svc.SendNow(context.Background(), cmd)
		require.Error(t, err)
		assert.Equal(t, domain.MessageStatusFailed, msg.Status)
		f.ledger.AssertNotCalled(t, "Debit")
		assert.Len(t, f.notifier.failed, 1)
		assert.NoError(t, f.pool.ExpectationsWereMet())
	})

	t.Run("NoValidRecipients", func(t *testing.T) {
		f := setupDispatchTest(t)

		bad := cmd
		bad.To = recipients.Explicit("abc", "12")
		_, err := f.svc.SendNow(context.Background(), bad)
		assert.ErrorIs(t, err, recipients.ErrNoValidRecipients)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		f := setupDispatchTest(t)

		bad := cmd
		bad.Content = ""
		_, err := f.svc.SendNow(context.Background(), bad)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestDispatchService_Schedule(t *testing.T) {
	userID := uuid.New()
	future := time.Now().UTC().Add(time.Hour)
	cmd := SendCommand{
		UserID:      userID,
		Content:     "later",
		Sender:      "TEST",
		To:          recipients.Explicit("+36201234567"),
		ScheduledAt: &future,
	}

	t.Run("CreatesPendingWithoutReservation", func(t *testing.T) {
		f := setupDispatchTest(t)

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(a decimal.Decimal) bool {
			return a.Equal(decimal.RequireFromString("25"))
		})).Return(true, nil).Once()
		f.scheduled.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(sm *domain.ScheduledMessage) bool {
			return sm.Status == domain.ScheduledStatusPending &&
				sm.Cost.Equal(decimal.RequireFromString("25")) &&
				sm.ScheduledAt.Equal(future)
		})).Return(nil).Once()

		sm, err := f.svc.Schedule(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, domain.ScheduledStatusPending, sm.Status)
		f.ledger.AssertNotCalled(t, "Debit")
		f.ledger.AssertExpectations(t)
		f.scheduled.AssertExpectations(t)
	})

	t.Run("InsufficientBalanceRejectsSchedule", func(t *testing.T) {
		f := setupDispatchTest(t)

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(false, nil).Once()

		_, err := f.svc.Schedule(context.Background(), cmd)
		assert.ErrorIs(t, err, billingdomain.ErrInsufficientBalance)
		f.scheduled.AssertNotCalled(t, "Create")
	})

	t.Run("RejectsPastTime", func(t *testing.T) {
		f := setupDispatchTest(t)

		past := time.Now().UTC().Add(-time.Minute)
		bad := cmd
		bad.ScheduledAt = &past
		_, err := f.svc.Schedule(context.Background(), bad)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestDispatchService_Resend(t *testing.T) {
	userID := uuid.New()

	failedMsg := func() *domain.Message {
		reason := "provider down"
		m := domain.NewMessage(userID, domain.MessageTypeSingle, "hello", "TEST",
			[]string{"+36201234567"}, decimal.RequireFromString("25"), false)
		m.Status = domain.MessageStatusFailed
		m.ErrorMessage = &reason
		return m
	}

	t.Run("NewMessageAndOriginalMarkedResent", func(t *testing.T) {
		f := setupDispatchTest(t)
		original := failedMsg()

		f.messages.On("GetByID", mock.Anything, mock.Anything, userID, original.ID).
			Return(original, nil).Once()
		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(true, nil).Once()
		f.gateway.On("Send", mock.Anything, original.Recipients, "hello", "TEST").
			Return(&provider.DispatchResult{Accepted: original.Recipients, Provider: "primary"}, nil).Once()

		f.pool.ExpectBegin()
		f.messages.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
			return m.ID != original.ID && m.CorrelationID != original.CorrelationID &&
				m.Status == domain.MessageStatusSent
		})).Return(nil).Once()
		f.ledger.On("Debit", mock.Anything, mock.Anything, userID, mock.Anything,
			billingdomain.CategorySMS, mock.Anything, mock.Anything).
			Return(&billingdomain.Transaction{}, nil).Once()
		f.messages.On("MarkResent", mock.Anything, mock.Anything, userID, original.ID).
			Return(nil).Once()
		f.pool.ExpectCommit()
		f.pool.ExpectRollback().Maybe()

		msg, err := f.svc.Resend(context.Background(), userID, original.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageStatusSent, msg.Status)
		assert.NotEqual(t, original.ID, msg.ID)
		assert.NoError(t, f.pool.ExpectationsWereMet())
		f.messages.AssertExpectations(t)
	})

	t.Run("OnlyFailedCanResend", func(t *testing.T) {
		f := setupDispatchTest(t)
		original := failedMsg()
		original.Status = domain.MessageStatusSent

		f.messages.On("GetByID", mock.Anything, mock.Anything, userID, original.ID).
			Return(original, nil).Once()

		_, err := f.svc.Resend(context.Background(), userID, original.ID)
		assert.ErrorIs(t, err, domain.ErrOnlyFailedCanResend)
		f.gateway.AssertNotCalled(t, "Send")
	})
}

func TestDispatchService_ProcessScheduled(t *testing.T) {
	userID := uuid.New()

	job := func() *domain.ScheduledMessage {
		sm := domain.NewScheduledMessage(userID, domain.MessageTypeSingle, "later", "TEST",
			[]string{"+36201234567"}, decimal.RequireFromString("25"), time.Now().UTC().Add(-time.Second))
		sm.Status = domain.ScheduledStatusProcessing
		return sm
	}

	t.Run("SentLinksMessageAndDebits", func(t *testing.T) {
		f := setupDispatchTest(t)
		j := job()

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(a decimal.Decimal) bool {
			return a.Equal(j.Cost)
		})).Return(true, nil).Once()
		f.gateway.On("Send", mock.Anything, j.Recipients, "later", "TEST").
			Return(&provider.DispatchResult{Accepted: j.Recipients, Provider: "primary"}, nil).Once()

		f.pool.ExpectBegin()
		f.messages.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
			return m.Scheduled && m.Status == domain.MessageStatusSent
		})).Return(nil).Once()
		f.ledger.On("Debit", mock.Anything, mock.Anything, userID, mock.Anything,
			billingdomain.CategorySMS, mock.Anything, mock.Anything).
			Return(&billingdomain.Transaction{}, nil).Once()
		f.scheduled.On("MarkSent", mock.Anything, mock.Anything, j.ID, mock.Anything).
			Return(nil).Once()
		f.pool.ExpectCommit()
		f.pool.ExpectRollback().Maybe()

		require.NoError(t, f.svc.ProcessScheduled(context.Background(), j))
		assert.Len(t, f.notifier.sent, 1)
		assert.NoError(t, f.pool.ExpectationsWereMet())
		f.scheduled.AssertExpectations(t)
	})

	t.Run("InsufficientBalanceFailsJobWithoutProviderCall", func(t *testing.T) {
		f := setupDispatchTest(t)
		j := job()

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(false, nil).Once()
		f.scheduled.On("MarkFailed", mock.Anything, mock.Anything, j.ID, "insufficient balance at send time").
			Return(nil).Once()

		require.NoError(t, f.svc.ProcessScheduled(context.Background(), j))
		f.gateway.AssertNotCalled(t, "Send")
		assert.Len(t, f.notifier.failed, 1)
		f.scheduled.AssertExpectations(t)
	})

	t.Run("DebitRaceFailsJobInsteadOfStranding", func(t *testing.T) {
		f := setupDispatchTest(t)
		j := job()

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(true, nil).Once()
		f.gateway.On("Send", mock.Anything, j.Recipients, "later", "TEST").
			Return(&provider.DispatchResult{Accepted: j.Recipients, Provider: "primary"}, nil).Once()

		// Balance consumed by a concurrent send between the pre-check and the
		// in-transaction debit: the transaction rolls back, then the job must
		// still reach a terminal state.
		f.pool.ExpectBegin()
		f.messages.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
		f.ledger.On("Debit", mock.Anything, mock.Anything, userID, mock.Anything,
			billingdomain.CategorySMS, mock.Anything, mock.Anything).
			Return(nil, billingdomain.ErrInsufficientBalance).Once()
		f.pool.ExpectRollback()
		// pgx.BeginFunc rolls back once for the returned error and once more
		// in its deferred cleanup.
		f.pool.ExpectRollback().Maybe()
		f.scheduled.On("MarkFailed", mock.Anything, mock.Anything, j.ID, "insufficient balance at send time").
			Return(nil).Once()

		require.NoError(t, f.svc.ProcessScheduled(context.Background(), j))
		f.scheduled.AssertNotCalled(t, "MarkSent")
		assert.Len(t, f.notifier.failed, 1)
		assert.NoError(t, f.pool.ExpectationsWereMet())
		f.scheduled.AssertExpectations(t)
	})

	t.Run("ProviderFailureResolvesJobAsFailed", func(t *testing.T) {
		f := setupDispatchTest(t)
		j := job()

		f.ledger.On("CheckSufficient", mock.Anything, mock.Anything, userID, mock.Anything).
			Return(true, nil).Once()
		f.gateway.On("Send", mock.Anything, j.Recipients, "later", "TEST").
			Return(nil, errors.New("all channels exhausted")).Once()

		f.pool.ExpectBegin()
		f.messages.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
			return m.Status == domain.MessageStatusFailed
		})).Return(nil).Once()
		f.scheduled.On("MarkFailed", mock.Anything, mock.Anything, j.ID, "all channels exhausted").
			Return(nil).Once()
		f.pool.ExpectCommit()
		f.pool.ExpectRollback().Maybe()

		require.NoError(t, f.svc.ProcessScheduled(context.Background(), j))
		f.ledger.AssertNotCalled(t, "Debit")
		assert.NoError(t, f.pool.ExpectationsWereMet())
		f.scheduled.AssertExpectations(t)
	})
}

func TestDispatchService_CancelScheduled(t *testing.T) {
	f := setupDispatchTest(t)
	userID := uuid.New()
	id := uuid.New()

	f.scheduled.On("Cancel", mock.Anything, mock.Anything, userID, id, mock.MatchedBy(func(d time.Time) bool {
		return d.After(time.Now().UTC())
	})).Return(domain.ErrCannotCancel).Once()

	err := f.svc.CancelScheduled(context.Background(), userID, id)
	assert.ErrorIs(t, err, domain.ErrCannotCancel)
	f.scheduled.AssertExpectations(t)
}
