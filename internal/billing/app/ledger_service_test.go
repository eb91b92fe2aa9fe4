package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/repository"
)

// --- Mocks ---

type MockBalanceRepository struct {
	mock.Mock
}

func (m *MockBalanceRepository) Get(ctx context.Context, q repository.Querier, userID uuid.UUID) (decimal.Decimal, error) {
	args := m.Called(ctx, q, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockBalanceRepository) GetForUpdate(ctx context.Context, q repository.Querier, userID uuid.UUID) (decimal.Decimal, error) {
	args := m.Called(ctx, q, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockBalanceRepository) SetBalance(ctx context.Context, q repository.Querier, userID uuid.UUID, balance decimal.Decimal) error {
	args := m.Called(ctx, q, userID, balance)
	return args.Error(0)
}

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, q repository.Querier, txn *domain.Transaction) (*domain.Transaction, error) {
	args := m.Called(ctx, q, txn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) GetByUserID(ctx context.Context, q repository.Querier, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	args := m.Called(ctx, q, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Transaction), args.Error(1)
}

func newTestLedger(balances repository.BalanceRepository, transactions repository.TransactionRepository) *LedgerService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedgerService(balances, transactions, logger)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- Tests ---

func TestLedgerService_CheckSufficient(t *testing.T) {
	userID := uuid.New()

	t.Run("sufficient", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		balances.On("Get", mock.Anything, mock.Anything, userID).Return(dec("100"), nil).Once()

		ledger := newTestLedger(balances, new(MockTransactionRepository))
		ok, err := ledger.CheckSufficient(context.Background(), nil, userID, dec("100"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("insufficient", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		balances.On("Get", mock.Anything, mock.Anything, userID).Return(dec("100"), nil).Once()

		ledger := newTestLedger(balances, new(MockTransactionRepository))
		ok, err := ledger.CheckSufficient(context.Background(), nil, userID, dec("150"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown user", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		balances.On("Get", mock.Anything, mock.Anything, userID).Return(decimal.Zero, domain.ErrUserNotFound).Once()

		ledger := newTestLedger(balances, new(MockTransactionRepository))
		_, err := ledger.CheckSufficient(context.Background(), nil, userID, dec("1"))
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestLedgerService_Debit(t *testing.T) {
	userID := uuid.New()

	t.Run("decrements balance and snapshots it on the entry", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		transactions := new(MockTransactionRepository)

		balances.On("GetForUpdate", mock.Anything, mock.Anything, userID).Return(dec("100"), nil).Once()
		balances.On("SetBalance", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(b decimal.Decimal) bool {
			return b.Equal(dec("25"))
		})).Return(nil).Once()
		transactions.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(txn *domain.Transaction) bool {
			return txn.Direction == domain.DirectionDebit &&
				txn.Amount.Equal(dec("75")) &&
				txn.BalanceAfter.Equal(dec("25")) &&
				txn.Category == domain.CategorySMS
		})).Return(&domain.Transaction{ID: uuid.New()}, nil).Once()

		ledger := newTestLedger(balances, transactions)
		txn, err := ledger.Debit(context.Background(), nil, userID, dec("75"), domain.CategorySMS, "SMS charge", nil)
		require.NoError(t, err)
		require.NotNil(t, txn)
		balances.AssertExpectations(t)
		transactions.AssertExpectations(t)
	})

	t.Run("insufficient balance leaves balance untouched", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		transactions := new(MockTransactionRepository)
		balances.On("GetForUpdate", mock.Anything, mock.Anything, userID).Return(dec("100"), nil).Once()

		ledger := newTestLedger(balances, transactions)
		_, err := ledger.Debit(context.Background(), nil, userID, dec("150"), domain.CategorySMS, "SMS charge", nil)
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		balances.AssertNotCalled(t, "SetBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		transactions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("exact balance debits to zero", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		transactions := new(MockTransactionRepository)
		balances.On("GetForUpdate", mock.Anything, mock.Anything, userID).Return(dec("50"), nil).Once()
		balances.On("SetBalance", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(b decimal.Decimal) bool {
			return b.IsZero()
		})).Return(nil).Once()
		transactions.On("Create", mock.Anything, mock.Anything, mock.Anything).
			Return(&domain.Transaction{ID: uuid.New()}, nil).Once()

		ledger := newTestLedger(balances, transactions)
		_, err := ledger.Debit(context.Background(), nil, userID, dec("50"), domain.CategorySMSBulk, "bulk charge", nil)
		require.NoError(t, err)
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		ledger := newTestLedger(new(MockBalanceRepository), new(MockTransactionRepository))
		_, err := ledger.Debit(context.Background(), nil, userID, dec("-5"), domain.CategorySMS, "", nil)
		assert.Error(t, err)
	})

	t.Run("transaction record failure propagates", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		transactions := new(MockTransactionRepository)
		balances.On("GetForUpdate", mock.Anything, mock.Anything, userID).Return(dec("100"), nil).Once()
		balances.On("SetBalance", mock.Anything, mock.Anything, userID, mock.Anything).Return(nil).Once()
		repoErr := errors.New("insert failed")
		transactions.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil, repoErr).Once()

		ledger := newTestLedger(balances, transactions)
		_, err := ledger.Debit(context.Background(), nil, userID, dec("10"), domain.CategorySMS, "", nil)
		assert.ErrorIs(t, err, repoErr)
	})
}

func TestLedgerService_Credit(t *testing.T) {
	userID := uuid.New()

	t.Run("increments balance and appends credit entry", func(t *testing.T) {
		balances := new(MockBalanceRepository)
		transactions := new(MockTransactionRepository)
		balances.On("GetForUpdate", mock.Anything, mock.Anything, userID).Return(dec("10"), nil).Once()
		balances.On("SetBalance", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(b decimal.Decimal) bool {
			return b.Equal(dec("110"))
		})).Return(nil).Once()
		transactions.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(txn *domain.Transaction) bool {
			return txn.Direction == domain.DirectionCredit &&
				txn.Amount.Equal(dec("100")) &&
				txn.BalanceAfter.Equal(dec("110")) &&
				txn.Category == domain.CategoryTopUp
		})).Return(&domain.Transaction{ID: uuid.New()}, nil).Once()

		ledger := newTestLedger(balances, transactions)
		_, err := ledger.Credit(context.Background(), nil, userID, dec("100"), domain.CategoryTopUp, "top-up", nil)
		require.NoError(t, err)
		balances.AssertExpectations(t)
		transactions.AssertExpectations(t)
	})
}
