package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/portasms/dispatch/internal/billing/domain"
	"github.com/portasms/dispatch/internal/billing/repository"
)

// LedgerService is the only writer of user balances. Every mutation locks the
// balance row, updates it and appends exactly one ledger entry, all against the
// Querier supplied by the caller so the mutation commits or rolls back together
// with the caller's other writes.
type LedgerService struct {
	balances     repository.BalanceRepository
	transactions repository.TransactionRepository
	logger       *slog.Logger
}

func NewLedgerService(
	balances repository.BalanceRepository,
	transactions repository.TransactionRepository,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		balances:     balances,
		transactions: transactions,
		logger:       logger.With("component", "ledger"),
	}
}

// CheckSufficient reports whether the user's current balance covers amount.
// This is a pre-flight read; the authoritative check happens inside Debit.
func (s *LedgerService) CheckSufficient(ctx context.Context, q repository.Querier, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	balance, err := s.balances.Get(ctx, q, userID)
	if err != nil {
		return false, fmt.Errorf("balance check for user %s: %w", userID, err)
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// Debit atomically decrements the balance and appends a debit entry. Fails
// with domain.ErrInsufficientBalance when the locked balance is below amount,
// leaving the balance untouched.
func (s *LedgerService) Debit(ctx context.Context, q repository.Querier, userID uuid.UUID, amount decimal.Decimal, category domain.TransactionCategory, description string, referenceID *uuid.UUID) (*domain.Transaction, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("debit amount must not be negative, got %s", amount)
	}

	balance, err := s.balances.GetForUpdate(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("locking balance for user %s: %w", userID, err)
	}

	if balance.LessThan(amount) {
		s.logger.WarnContext(ctx, "Insufficient balance for debit",
			"user_id", userID, "balance", balance.String(), "amount", amount.String())
		return nil, domain.ErrInsufficientBalance
	}

	newBalance := balance.Sub(amount)
	if err := s.balances.SetBalance(ctx, q, userID, newBalance); err != nil {
		return nil, fmt.Errorf("updating balance for user %s: %w", userID, err)
	}

	txn, err := s.transactions.Create(ctx, q, &domain.Transaction{
		UserID:       userID,
		Direction:    domain.DirectionDebit,
		Amount:       amount,
		BalanceAfter: newBalance,
		Category:     category,
		Description:  description,
		ReferenceID:  referenceID,
	})
	if err != nil {
		return nil, fmt.Errorf("recording debit for user %s: %w", userID, err)
	}

	s.logger.InfoContext(ctx, "Balance debited",
		"user_id", userID, "amount", amount.String(), "balance_after", newBalance.String(), "category", category)
	return txn, nil
}

// Credit atomically increments the balance and appends a credit entry.
func (s *LedgerService) Credit(ctx context.Context, q repository.Querier, userID uuid.UUID, amount decimal.Decimal, category domain.TransactionCategory, description string, referenceID *uuid.UUID) (*domain.Transaction, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("credit amount must not be negative, got %s", amount)
	}

	balance, err := s.balances.GetForUpdate(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("locking balance for user %s: %w", userID, err)
	}

	newBalance := balance.Add(amount)
	if err := s.balances.SetBalance(ctx, q, userID, newBalance); err != nil {
		return nil, fmt.Errorf("updating balance for user %s: %w", userID, err)
	}

	txn, err := s.transactions.Create(ctx, q, &domain.Transaction{
		UserID:       userID,
		Direction:    domain.DirectionCredit,
		Amount:       amount,
		BalanceAfter: newBalance,
		Category:     category,
		Description:  description,
		ReferenceID:  referenceID,
	})
	if err != nil {
		return nil, fmt.Errorf("recording credit for user %s: %w", userID, err)
	}

	s.logger.InfoContext(ctx, "Balance credited",
		"user_id", userID, "amount", amount.String(), "balance_after", newBalance.String(), "category", category)
	return txn, nil
}

// ListTransactions returns the user's ledger history, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, q repository.Querier, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.transactions.GetByUserID(ctx, q, userID, limit, offset)
}
