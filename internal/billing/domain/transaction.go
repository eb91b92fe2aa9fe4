package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionDirection tells whether an entry increased or decreased a balance.
type TransactionDirection string

const (
	DirectionCredit TransactionDirection = "credit"
	DirectionDebit  TransactionDirection = "debit"
)

// TransactionCategory classifies what the balance mutation paid for.
type TransactionCategory string

const (
	CategorySMS     TransactionCategory = "sms"
	CategorySMSBulk TransactionCategory = "sms_bulk"
	CategoryTopUp   TransactionCategory = "topup"
)

// Transaction is one immutable ledger entry. Entries are created exactly once
// per balance mutation and are never updated or deleted. BalanceAfter is the
// balance snapshot taken inside the same database transaction as the mutation,
// so the newest entry's snapshot always equals the user's current balance.
type Transaction struct {
	ID           uuid.UUID            `json:"id"`
	UserID       uuid.UUID            `json:"user_id"`
	Direction    TransactionDirection `json:"direction"`
	Amount       decimal.Decimal      `json:"amount"`
	BalanceAfter decimal.Decimal      `json:"balance_after"`
	Category     TransactionCategory  `json:"category"`
	Description  string               `json:"description,omitempty"`
	ReferenceID  *uuid.UUID           `json:"reference_id,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}
