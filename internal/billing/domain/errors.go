package domain

import "errors"

var (
	// ErrInsufficientBalance indicates the pre-debit balance is below the amount.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUserNotFound indicates no balance row exists for the user.
	ErrUserNotFound = errors.New("user not found for billing operation")
	// ErrInvalidSignature indicates a payment webhook failed signature verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrEventAlreadyProcessed indicates a payment gateway event was seen before.
	ErrEventAlreadyProcessed = errors.New("payment event already processed")
)
