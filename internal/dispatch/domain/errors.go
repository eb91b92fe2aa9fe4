package domain

import "errors"

var (
	// ErrNotFound indicates the message or scheduled job does not exist for this user.
	ErrNotFound = errors.New("resource not found")
	// ErrOnlyFailedCanResend indicates a resend was attempted on a non-failed message.
	ErrOnlyFailedCanResend = errors.New("only failed messages can be resent")
	// ErrCannotCancel indicates a cancellation outside the grace window or on a claimed job.
	ErrCannotCancel = errors.New("scheduled message can no longer be cancelled")
	// ErrAlreadyProcessed indicates a state transition on a job already claimed or terminal.
	ErrAlreadyProcessed = errors.New("scheduled message already processed")
	// ErrValidation indicates a malformed send command.
	ErrValidation = errors.New("invalid request")
)
