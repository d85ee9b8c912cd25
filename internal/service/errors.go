package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance rejects withdrawals and transfers exceeding the
	// available balance. Checked before any external call; no side effects.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMissingReference rejects refunds that carry no original payment
	// reference.
	ErrMissingReference = errors.New("payment reference is required")

	// ErrRefundExceedsOriginal rejects refunds beyond the original charge
	// minus prior completed refunds.
	ErrRefundExceedsOriginal = errors.New("refund exceeds remaining refundable amount")

	// ErrConcurrencyConflict means the balance changed between read and
	// write; the caller should retry the whole operation from a fresh read.
	ErrConcurrencyConflict = errors.New("balance changed concurrently")
)

// ValidationError reports malformed input. It is always raised before any
// external call or mutation, so retrying with corrected input is safe.
type ValidationError struct {
	msg string
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return e.msg
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PaymentError wraps an external payment collaborator failure. No balance
// mutation occurred.
type PaymentError struct {
	Op  string
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s payment failed: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// PartialFailure means the external call succeeded but local bookkeeping
// failed afterwards. It is never retried automatically; Reference carries the
// external id, which doubles as the idempotency key for reconciliation and
// safe manual retry.
type PartialFailure struct {
	Op        string
	Reference string
	Err       error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%s bookkeeping failed after external call (ref %s): %v", e.Op, e.Reference, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}
