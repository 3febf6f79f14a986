package passledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrOwnerAlreadySet = errors.New("owner already set")
	ErrNotOwner        = errors.New("caller is not the owner")
	ErrNotBootstrapped = errors.New("ledger not bootstrapped")
	ErrNoPass          = errors.New("no pass for subject")
	ErrPassExpired     = errors.New("pass expired")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrTransferFailed  = errors.New("transfer failed")

	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// ErrorCode is the stable numeric identifier exposed to API layers.
type ErrorCode uint32

// Stable error codes. 100, 102, and 300 are fixed by the original consumer
// surface; the remaining values are assigned here: 1xx covers
// authorization and pass-state conditions, 3xx covers amounts and payment.
const (
	CodeOwnerAlreadySet ErrorCode = 100
	CodeNoPass          ErrorCode = 101
	CodeNotOwner        ErrorCode = 102
	CodePassExpired     ErrorCode = 103
	CodeNotBootstrapped ErrorCode = 104
	CodeInvalidAmount   ErrorCode = 300
	CodeTransferFailed  ErrorCode = 301
	CodeInvalidIdentity ErrorCode = 302
)

// CodeOf maps a service error to its stable numeric code. It reports false
// when the error carries no domain code (for example a raw storage failure).
func CodeOf(err error) (ErrorCode, bool) {
	switch {
	case errors.Is(err, ErrOwnerAlreadySet):
		return CodeOwnerAlreadySet, true
	case errors.Is(err, ErrNoPass):
		return CodeNoPass, true
	case errors.Is(err, ErrNotOwner):
		return CodeNotOwner, true
	case errors.Is(err, ErrPassExpired):
		return CodePassExpired, true
	case errors.Is(err, ErrNotBootstrapped):
		return CodeNotBootstrapped, true
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount, true
	case errors.Is(err, ErrTransferFailed):
		return CodeTransferFailed, true
	case errors.Is(err, ErrInvalidIdentity):
		return CodeInvalidIdentity, true
	default:
		return 0, false
	}
}

// OperationError wraps a failure with the operation and subject it occurred
// in plus the stable numeric code, when one applies.
type OperationError struct {
	operation string
	subject   string
	code      ErrorCode
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	if operationError.code == 0 {
		return fmt.Sprintf("%s.%s: %v", operationError.operation, operationError.subject, operationError.err)
	}
	return fmt.Sprintf("%s.%s [%d]: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable numeric code, zero when none applies.
func (operationError OperationError) Code() ErrorCode {
	return operationError.code
}

// WrapError wraps an error with operation and subject metadata, resolving
// the numeric code from the underlying sentinel.
func WrapError(operation string, subject string, err error) error {
	if err == nil {
		return nil
	}
	code, _ := CodeOf(err)
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
