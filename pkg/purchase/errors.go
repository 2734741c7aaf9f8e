package purchase

import (
	"errors"
	"fmt"
)

// Domain-level error values surfaced by the purchase core.
var (
	ErrCategoryNotFound  = errors.New("category not found")
	ErrNotEnoughAccounts = errors.New("not enough accounts")
	ErrInvalidPromo      = errors.New("invalid promo")
	ErrInternal          = errors.New("internal error")

	ErrInvalidUnitStatus    = errors.New("invalid unit status")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrUnitNotFound         = errors.New("unit not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrRequestNotFound      = errors.New("purchase request not found")
	ErrHoldNotFound         = errors.New("balance hold not found")
	ErrStateConflict        = errors.New("state transition conflict")
	ErrNotOwner             = errors.New("unit not owned by user")
)

// NotEnoughMoneyError carries the shortfall between the final total and the
// buyer's balance.
type NotEnoughMoneyError struct {
	Shortfall int64
}

// Error returns the formatted message.
func (notEnough NotEnoughMoneyError) Error() string {
	return fmt.Sprintf("not enough money: short %d", notEnough.Shortfall)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
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

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
