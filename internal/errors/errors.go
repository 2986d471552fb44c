package errors

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnknownTransactionKind = errors.New("unknown transaction kind")
)

// Not-found errors
var (
	ErrCardNotFound  = errors.New("card not found")
	ErrOwnerNotFound = errors.New("owner not found")
)

// Business-rule conflicts
var (
	ErrAlreadyHasActiveCard = errors.New("owner already has an active card")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrCardHasTransactions  = errors.New("card is referenced by transaction records")
	ErrCardNumberTaken      = errors.New("card number already issued")
)

// ErrGenerationExhausted means the generator ran out of attempts to find an unused
// card number. It is not expected in normal operation.
var ErrGenerationExhausted = errors.New("card number generation exhausted")

type ValidationError struct {
	Field   string
	Message string
	Kind    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// NewValidationError reports bad caller input. kind is one of the validation
// sentinels and is what errors.Is matches against.
func NewValidationError(kind error, field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
		Kind:    kind,
	}
}

type StoreError struct {
	Operation string
	Cause     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during '%s': %v", e.Operation, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

func NewStoreError(operation string, cause error) error {
	return &StoreError{
		Operation: operation,
		Cause:     cause,
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound) || errors.Is(err, ErrOwnerNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyHasActiveCard) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrCardHasTransactions) ||
		errors.Is(err, ErrCardNumberTaken)
}

func IsValidation(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownTransactionKind)
}

func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}
