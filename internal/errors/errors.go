// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrLotSizeViolation  = errors.New("quantity not a lot-size multiple")
	ErrShortDelivery     = errors.New("short delivery not permitted")
	ErrQuoteUnavailable  = errors.New("quote unavailable")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderNotOpen      = errors.New("order is not open")
	ErrFundNotFound      = errors.New("fund account not found")
	ErrMarginDrift       = errors.New("margin drift detected")
	ErrTimeout           = errors.New("operation timed out")
)

// ValidationError represents a validation error raised before an order is
// persisted.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// OrderError represents an error related to order operations. Reason is
// always human-readable; it is persisted with rejected orders.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// MarginError represents a margin shortfall with the amounts involved.
type MarginError struct {
	User      string
	Required  int64 // paise
	Available int64 // paise
}

func (e *MarginError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need %d, have %d", e.User, e.Required, e.Available)
}

func (e *MarginError) Unwrap() error {
	return ErrInsufficientFunds
}

// NewMarginError creates a new MarginError.
func NewMarginError(user string, required, available int64) *MarginError {
	return &MarginError{User: user, Required: required, Available: available}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
