// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
	ErrMissingToken     = errors.New("access token not configured")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("operation timed out")
	ErrPassInProgress   = errors.New("protection pass already in progress")
	ErrDataNotFound     = errors.New("data not found")
	ErrDatabaseError    = errors.New("database error")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrUnsupported      = errors.New("operation not supported by broker")
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s/%d]: %s: %v", e.Code, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s/%d]: %s", e.Code, e.StatusCode, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrSessionExpired) match credential failures.
func (e *BrokerError) Is(target error) bool {
	return target == ErrSessionExpired && e.StatusCode == http.StatusUnauthorized
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, statusCode int, err error) *BrokerError {
	return &BrokerError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// IsAuthError reports whether err is an expired or invalid broker credential.
// Such errors are terminal for a protection pass and cannot be refreshed away.
func IsAuthError(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.StatusCode == http.StatusUnauthorized
	}
	return errors.Is(err, ErrSessionExpired)
}

// QuoteError represents a price lookup failure for one instrument.
type QuoteError struct {
	Provider string
	Symbol   string
	Message  string
	Err      error
}

func (e *QuoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quote error [%s] %s: %s: %v", e.Provider, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("quote error [%s] %s: %s", e.Provider, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrQuoteUnavailable
}

// NewQuoteError creates a new QuoteError.
func NewQuoteError(provider, symbol, message string, err error) *QuoteError {
	return &QuoteError{
		Provider: provider,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// ConfigurationError is raised before any network call when required settings are missing.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Message: message,
	}
}

// OrderError represents an error related to order operations.
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

// Join combines errors into one.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
