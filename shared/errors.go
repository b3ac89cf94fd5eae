package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a request, peer or plugin id no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrUserRejected is returned when an approval is declined or its surface closed.
	ErrUserRejected = errors.New("user rejected")
	// ErrConnectionLost is returned to waiters when the relay or engine socket drops.
	ErrConnectionLost = errors.New("connection lost")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Error types carried in NotaryError.Type
const (
	ErrTypeEngine     = "engine_error"
	ErrTypeProtocol   = "protocol_error"
	ErrTypeConnection = "connection_error"
	ErrTypeValidation = "validation_error"
)

// NotaryError is the base error type for all notarization failures
type NotaryError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Error implements the error interface
func (e *NotaryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *NotaryError) Unwrap() error {
	return e.Cause
}

// NewEngineError wraps a failure reported by the MPC engine during phase
func NewEngineError(phase string, cause error) *NotaryError {
	return &NotaryError{
		Type:    ErrTypeEngine,
		Message: fmt.Sprintf("engine failed while %s", phase),
		Cause:   cause,
	}
}

// NewProtocolError represents a malformed or unexpected relay/RPC message
func NewProtocolError(method string, message string, cause error) *NotaryError {
	return &NotaryError{
		Type:    ErrTypeProtocol,
		Message: fmt.Sprintf("protocol error in %s: %s", method, message),
		Cause:   cause,
	}
}

// NewConnectionError represents a dial or socket failure toward target
func NewConnectionError(target string, cause error) *NotaryError {
	return &NotaryError{
		Type:    ErrTypeConnection,
		Message: fmt.Sprintf("failed to connect to %s", target),
		Cause:   cause,
	}
}

// NewValidationError represents invalid caller input
func NewValidationError(field string, message string) *NotaryError {
	return &NotaryError{
		Type:    ErrTypeValidation,
		Message: fmt.Sprintf("validation error for field '%s': %s", field, message),
	}
}

// ErrorType returns the NotaryError type of err, or "" when err is not one.
func ErrorType(err error) string {
	var ne *NotaryError
	if errors.As(err, &ne) {
		return ne.Type
	}
	return ""
}
