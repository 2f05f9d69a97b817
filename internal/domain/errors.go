package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConversion ErrorType = "conversion"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeCheckpoint ErrorType = "checkpoint"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConversionError(message string, err error) *DomainError {
	return NewError(ErrorTypeConversion, message, err)
}

func APIError(message string, err error) *DomainError {
	return NewError(ErrorTypeAPI, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func CheckpointError(message string, err error) *DomainError {
	return NewError(ErrorTypeCheckpoint, message, err)
}

// ErrNoCredentialAvailable is returned by the credential pool when no key
// becomes usable before the acquire deadline.
var ErrNoCredentialAvailable = errors.New("no credential available")

// QuotaScope tells whether a rate limit resets within the minute or the day.
type QuotaScope string

const (
	QuotaScopeMinute QuotaScope = "minute"
	QuotaScopeDay    QuotaScope = "day"
)

// QuotaError is a credential-specific rate limit. Retry with another credential.
type QuotaError struct {
	Scope      QuotaScope
	RetryAfter time.Duration // zero when the service did not say
	Err        error
}

func (e *QuotaError) Error() string {
	msg := fmt.Sprintf("quota exceeded (%s)", e.Scope)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// TransientError is a network or service failure that any credential may
// recover from after a backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is never retried within a run.
type PermanentError struct {
	Reason            string
	InvalidCredential bool
	Err               error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent failure (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// WriteError means the output artifact could not be written. The whole task
// is retried like a transient failure.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// AsQuota reports whether err carries a QuotaError.
func AsQuota(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// AsPermanent reports whether err carries a PermanentError.
func AsPermanent(err error) (*PermanentError, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	var we *WriteError
	return errors.As(err, &te) || errors.As(err, &we)
}
