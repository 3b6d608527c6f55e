// Package errors provides centralized error definitions and error handling utilities
// for iolink. It defines the lock and remote-call error taxonomy, typed errors that
// carry diagnostic context, and classification helpers.
//
// # Error Types
//
// Sentinel errors name the conditions callers branch on:
//   - ErrInterrupted: a caller-context wait was cancelled
//   - ErrBusy: a non-blocking acquisition could not proceed
//   - ErrInvalidRelease: a caller-context release by a non-owner
//   - ErrLowLevelViolation: a callback-context release by a non-owner
//   - ErrRemoteFatal: the remote-invoke primitive reported a non-retryable failure
//   - ErrSendBusy: the busy-retry budget was exhausted
//
// Typed errors add context:
//   - LockError: which domain, which caller, and how severe
//   - RemoteError: which firmware function and which raw result code
//
// # Usage
//
//	if errors.Is(err, errors.ErrInterrupted) { ... }
//
//	var remote *errors.RemoteError
//	if errors.As(err, &remote) {
//	    log.Warn("firmware call failed", "code", remote.Code)
//	}
//
// # Error Classification
//
//   - Retryable: Busy and SendBusy, the caller decides whether to poll again
//   - Misuse: InvalidRelease and LowLevelViolation, logged and ignored by the lock
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for programming errors in a calling driver.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lock-related sentinel errors
var (
	// ErrInterrupted indicates that a caller-context wait was cancelled before the
	// lock or transfer slot was obtained.
	ErrInterrupted = New("wait interrupted")
	// ErrBusy indicates that a non-blocking acquisition could not proceed.
	ErrBusy = New("resource busy")
	// ErrInvalidRelease indicates a caller-context release by a non-owner.
	ErrInvalidRelease = New("release by non-owner")
	// ErrLowLevelViolation indicates a callback-context release by a non-owner.
	ErrLowLevelViolation = New("callback release by non-owner")
	// ErrUnknownDomain indicates a lookup of a domain name the registry does not know.
	ErrUnknownDomain = New("unknown lock domain")
)

// Remote-call sentinel errors
var (
	// ErrRemoteFatal indicates that the remote-invoke primitive rejected a call.
	ErrRemoteFatal = New("remote call failed")
	// ErrSendBusy indicates that the send queue stayed busy past the retry budget.
	ErrSendBusy = New("remote send queue busy")
	// ErrUnknownFunction indicates a function name outside the firmware enumeration.
	ErrUnknownFunction = New("unknown firmware function")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrClosed indicates use of a subsystem after it was shut down.
	ErrClosed = New("subsystem closed")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LockError represents errors raised by shared-resource locks.
//
// Example:
//
//	err := errors.NewLockError("release by non-owner", errors.ErrInvalidRelease).
//		WithDomain("cdvd").WithCaller("7")
//	fmt.Println(err) // "lock error [domain=cdvd, caller=7]: release by non-owner: release by non-owner"
type LockError struct {
	baseError
	Domain string
	Caller string
}

// NewLockError creates a new LockError. Misuse causes are classified as critical,
// Busy as retryable.
func NewLockError(message string, cause error) *LockError {
	severity := SeverityError
	switch {
	case errors.Is(cause, ErrInvalidRelease), errors.Is(cause, ErrLowLevelViolation):
		severity = SeverityCritical
	case errors.Is(cause, ErrInterrupted):
		severity = SeverityInfo
	}
	return &LockError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  severity,
			retryable: errors.Is(cause, ErrBusy),
		},
	}
}

// WithDomain adds the lock domain to the error context.
func (e *LockError) WithDomain(domain string) *LockError {
	e.Domain = domain
	return e
}

// WithCaller adds the caller identity to the error context.
func (e *LockError) WithCaller(caller string) *LockError {
	e.Caller = caller
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Domain != "" {
		parts = append(parts, fmt.Sprintf("domain=%s", e.Domain))
	}
	if e.Caller != "" {
		parts = append(parts, fmt.Sprintf("caller=%s", e.Caller))
	}

	prefix := "lock error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("lock error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RemoteError represents a failure reported by the remote-invoke primitive.
// Code carries the raw (negative) firmware result verbatim.
type RemoteError struct {
	baseError
	Function string
	Code     int32
}

// NewRemoteError creates a RemoteError for the given function and raw code.
func NewRemoteError(function string, code int32, cause error) *RemoteError {
	return &RemoteError{
		baseError: baseError{
			message:   "firmware call rejected",
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrSendBusy),
		},
		Function: function,
		Code:     code,
	}
}

// Error returns the formatted error message.
func (e *RemoteError) Error() string {
	prefix := fmt.Sprintf("remote error [function=%s, code=%d]", e.Function, e.Code)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RemoteError) Is(target error) bool {
	if _, ok := target.(*RemoteError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification
// -----------------------------------------------------------------------------

// classified is implemented by the typed errors of this package.
type classified interface {
	error
	Severity() Severity
	IsRetryable() bool
}

// IsRetryable returns true if the condition is transient: Busy or SendBusy,
// or a typed error marked retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var c classified
	if As(err, &c) && c.IsRetryable() {
		return true
	}

	return Is(err, ErrBusy) || Is(err, ErrSendBusy)
}

// IsMisuse returns true for structural misuse of a lock by a calling driver.
func IsMisuse(err error) bool {
	return Is(err, ErrInvalidRelease) || Is(err, ErrLowLevelViolation)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't carry one.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var c classified
	if As(err, &c) {
		return c.Severity()
	}

	if IsMisuse(err) {
		return SeverityCritical
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
