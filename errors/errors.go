// Package errors classifies failures crossing envgate component
// boundaries. Every wrapped error names the component, method and action
// that produced it and carries one of three classes telling the caller
// what to do: retry (transient), drop the input (invalid), or park the
// component until an explicit restart (fatal).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotInitialized = errors.New("component not initialized")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and transport errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrRetriesExhausted  = errors.New("reconnect attempts exhausted")

	// Radio and platform capability errors
	ErrPowerUnavailable = errors.New("radio power unavailable")
	ErrNotAuthorized    = errors.New("radio use not authorized")
	ErrUnsupported      = errors.New("radio not supported on this platform")

	// Data processing errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrLineTooLong   = errors.New("line exceeds maximum length")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Storage and resource errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBufferFull         = errors.New("buffer full")
	ErrCircuitOpen        = errors.New("circuit breaker open")
)

// classSentinels assigns each class the sentinels it absorbs. Sentinels
// not listed here (lifecycle guards, ErrBufferFull) have caller-specific
// handling and classify through wrapping only.
var classSentinels = map[ErrorClass][]error{
	ErrorTransient: {
		ErrNoConnection,
		ErrConnectionLost,
		ErrConnectionTimeout,
		ErrPowerUnavailable,
		ErrStorageUnavailable,
		ErrCircuitOpen,
		context.DeadlineExceeded,
		context.Canceled,
	},
	ErrorInvalid: {
		ErrInvalidData,
		ErrParsingFailed,
		ErrLineTooLong,
	},
	ErrorFatal: {
		ErrInvalidConfig,
		ErrMissingConfig,
		ErrNotAuthorized,
		ErrUnsupported,
		ErrRetriesExhausted,
	},
}

// classHints classifies errors from outside the module (net, database
// drivers) by message substring. Invalid has no hints: unknown errors
// must never be silently dropped as bad input.
var classHints = map[ErrorClass][]string{
	ErrorTransient: {
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
		"retry",
	},
	ErrorFatal: {
		"fatal",
		"panic",
		"unauthorized",
		"unsupported",
		"invalid config",
		"missing config",
	},
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// is reports whether err belongs to class. An explicit classification
// anywhere in the chain wins; otherwise the class's sentinel list, then
// its message hints, decide.
func is(err error, class ErrorClass) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == class
	}

	for _, sentinel := range classSentinels[class] {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range classHints[class] {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	return is(err, ErrorTransient)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	return is(err, ErrorFatal)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	return is(err, ErrorInvalid)
}

// Classify returns the error class for an error. Unknown errors default
// to transient so they stay eligible for retry.
func Classify(err error) ErrorClass {
	switch {
	case err == nil, IsTransient(err):
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// wrapAs wraps err in the standard format and pins its class.
func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
