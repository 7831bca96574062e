// Package errors provides standardized error handling patterns for envgate components.
//
// # Overview
//
// The errors package implements a three-class error classification system for
// telemetry transport handling: Transient (temporary, retryable), Invalid
// (bad input, non-retryable), and Fatal (unrecoverable, stop until explicit
// restart).
//
// This classification lets transports and outputs make informed decisions
// about reconnects, graceful degradation, and failure surfacing without
// hardcoded error string matching. A lost socket connection is Transient and
// feeds the reconnect schedule; a malformed telemetry line is Invalid and is
// dropped; an unauthorized radio is Fatal and parks the transport until the
// operator starts it again.
//
// # Quick Start
//
// Use standard error variables for known conditions:
//
//	if !c.connected.Load() {
//	    return errors.ErrNoConnection
//	}
//
// Wrap errors with component context:
//
//	if err := conn.Close(); err != nil {
//	    return errors.Wrap(err, "SocketClient", "Stop", "close connection")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    // schedule reconnect
//	} else if errors.IsFatal(err) {
//	    // park transport, require explicit start
//	}
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// The generic Wrap() preserves the original error's classification.
//
// # Standard Error Variables
//
// Pre-defined variables cover the conditions envgate transports raise:
//
//   - Component lifecycle: ErrAlreadyStarted, ErrNotStarted, ErrShuttingDown
//   - Connections: ErrNoConnection, ErrConnectionLost, ErrConnectionTimeout,
//     ErrRetriesExhausted
//   - Radio capability: ErrPowerUnavailable, ErrNotAuthorized, ErrUnsupported
//   - Data: ErrInvalidData, ErrParsingFailed, ErrLineTooLong
//   - Configuration: ErrInvalidConfig, ErrMissingConfig
//
// # Context Cancellation
//
// Context errors (context.DeadlineExceeded, context.Canceled) are classified
// as Transient, so context-based timeouts flow through the same handling as
// network timeouts.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables
// are immutable and safe for concurrent access.
package errors
