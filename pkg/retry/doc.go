// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers a minimal retry mechanism with exponential backoff, used
// by envgate for egress delivery, storage initialization, and shim startup
// (binding the UDP bridge listener, opening the recorder database, connecting
// the NATS publisher).
//
// The telemetry socket transport does NOT use this package: its reconnect
// schedule has its own attempt-ceiling and explicit-restart semantics and
// lives in input/socket.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// # Usage Examples
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect()
//	})
//
// Retry with result:
//
//	db, err := retry.DoWithResult(ctx, retry.Quick(), func() (*sql.DB, error) {
//	    return openDatabase(path)
//	})
//
// Logging each backoff via the OnRetry hook:
//
//	cfg := retry.DefaultConfig()
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("publish failed, backing off",
//	        "attempt", attempt, "delay", delay, "error", err)
//	}
//
// # Design Philosophy
//
// This package is intentionally minimal:
//
//   - No circuit breakers (output/webhook wires gobreaker at the call site)
//   - No metrics collection (use instrumentation at call site)
//   - No complex error classification (caller decides what to retry)
//   - Just exponential backoff with jitter
//
// # Context Cancellation
//
// All retry operations respect context cancellation and will immediately stop
// retrying when the context is cancelled, either during operation execution or
// during backoff delay.
//
// # Thread Safety
//
// All functions are safe for concurrent use.
package retry
