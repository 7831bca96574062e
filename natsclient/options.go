package natsclient

import (
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/c360/envgate/metric"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[NATS] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[NATS ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(format string, v ...any) {
	// Debug logging disabled by default
}

// slogAdapter bridges the client's printf-style logging onto a
// structured logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

// NewSlogLogger wraps a slog.Logger so it can serve as the client's
// Logger.
func NewSlogLogger(logger *slog.Logger) Logger {
	return &slogAdapter{logger: logger}
}

// ClientOption is a functional option for configuring the client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum number of reconnection attempts
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(wait time.Duration) ClientOption {
	return func(c *Client) error {
		if wait < 0 {
			return fmt.Errorf("reconnect wait cannot be negative")
		}
		c.reconnectWait = wait
		return nil
	}
}

// WithPingInterval sets the ping interval for connection health checks
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) error {
		if interval < 0 {
			return fmt.Errorf("ping interval cannot be negative")
		}
		c.pingInterval = interval
		return nil
	}
}

// WithHealthInterval sets the interval for health monitoring
func WithHealthInterval(interval time.Duration) ClientOption {
	return func(c *Client) error {
		if interval < 0 {
			return fmt.Errorf("health interval cannot be negative")
		}
		c.healthInterval = interval
		return nil
	}
}

// WithLogger sets a custom logger for the client
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDisconnectCallback sets a callback for disconnect events
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback sets a callback for reconnect events
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback sets a callback for health status changes
func WithHealthChangeCallback(fn func(bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithConnectionLostCallback sets a callback invoked when the connection
// is permanently lost (reconnect attempts exhausted)
func WithConnectionLostCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onConnectionLost = fn
		return nil
	}
}

// WithCircuitBreakerThreshold sets the failure threshold for the circuit breaker
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 5 {
			return fmt.Errorf("circuit breaker threshold must be at least 5 for production stability")
		}
		c.breaker.threshold = threshold
		return nil
	}
}

// WithMaxBackoff sets the maximum backoff duration for the circuit breaker
func WithMaxBackoff(maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if maxBackoff < time.Minute {
			return fmt.Errorf("max backoff must be at least 1 minute for production stability")
		}
		c.breaker.maxBackoff = maxBackoff
		return nil
	}
}

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		if username == "" || password == "" {
			return fmt.Errorf("username and password must both be provided")
		}
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}
		c.token = token
		return nil
	}
}

// WithTLS enables TLS with the specified certificate files
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.tlsEnabled = true
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// WithName sets the client connection name visible in NATS monitoring
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the connection timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.timeout = timeout
		return nil
	}
}

// WithDrainTimeout sets the timeout for draining the connection on close
func WithDrainTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("drain timeout must be positive")
		}
		c.drainTimeout = timeout
		return nil
	}
}

// WithCompression enables connection compression
func WithCompression(enabled bool) ClientOption {
	return func(c *Client) error {
		c.compression = enabled
		return nil
	}
}

// WithCoreMetrics wires the client's connection gauges into the shared
// metric registry (nats_connected, nats_reconnects_total)
func WithCoreMetrics(core *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.core = core
		return nil
	}
}
