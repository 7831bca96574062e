package component

import (
	"log/slog"

	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/natsclient"
)

// Dependencies provides all external dependencies needed by components.
// Components receive a single structured value rather than individual
// fields so constructors stay stable as the dependency set grows.
type Dependencies struct {
	NATSClient      *natsclient.Client      // NATS client for messaging (can be nil)
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	LogPublisher    LogPublisher            // Publisher for NATS log mirroring (can be nil)
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger scoped to the named component.
// When a log publisher is configured the logger also mirrors warnings and
// errors to the component's NATS log subject.
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	base := d.GetLogger().With("component", componentName)
	return MirrorLogger(base, d.LogPublisher, componentName)
}

// CoreMetrics returns the shared core metrics, or nil when no registry is
// configured.
func (d *Dependencies) CoreMetrics() *metric.Metrics {
	if d.MetricsRegistry == nil {
		return nil
	}
	return d.MetricsRegistry.CoreMetrics()
}
