// Package metric provides Prometheus-based metrics collection and an HTTP
// server for envgate monitoring and observability.
//
// The package offers a centralized metrics registry managing both core gateway
// metrics (component status, reading flow, NATS health) and custom
// component-specific metrics. It includes an HTTP server exposing metrics in
// Prometheus format for monitoring system integration.
//
// # Architecture
//
// The package follows a three-layer design:
//
//  1. Core Metrics: Gateway-level metrics automatically registered (Metrics type)
//  2. Component Registry: Extensible registration for component-specific metrics (MetricsRegistrar interface)
//  3. HTTP Server: Metrics endpoint with health checks (Server type)
//
// This architecture separates infrastructure concerns (core metrics) from
// component concerns (transport- and sink-specific metrics) while providing a
// unified metrics endpoint for monitoring systems.
//
// # Basic Usage
//
// Setting up metrics collection and HTTP server:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("Metrics server error: %v", err)
//	    }
//	}()
//
//	// Record core gateway metrics
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordComponentStatus("broadcast-adapter", 2)
//	coreMetrics.RecordReadingReceived("broadcast-adapter", "broadcast")
//	coreMetrics.RecordNATSStatus(true)
//
// The metrics server exposes Prometheus-formatted metrics at
// http://localhost:9090/metrics and a health check at
// http://localhost:9090/health.
//
// # Core Metrics
//
// The package automatically registers core gateway metrics tracking:
//
//   - Component lifecycle: component_status (0=stopped, 1=starting, 2=running, 3=stopping)
//   - Reading flow: readings_received_total{component,transport}, readings_published_total{component,sink}
//   - Error tracking: errors_total{component,type}
//   - Health checks: health_status{component}
//   - NATS connectivity: nats_connected, nats_reconnects_total
//
// Access core metrics through the registry:
//
//	coreMetrics := registry.CoreMetrics()
//
//	// Component lifecycle tracking
//	coreMetrics.RecordComponentStatus("socket-client", 2) // 2 = running
//
//	// Reading flow metrics
//	coreMetrics.RecordReadingReceived("socket-client", "socket")
//	coreMetrics.RecordReadingPublished("nats-publisher", "envgate.readings")
//
//	// Error tracking
//	coreMetrics.RecordError("socket-client", "parse_rejected")
//
//	// NATS connectivity
//	coreMetrics.RecordNATSStatus(true)
//	coreMetrics.RecordNATSReconnect()
//
// # Component-Specific Metrics
//
// Components can register custom metrics through the registry:
//
//	// Register a counter
//	framesDecoded := prometheus.NewCounter(prometheus.CounterOpts{
//	    Name: "frames_decoded_total",
//	    Help: "Total number of broadcast frames decoded",
//	})
//	err := registry.RegisterCounter("broadcast-adapter", "frames_decoded_total", framesDecoded)
//
//	// Register a gauge
//	trackedDevices := prometheus.NewGauge(prometheus.GaugeOpts{
//	    Name: "tracked_devices",
//	    Help: "Number of devices currently tracked",
//	})
//	err = registry.RegisterGauge("arbiter", "tracked_devices", trackedDevices)
//
//	// Register a histogram
//	publishDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
//	    Name:    "publish_duration_seconds",
//	    Help:    "Time spent publishing readings",
//	    Buckets: prometheus.DefBuckets,
//	})
//	err = registry.RegisterHistogram("nats-publisher", "publish_duration_seconds", publishDuration)
//
// Vector variants (RegisterCounterVec, RegisterGaugeVec, RegisterHistogramVec)
// accept labeled metrics for multi-dimensional data.
//
// # HTTP Server
//
// The metrics server provides three endpoints:
//
//   - GET / - HTML page with links to metrics and health endpoints
//   - GET /metrics - Prometheus-formatted metrics (default path, configurable)
//   - GET /health - JSON health check response
//
// Server configuration:
//
//	// Default configuration (port 9090, path /metrics)
//	server := metric.NewServer(0, "", registry)
//
//	// Custom configuration
//	server := metric.NewServer(8080, "/prometheus", registry)
//
//	// Start server (blocking)
//	if err := server.Start(); err != nil {
//	    log.Fatalf("Failed to start metrics server: %v", err)
//	}
//
//	// Stop server (in another goroutine)
//	if err := server.Stop(); err != nil {
//	    log.Printf("Error stopping server: %v", err)
//	}
//
// # Prometheus Integration
//
// The package uses the official Prometheus Go client library. Configure
// Prometheus to scrape the endpoint:
//
//	# prometheus.yml
//	scrape_configs:
//	  - job_name: 'envgate'
//	    static_configs:
//	      - targets: ['localhost:9090']
//	    metrics_path: '/metrics'
//	    scrape_interval: 15s
//
// All core metrics use the namespace "envgate":
//   - envgate_component_status{component="..."}
//   - envgate_readings_received_total{component="...",transport="..."}
//   - envgate_nats_connected
//
// Component-specific metrics use the metric name as provided during
// registration.
//
// # MetricsRegistrar Interface
//
// Components accept the MetricsRegistrar interface for dependency injection:
//
//	type Adapter struct {
//	    metrics metric.MetricsRegistrar
//	}
//
//	func NewAdapter(metrics metric.MetricsRegistrar) *Adapter {
//	    counter := prometheus.NewCounter(prometheus.CounterOpts{
//	        Name: "frames_decoded_total",
//	        Help: "Total frames decoded",
//	    })
//	    metrics.RegisterCounter("broadcast-adapter", "frames_decoded_total", counter)
//
//	    return &Adapter{metrics: metrics}
//	}
//
// This enables testing with mock registrars and provides loose coupling.
//
// # Thread Safety
//
// All registry operations are thread-safe:
//   - Registration methods use mutex protection
//   - Metric recording is lock-free (Prometheus guarantee)
//   - CoreMetrics() returns a thread-safe shared instance
//   - PrometheusRegistry() is safe for concurrent access
//
// # Error Handling
//
// Registration methods return errors for:
//
//   - Duplicate registration: attempting to register the same component/metric key twice
//   - Prometheus conflicts: internal Prometheus registration failures
//
// The Server.Start() method returns errors for:
//
//   - Server already running
//   - Nil registry
//   - HTTP server failures (port in use, permission denied)
package metric
