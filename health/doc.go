// Package health provides health monitoring for envgate components with
// thread-safe status tracking and aggregation.
//
// The daemon runs a collector loop that copies each component's
// HealthStatus into a Monitor; the API server renders the Monitor's
// aggregate on /healthz.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: component operating normally
//   - Degraded: component operating with reduced function, typically a
//     transport mid-reconnect
//   - Unhealthy: component not functioning
//
// The degraded state keeps reconnection distinct from failure: a socket
// client backing off toward its next attempt is degraded, one that has
// exhausted its retries is unhealthy.
//
// # Core Components
//
// Status: one component's health with status level, message, timestamp,
// optional metrics, and hierarchical sub-statuses.
//
// Monitor: thread-safe tracking of many component statuses with
// aggregation over all of them.
//
// # Basic Usage
//
// Creating and tracking component health:
//
//	monitor := health.NewMonitor()
//
//	monitor.UpdateHealthy("broadcast-adapter", "scanning")
//	monitor.UpdateDegraded("socket-client", "reconnect attempt 2 of 5")
//	monitor.UpdateUnhealthy("nats", "connection refused")
//
//	if status, exists := monitor.Get("socket-client"); exists {
//	    log.Printf("%s: %s", status.Status, status.Message)
//	}
//
// Feeding the monitor from the component model:
//
//	for name, hs := range manager.HealthSnapshot() {
//	    monitor.UpdateComponent(name, hs)
//	}
//
// # Aggregation
//
// AggregateHealth folds every tracked status into one:
//
//	system := monitor.AggregateHealth("envgate")
//	// any unhealthy -> unhealthy; else any degraded -> degraded;
//	// else healthy. Sub-statuses carry the per-component detail.
//
// # Message Sanitization
//
// FromComponentHealth sanitizes component error text before it reaches
// the HTTP surface: URLs, file paths, IP addresses, ports and
// credential-looking fragments are replaced with placeholders. Dial
// errors name the sensor hub's address; /healthz must not.
package health
