// Package component provides the core component infrastructure for envgate:
// the component model, lifecycle management, and shared logging.
//
// # Overview
//
// The component package defines the fundamental abstractions for all envgate
// components, supporting four component types: inputs (reading sources),
// processors (arbitration and aggregation), outputs (reading sinks), and api
// (status and control surfaces). Components are self-describing units that
// report metadata, health, and data flow, and are managed through a uniform
// lifecycle.
//
// The Manager owns a fixed set of components composed at startup: it starts
// them in pipeline order and stops them in reverse, giving each component an
// individually cancellable context.
//
// # Component Lifecycle
//
// Components implement LifecycleComponent:
//
//	Initialize() error                 // Setup/create only, NO context
//	Start(ctx context.Context) error   // Start with context passed through
//	Stop(timeout time.Duration) error  // Stop with timeout for graceful shutdown
//
// The contract every envgate component follows:
//
//   - Initialize performs setup without I/O and may be called again after
//     Stop to support restarts
//   - Start returns promptly after launching the component's goroutines; it
//     fails when the context is already cancelled, when the component is
//     already started, or when it was never initialized
//   - Stop is safe to call at any time and is idempotent; stopping a
//     component that never started returns nil
//
// The component itself never stores the context it receives: the Manager
// creates a child context per component and keeps the cancel function so
// individual components can be cancelled during shutdown.
//
// # Quick Start
//
// Composing and running components:
//
//	deps := component.Dependencies{
//		NATSClient:      natsClient,
//		MetricsRegistry: registry,
//		Logger:          slog.Default(),
//	}
//
//	manager := component.NewManager(deps.GetLogger(), registry.CoreMetrics())
//	manager.Register("broadcast-adapter", adapter)
//	manager.Register("socket-client", client)
//	manager.Register("arbiter", arbiter)
//
//	if err := manager.InitializeAll(); err != nil {
//		return err
//	}
//	if err := manager.StartAll(ctx); err != nil {
//		return err
//	}
//	defer manager.StopAll(10 * time.Second)
//
// # Introspection
//
// Every component implements Component, providing metadata, health status,
// and data flow metrics. The status API reads these through the Manager:
//
//	health := manager.HealthSnapshot()
//	states := manager.States()
//
// # Component Logging
//
// GetLoggerWithComponent returns a component-scoped slog.Logger. When a
// log publisher is configured, its handler also mirrors warn-and-above
// records to NATS under envgate.logs.<component> so operational tooling
// can follow component trouble remotely. Without a publisher the logger
// behaves like a plain scoped slog.Logger:
//
//	logger := deps.GetLoggerWithComponent("socket-client")
//	logger.Info("connected")
//	logger.Error("read failed", "error", err)
//
// # Testing
//
// StandardLifecycleTests runs the shared lifecycle conformance suite against
// any LifecycleComponent. Component test packages call it with a factory:
//
//	func TestAdapter_Lifecycle(t *testing.T) {
//		component.StandardLifecycleTests(t, func() component.LifecycleComponent {
//			return newTestAdapter(t)
//		})
//	}
//
// NopComponent provides a minimal conforming component for tests that need
// well-behaved placeholders, and ErrorInjectingComponent wraps any component
// to force lifecycle failures.
package component
