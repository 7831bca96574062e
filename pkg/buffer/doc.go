// Package buffer provides thread-safe circular buffers with drop-based
// overflow policies, built-in statistics tracking, and optional Prometheus
// metrics integration.
//
// # Overview
//
// The buffer package implements the bounded queues that sit between envgate's
// reading streams and its egress components (NATS publisher, webhook
// forwarder, recorder). Buffers are generic, thread-safe, and never block
// producers: slow egress loses the oldest items rather than stalling
// telemetry ingestion.
//
// # Quick Start
//
// Basic buffer creation:
//
//	buf, err := buffer.NewCircularBuffer[telemetry.Event](1000)
//	if err != nil {
//		return err
//	}
//
//	// Write data
//	err = buf.Write(event)
//
//	// Read data
//	event, ok := buf.Read()
//
// With overflow policy and metrics:
//
//	buf, err := buffer.NewCircularBuffer[telemetry.Event](5000,
//		buffer.WithOverflowPolicy[telemetry.Event](buffer.DropOldest),
//		buffer.WithMetrics[telemetry.Event](registry, "natspub"),
//	)
//
// # Overflow Policies
//
// Two overflow behaviors are available when capacity is reached:
//
//   - DropOldest: Remove oldest item to make room (default)
//   - DropNewest: Reject new items when full
//
// There is deliberately no blocking policy: every producer in envgate must
// stay non-blocking, so backpressure is expressed as drops visible in
// statistics and metrics.
//
// # Statistics
//
// Statistics are always collected:
//
//	stats := buf.Stats()
//	fmt.Printf("writes=%d drops=%d rate=%.2f\n",
//		stats.Writes(), stats.Drops(), stats.DropRate())
//
// # Drop Callbacks
//
// A DropCallback observes every dropped item, typically to count drops on the
// owning component:
//
//	buf, err := buffer.NewCircularBuffer[telemetry.Event](100,
//		buffer.WithDropCallback[telemetry.Event](func(ev telemetry.Event) {
//			dropped.Add(1)
//		}),
//	)
//
// # Thread Safety
//
// All operations are safe for concurrent use by multiple producers and
// consumers.
package buffer
