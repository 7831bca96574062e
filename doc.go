// Package envgate provides a gateway for environmental telemetry from
// embedded sensor nodes, merging two independent transports into one
// arbitrated reading stream with history, persistence and egress fan-out.
//
// # Overview
//
// Sensor nodes report temperature, humidity, pressure and supply voltage
// two ways: a broadcast advertisement carrying a compact binary frame,
// observed passively, and a persistent TCP socket on a hub that streams
// newline-delimited JSON. Either path can be missing, flaky or ahead of
// the other. The gateway runs both, deduplicates what they deliver and
// exposes a single coherent stream.
//
// # Architecture
//
//	┌───────────────┐            ┌───────────────┐
//	│   Broadcast   │            │    Socket     │
//	│    Adapter    │            │    Client     │
//	│ (binary frame)│            │ (JSON lines)  │
//	└───────┬───────┘            └───────┬───────┘
//	        │        readings + state    │
//	        └──────────┬─────────────────┘
//	                   ↓
//	        ┌─────────────────────┐
//	        │  Transport Arbiter  │   device map, dedup,
//	        │ (raw / changed fan- │   transport precedence
//	        │  out, status feed)  │
//	        └──────────┬──────────┘
//	                   │
//	  ┌───────────┬────┴──────┬───────────┬───────────┐
//	  ↓           ↓           ↓           ↓           ↓
//	┌────────┐ ┌────────┐ ┌─────────┐ ┌─────────┐ ┌────────┐
//	│History │ │ NATS   │ │ Webhook │ │ SQLite  │ │  API   │
//	│ Window │ │Publisher│ │Forwarder│ │Recorder │ │HTTP+WS │
//	└────────┘ └────────┘ └─────────┘ └─────────┘ └────────┘
//
// Every box is a component with the same lifecycle: construct with a
// Deps struct, Initialize to validate wiring, Start, observe through
// Health and DataFlow, Stop with a timeout. The daemon in cmd/envgate
// assembles the graph from configuration and runs it under signal
// control.
//
// # Packages
//
// Ingestion:
//   - frame: pure decoder/encoder for the broadcast advertisement frame
//   - input/broadcast: broadcast adapter over a Scanner capability
//     (UDP relay bridge and a simulator ship in-package)
//   - input/socket: persistent TCP client with bounded line scanning
//     and exponential reconnect
//
// Core:
//   - telemetry: Reading, event types, transport states, egress envelope
//   - arbiter: transport arbitration, device map, raw/changed/status
//     fan-out with per-subscriber buffers
//   - history: grouped reading window with highlight decay
//
// Egress:
//   - output/natspub: reading and status envelopes to NATS subjects
//   - output/webhook: changed readings POSTed with retry and a circuit
//     breaker
//   - output/recorder: SQLite persistence with batched writes and
//     scheduled retention pruning
//   - api: REST status/control endpoints plus a WebSocket stream
//
// Infrastructure:
//   - component: component model (lifecycle, health, flow metrics)
//   - config: layered JSON configuration with ENVGATE_* overrides
//   - errors: classified errors (transient, invalid, fatal) + sentinels
//   - health: composite health monitor
//   - metric: Prometheus registry and metrics server
//   - natsclient: NATS connection wrapper with reconnect callbacks
//   - pkg/buffer, pkg/retry, pkg/timestamp: bounded ring buffer, retry
//     with backoff and jitter, millisecond-epoch helpers
//
// # Usage
//
// Components wire explicitly; nothing is global. A minimal ingest path:
//
//	scanner := broadcast.NewUDPScanner("0.0.0.0:9400", 2048, logger)
//	bcast := broadcast.NewAdapter(broadcast.AdapterDeps{
//	    Name:    "broadcast",
//	    Scanner: scanner,
//	    Logger:  logger,
//	})
//	sock := socket.NewClient(socket.ClientDeps{
//	    Name:   "socket",
//	    Config: socket.DefaultConfig(),
//	    Logger: logger,
//	})
//	arb := arbiter.New(arbiter.Deps{
//	    Name:      "arbiter",
//	    Broadcast: bcast,
//	    Socket:    sock,
//	    Logger:    logger,
//	})
//
//	// Initialize wires the transport sinks, so it runs before Start.
//	for _, c := range []component.LifecycleComponent{arb, bcast, sock} {
//	    c.Initialize()
//	    c.Start(ctx)
//	}
//	arb.StartBroadcast()
//
//	events, cancel := arb.SubscribeChanged(64)
//	defer cancel()
//
// The full graph, including outputs and the API server, is assembled the
// same way by cmd/envgate from a config file.
//
// # Design principles
//
// Transport independence:
//   - Either transport may be absent; the arbiter degrades rather than
//     blocks
//   - Scan and stream intent are runtime-controllable, not boot-only
//
// Bounded everything:
//   - Subscriber channels, egress queues and client send buffers all
//     drop oldest rather than grow
//   - Slow WebSocket consumers are disconnected, not throttled
//
// Testability:
//   - Capability interfaces (Scanner, Dialer, Conn) accept fakes
//   - Components take explicit Deps structs and nil-tolerate metrics
//     and loggers
package envgate
