// Package natsclient wraps the NATS Go client for the gateway's egress
// paths. It adds the pieces the daemon needs on flaky edge networks: a
// failure-counting circuit breaker around Connect, status tracking the
// health collector can read, and Prometheus gauges for connection state.
//
// All NATS traffic leaving the gateway goes through one Client: reading
// events from the egress publisher and warn-level log mirroring from the
// component layer.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("envgate"),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	    natsclient.WithCoreMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "envgate.reading.7", payload)
//
// # Circuit breaker
//
// Connect failures feed a breaker that opens after a threshold of
// consecutive failures (default 5). While open, Connect fails fast with
// ErrCircuitOpen instead of dialing. The breaker half-closes on its own
// after a backoff window that doubles each time it trips, capped at one
// minute by default. A successful connect or library-level reconnect
// resets the breaker.
//
//	if errors.Is(client.Connect(ctx), natsclient.ErrCircuitOpen) {
//	    time.Sleep(client.Backoff())
//	}
//
// # Connection state
//
// The client tracks Disconnected, Connecting, Connected, Reconnecting,
// and CircuitOpen states. The nats library's own reconnect loop drives
// the Reconnecting/Connected transitions through the registered
// handlers; an optional health monitor probes RTT and corrects the
// state if the two drift apart. Status() returns the current state,
// IsHealthy() reports Connected, and GetStatus() adds failure counts,
// reconnect totals, and RTT. Callbacks for disconnect, reconnect,
// health change, and permanent connection loss are configured through
// options.
//
// Publish and Subscribe guard against a missing connection and return
// ErrNotConnected rather than letting the nats library buffer into the
// void.
//
// # Security
//
// Username/password, token, and TLS client certificates are all set
// through options. Credentials are wiped from the client's memory when
// Close runs.
//
// The Client is safe for concurrent use. Close drains the connection,
// bounded by the drain timeout, and is idempotent.
package natsclient
