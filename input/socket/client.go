// Package socket maintains the persistent TCP stream of newline-delimited
// JSON readings from a sensor hub. The Client dials the hub, parses each
// line into a reading, repairs implausible hub timestamps, and reconnects
// on its own with doubling backoff until a consecutive-failure ceiling
// disables it.
//
// Every accepted line is emitted as a changed event: the hub already
// coalesces duplicates upstream, so socket readings are authoritative as
// delivered.
package socket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

// Dialer abstracts connection establishment so tests can hand the client
// in-memory pipes. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Metrics holds Prometheus metrics for the socket client
type Metrics struct {
	linesReceived         prometheus.Counter
	readingsParsed        prometheus.Counter
	parseErrors           prometheus.Counter
	timestampsSubstituted prometheus.Counter
	connects              prometheus.Counter
	disconnects           prometheus.Counter
	reconnectsScheduled   prometheus.Counter
	connected             prometheus.Gauge
	lastActivity          prometheus.Gauge
}

// newMetrics creates and registers socket client metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		linesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "lines_received_total",
			Help:      "Total newline-delimited lines read from the hub",
		}),
		readingsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "readings_parsed_total",
			Help:      "Lines that parsed into a valid reading",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "parse_errors_total",
			Help:      "Lines discarded as unparseable JSON",
		}),
		timestampsSubstituted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "timestamps_substituted_total",
			Help:      "Readings whose implausible hub timestamp was replaced with receipt time",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "connects_total",
			Help:      "Successful hub connections",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "disconnects_total",
			Help:      "Connection losses, local or remote",
		}),
		reconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a failure",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "connected",
			Help:      "1 while the hub connection is up",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "socket",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last parsed reading",
		}),
	}

	registry.RegisterCounter("socket", "lines_received", metrics.linesReceived)
	registry.RegisterCounter("socket", "readings_parsed", metrics.readingsParsed)
	registry.RegisterCounter("socket", "parse_errors", metrics.parseErrors)
	registry.RegisterCounter("socket", "timestamps_substituted", metrics.timestampsSubstituted)
	registry.RegisterCounter("socket", "connects", metrics.connects)
	registry.RegisterCounter("socket", "disconnects", metrics.disconnects)
	registry.RegisterCounter("socket", "reconnects_scheduled", metrics.reconnectsScheduled)
	registry.RegisterGauge("socket", "connected", metrics.connected)
	registry.RegisterGauge("socket", "last_activity", metrics.lastActivity)

	return metrics
}

// Config holds connection and reconnect settings for the socket client.
type Config struct {
	// Addr is the hub's host:port dial target.
	Addr         string
	DialTimeout  time.Duration
	MaxLineBytes int

	// Reconnect delay for consecutive failure n is Base doubled per
	// attempt, capped at Max. After MaxAttempts consecutive failures the
	// client stays down until the next explicit StartStream.
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
}

// DefaultConfig returns settings suitable for a hub on the local network.
func DefaultConfig() Config {
	return Config{
		DialTimeout:          10 * time.Second,
		MaxLineBytes:         64 * 1024,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectMaxAttempts: 5,
	}
}

// ClientDeps holds runtime dependencies for the socket client
type ClientDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Connection and reconnect settings
	Dialer          Dialer                  // Connection factory (nil means net.Dialer)
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Client is the socket transport component.
type Client struct {
	name   string
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	core   *metric.Metrics

	// Lifecycle management
	running   atomic.Bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	startTime time.Time

	// Guarded by mu. gen invalidates in-flight dials, read loops and
	// backoff timers: any completion whose generation no longer matches
	// discards itself.
	sink           telemetry.EventSink
	stateSink      telemetry.StateSink
	conn           net.Conn
	state          telemetry.ConnState
	reason         string
	attempts       int // consecutive failed connection attempts
	autoReconnect  bool
	reconnectTimer *time.Timer
	gen            int
	lastStatus     telemetry.TransportStatus

	// Metrics (atomic for thread safety)
	linesReceived  atomic.Int64
	readingsParsed atomic.Int64
	parseErrors    atomic.Int64
	bytesReceived  atomic.Int64
	errorCount     atomic.Int64
	lastActivity   atomic.Value // stores time.Time

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Client implements all required interfaces
var _ component.LifecycleComponent = (*Client)(nil)

// NewClient creates a socket client for the configured hub address.
func NewClient(deps ClientDeps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "socket-client")
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	c := &Client{
		name:      deps.Name,
		cfg:       deps.Config,
		dialer:    dialer,
		logger:    logger,
		core:      core,
		startTime: time.Now(),
		state:     telemetry.StateIdle,
		metrics:   newMetrics(deps.MetricsRegistry),
		lastStatus: telemetry.TransportStatus{
			Transport: telemetry.SourceSocket,
			State:     telemetry.StateIdle,
		},
	}
	c.lastActivity.Store(time.Time{})
	return c
}

// SetSink registers the destination for reading events. Must be called
// before Start; the sink must not block.
func (c *Client) SetSink(sink telemetry.EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetStateSink registers the destination for transport status changes.
func (c *Client) SetStateSink(sink telemetry.StateSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSink = sink
}

// Meta returns the component metadata
func (c *Client) Meta() component.Metadata {
	name := c.name
	if name == "" {
		name = "socket-client"
	}

	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("persistent TCP reading stream from %s", c.cfg.Addr),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (c *Client) Health() component.HealthStatus {
	c.mu.RLock()
	state := c.state
	reason := c.reason
	startTime := c.startTime
	c.mu.RUnlock()

	var lastError string
	if state == telemetry.StateFailed {
		lastError = reason
	}

	return component.HealthStatus{
		Healthy:    c.running.Load() && state != telemetry.StateFailed,
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (c *Client) DataFlow() component.FlowMetrics {
	parsed := c.readingsParsed.Load()
	bytes := c.bytesReceived.Load()
	lines := c.linesReceived.Load()
	errorCount := c.errorCount.Load() + c.parseErrors.Load()
	lastActivity, _ := c.lastActivity.Load().(time.Time)

	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	var readingsPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(parsed) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if lines > 0 {
		errorRate = float64(errorCount) / float64(lines)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the client configuration without dialing.
func (c *Client) Initialize() error {
	if _, _, err := net.SplitHostPort(c.cfg.Addr); err != nil {
		return errors.WrapInvalid(fmt.Errorf("addr %q: %w", c.cfg.Addr, err),
			"socket-client", "Initialize", "address validation")
	}
	if c.cfg.MaxLineBytes < 256 {
		return errors.WrapInvalid(fmt.Errorf("max line bytes %d below 256", c.cfg.MaxLineBytes),
			"socket-client", "Initialize", "line limit validation")
	}
	if c.cfg.DialTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("dial timeout %v not positive", c.cfg.DialTimeout),
			"socket-client", "Initialize", "timeout validation")
	}
	if c.cfg.ReconnectBase <= 0 || c.cfg.ReconnectMax < c.cfg.ReconnectBase {
		return errors.WrapInvalid(
			fmt.Errorf("reconnect window %v..%v invalid", c.cfg.ReconnectBase, c.cfg.ReconnectMax),
			"socket-client", "Initialize", "reconnect validation")
	}
	if c.cfg.ReconnectMaxAttempts < 1 {
		return errors.WrapInvalid(fmt.Errorf("reconnect attempts %d below 1", c.cfg.ReconnectMaxAttempts),
			"socket-client", "Initialize", "reconnect validation")
	}
	return nil
}

// Start marks the component running. The stream itself only connects
// once StartStream is requested.
func (c *Client) Start(_ context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()

	c.logger.Info("socket client started", "addr", c.cfg.Addr)
	return nil
}

// Stop disconnects, cancels any pending reconnect and waits for the
// reader goroutines to finish.
func (c *Client) Stop(timeout time.Duration) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.mu.Lock()
	c.gen++
	c.autoReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = telemetry.StateIdle
	c.reason = ""
	c.attempts = 0
	if c.metrics != nil {
		c.metrics.connected.Set(0)
	}
	status, sink := c.pendingStateLocked()
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"socket-client", "Stop", "graceful shutdown")
	}

	c.logger.Info("socket client stopped")
	return nil
}

// StartStream enables the stream: auto-reconnect turns on, the failure
// counter resets and a dial begins unless one is already live. This is
// also the only way back after the reconnect ceiling disables the
// stream.
func (c *Client) StartStream() error {
	if !c.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "socket-client", "StartStream", "stream request")
	}

	c.mu.Lock()
	c.autoReconnect = true
	c.attempts = 0
	if c.state == telemetry.StateActive || c.state == telemetry.StateActivating {
		c.mu.Unlock()
		return nil // idempotent
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.startDialLocked()
	status, sink := c.pendingStateLocked()
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}
	return nil
}

// StopStream disables the stream and drops the connection. The hub sees
// a clean close; no reconnect follows.
func (c *Client) StopStream() error {
	if !c.running.Load() {
		return nil
	}

	c.mu.Lock()
	c.gen++
	c.autoReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		if c.metrics != nil {
			c.metrics.disconnects.Inc()
		}
	}
	c.state = telemetry.StateIdle
	c.reason = "stopped"
	c.attempts = 0
	if c.metrics != nil {
		c.metrics.connected.Set(0)
	}
	status, sink := c.pendingStateLocked()
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	c.logger.Info("socket stream stopped")
	return nil
}

// ForceReconnect drops the current connection and dials again
// immediately, skipping any backoff wait. The consecutive-failure
// counter is not reset; only StartStream and a successful connection do
// that.
func (c *Client) ForceReconnect() error {
	if !c.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "socket-client", "ForceReconnect", "reconnect request")
	}

	c.mu.Lock()
	if !c.autoReconnect {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted,
			"socket-client", "ForceReconnect", "stream not started")
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		if c.metrics != nil {
			c.metrics.disconnects.Inc()
			c.metrics.connected.Set(0)
		}
	}
	c.startDialLocked()
	status, sink := c.pendingStateLocked()
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	c.logger.Info("forcing socket reconnect")
	return nil
}

// Status reports the client's current transport state.
func (c *Client) Status() telemetry.TransportStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusLocked()
}

// Connected reports whether the hub connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == telemetry.StateActive
}

// statusLocked derives the transport snapshot. Callers hold c.mu.
func (c *Client) statusLocked() telemetry.TransportStatus {
	st := telemetry.TransportStatus{
		Transport: telemetry.SourceSocket,
		State:     c.state,
		Reason:    c.reason,
	}
	if c.state == telemetry.StateDegraded || c.state == telemetry.StateFailed {
		st.ReconnectAttempts = c.attempts
	}
	return st
}

// pendingStateLocked returns the status and sink to notify when the
// derived state changed since the last notification, or a nil sink when
// nothing changed. Callers hold c.mu and invoke the sink after unlocking.
func (c *Client) pendingStateLocked() (telemetry.TransportStatus, telemetry.StateSink) {
	status := c.statusLocked()
	if status == c.lastStatus {
		return status, nil
	}
	c.lastStatus = status
	return status, c.stateSink
}

// startDialLocked begins one asynchronous dial under a fresh generation.
// Callers hold c.mu.
func (c *Client) startDialLocked() {
	c.state = telemetry.StateActivating
	c.reason = ""
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	go c.dialAndServe(gen)
}

// dialAndServe performs one dial attempt and, on success, hands the
// connection to a read loop.
func (c *Client) dialAndServe(gen int) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	cancel()

	c.mu.Lock()
	if gen != c.gen || !c.autoReconnect {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return // superseded by stop or force-reconnect
	}

	if err != nil {
		c.errorCount.Add(1)
		c.scheduleReconnectLocked()
		status, sink := c.pendingStateLocked()
		attempts := c.attempts
		c.mu.Unlock()
		if sink != nil {
			sink(status)
		}
		c.logger.Warn("socket dial failed",
			"addr", c.cfg.Addr,
			"attempts", attempts,
			"error", err)
		return
	}

	c.conn = conn
	c.attempts = 0 // a live connection resets the failure counter
	c.state = telemetry.StateActive
	c.reason = ""
	if c.metrics != nil {
		c.metrics.connects.Inc()
		c.metrics.connected.Set(1)
	}
	c.wg.Add(1)
	go c.readLoop(conn, gen)
	status, sink := c.pendingStateLocked()
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	c.logger.Info("socket connected", "addr", c.cfg.Addr)
}

// readLoop consumes newline-delimited readings until the connection
// drops or is superseded.
func (c *Client) readLoop(conn net.Conn, gen int) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(conn)
	// The scanner's effective limit is the larger of the cap and the
	// initial buffer, so the initial buffer must not exceed the cap.
	scanner.Buffer(make([]byte, 0, min(4096, c.cfg.MaxLineBytes)), c.cfg.MaxLineBytes)

	for scanner.Scan() {
		c.handleLine(scanner.Bytes())
	}
	cause := scanner.Err() // nil on clean EOF

	c.mu.Lock()
	if gen != c.gen {
		// Stop, StopStream or ForceReconnect already took over this
		// connection's state.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	_ = conn.Close()
	c.errorCount.Add(1)
	if c.metrics != nil {
		c.metrics.disconnects.Inc()
		c.metrics.connected.Set(0)
	}
	if !c.autoReconnect {
		c.state = telemetry.StateIdle
		status, sink := c.pendingStateLocked()
		c.mu.Unlock()
		if sink != nil {
			sink(status)
		}
		return
	}
	c.scheduleReconnectLocked()
	status, sink := c.pendingStateLocked()
	attempts := c.attempts
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	if stderrors.Is(cause, bufio.ErrTooLong) {
		cause = errors.Wrap(errors.ErrLineTooLong, "socket-client", "readLoop", "line framing")
	}
	c.logger.Warn("socket connection lost",
		"addr", c.cfg.Addr,
		"attempts", attempts,
		"error", cause)
}

// scheduleReconnectLocked counts the failure and either arms the backoff
// timer or, at the ceiling, disables the stream. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts >= c.cfg.ReconnectMaxAttempts {
		c.autoReconnect = false
		c.state = telemetry.StateFailed
		c.reason = "reconnect attempts exhausted"
		return
	}

	delay := reconnectDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, c.attempts)
	c.state = telemetry.StateDegraded
	c.reason = "waiting to reconnect"
	if c.metrics != nil {
		c.metrics.reconnectsScheduled.Inc()
	}
	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() { c.retry(gen) })
}

// retry is the backoff timer callback. The generation check discards
// timers that an explicit operation has since overtaken.
func (c *Client) retry(gen int) {
	c.mu.Lock()
	if !c.running.Load() || gen != c.gen || !c.autoReconnect {
		c.mu.Unlock()
		return
	}
	c.startDialLocked()
	status, sink := c.pendingStateLocked()
	c.mu.Unlock()
	if sink != nil {
		sink(status)
	}
}

// handleLine parses one line and emits it as a changed reading.
func (c *Client) handleLine(line []byte) {
	c.linesReceived.Add(1)
	c.bytesReceived.Add(int64(len(line)))
	if c.metrics != nil {
		c.metrics.linesReceived.Inc()
	}

	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var w wireReading
	if err := json.Unmarshal(line, &w); err != nil {
		// A bad line is skipped; the stream itself stays healthy.
		c.parseErrors.Add(1)
		if c.metrics != nil {
			c.metrics.parseErrors.Inc()
		}
		c.logger.Debug("discarding unparseable line", "error", err)
		return
	}

	now := time.Now()
	reading := w.toReading(now)
	c.lastActivity.Store(now)
	c.readingsParsed.Add(1)
	if c.metrics != nil {
		c.metrics.readingsParsed.Inc()
		c.metrics.lastActivity.Set(float64(now.Unix()))
		if reading.TimestampSubstituted {
			c.metrics.timestampsSubstituted.Inc()
		}
	}
	if c.core != nil {
		c.core.RecordReadingReceived(c.Meta().Name, "socket")
	}

	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink(telemetry.ReadingEvent{Reading: reading, Changed: true})
	}
}

// reconnectDelay doubles base per consecutive failure, capped at max.
// Attempt 1 waits base.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
