package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected      = stderrors.New("not connected to NATS")
	ErrCircuitOpen       = stderrors.New("circuit breaker is open")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// Status holds runtime status information for the NATS client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// breaker counts consecutive Connect failures and doubles a backoff
// window each time the threshold trips. All fields are guarded by mu;
// the breaker never touches the client's status directly.
type breaker struct {
	mu         sync.Mutex
	total      int32 // failures since last reset, reported in Status
	inRound    int32 // failures since the breaker last tripped
	threshold  int32
	backoff    time.Duration
	maxBackoff time.Duration
	lastAt     time.Time
}

// record counts one failure. It reports whether the threshold tripped on
// this call and the wait before the circuit half-closes again. The
// backoff grows for the next round whenever the threshold trips,
// including while the circuit is already open.
func (b *breaker) record() (tripped bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.inRound++
	b.lastAt = time.Now()

	if b.inRound < b.threshold {
		return false, 0
	}

	wait = b.backoff
	b.inRound = 0
	if next := b.backoff * 2; next > b.maxBackoff {
		b.backoff = b.maxBackoff
	} else {
		b.backoff = next
	}
	return true, wait
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = 0
	b.inRound = 0
	b.backoff = time.Second
	b.lastAt = time.Time{}
}

func (b *breaker) snapshot() (failures int32, lastAt time.Time, backoff time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.lastAt, b.backoff
}

// Client manages a NATS connection with circuit breaker pattern. The
// egress publisher and component log mirroring share one Client; the
// daemon owns its lifecycle.
type Client struct {
	url        string
	status     atomic.Value // stores ConnectionStatus
	reconnects atomic.Int32
	breaker    breaker
	logger     Logger

	conn *nats.Conn
	subs []*nats.Subscription

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication - sensitive fields cleared on close
	username string
	password string
	token    string

	// TLS
	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	// Client identification
	clientName  string
	compression bool

	// Core gauges (nats_connected, nats_reconnects_total); nil disables
	core *metric.Metrics

	// Callbacks
	onDisconnect     func(error)
	onReconnect      func()
	onHealthChange   func(bool)
	onConnectionLost func(error)

	// Health monitoring
	healthTicker   *time.Ticker
	healthInterval time.Duration
	healthDone     chan struct{}

	// Synchronization
	mu      sync.RWMutex
	closeMu sync.Mutex  // Ensures Close() is called only once
	closed  atomic.Bool // Track if client is closed
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: &defaultLogger{},
		breaker: breaker{
			threshold:  5,
			backoff:    time.Second,
			maxBackoff: time.Minute,
		},
		maxReconnects:  -1, // let the nats library retry until we say stop
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		healthInterval: 10 * time.Second,
		timeout:        5 * time.Second,
		drainTimeout:   30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.logger.Debugf("Created NATS client for %s", url)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failure count since the last successful connect.
func (c *Client) Failures() int32 {
	failures, _, _ := c.breaker.snapshot()
	return failures
}

// Backoff returns the circuit breaker's current backoff window.
func (c *Client) Backoff() time.Duration {
	_, _, backoff := c.breaker.snapshot()
	return backoff
}

// GetConnection returns the current NATS connection. The component log
// mirror uses the raw connection as its LogPublisher.
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// recordFailure feeds the breaker and opens the circuit when the
// threshold trips. The circuit half-closes by itself once the breaker's
// backoff elapses; only one goroutine wins the transition to open.
func (c *Client) recordFailure() {
	tripped, wait := c.breaker.record()
	if !tripped {
		return
	}

	for {
		cur := c.Status()
		if cur == StatusCircuitOpen {
			c.logger.Printf("Circuit breaker still open, backoff now %v", c.Backoff())
			return
		}
		if c.status.CompareAndSwap(cur, StatusCircuitOpen) {
			c.logger.Printf("Circuit breaker opened, half-closing in %v", wait)
			time.AfterFunc(wait, c.halfClose)
			return
		}
	}
}

// halfClose lets the next Connect attempt through after the breaker's
// backoff has elapsed.
func (c *Client) halfClose() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debugf("Circuit breaker half-closed")
	}
}

// resetCircuit clears the breaker after a successful connection.
func (c *Client) resetCircuit() {
	c.breaker.reset()
	// A pending half-close timer may still fire; it is a no-op unless
	// the circuit is open again by then.
	c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

// GetStatus returns current status information
func (c *Client) GetStatus() *Status {
	failures, lastAt, _ := c.breaker.snapshot()
	status := &Status{
		Status:          c.Status(),
		FailureCount:    failures,
		LastFailureTime: lastAt,
		Reconnects:      c.reconnects.Load(),
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

// WaitForConnection polls until the connection is healthy or the context
// expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnectionTimeout, ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// MaxReconnects returns the maximum number of reconnection attempts
func (c *Client) MaxReconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxReconnects
}

// ReconnectWait returns the wait duration between reconnection attempts
func (c *Client) ReconnectWait() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectWait
}

// PingInterval returns the interval for connection pings
func (c *Client) PingInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pingInterval
}

// ConnectionOptions returns the NATS connection options
func (c *Client) ConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsEnabled {
		if c.tlsCertFile != "" && c.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
		}
		if c.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(c.tlsCAFile))
		}
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.compression {
		opts = append(opts, nats.Compression(true))
	}
	return opts
}

// Connect establishes connection to NATS server
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	// nats.Connect blocks without honoring ctx, so run it aside and race
	// the result against cancellation.
	dialDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.ConnectionOptions()...)
		if err != nil {
			dialDone <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		dialDone <- nil
	}()

	var dialErr error
	select {
	case dialErr = <-dialDone:
	case <-ctx.Done():
		dialErr = ctx.Err()
	}

	if dialErr != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(dialErr, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.core != nil {
		c.core.RecordNATSStatus(true)
	}
	c.logger.Printf("Successfully connected to NATS at %s", c.url)

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

// Close drains and closes the NATS connection. Safe to call twice.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	// Stop health monitoring before taking the main mutex to avoid
	// deadlocking against the monitor goroutine.
	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := c.drainLocked(ctx); err != nil {
			errs = append(errs, err)
		}
		c.conn.Close()
		c.conn = nil
	}

	// Credentials do not outlive the connection.
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)
	if c.core != nil {
		c.core.RecordNATSStatus(false)
	}
	return stderrors.Join(errs...)
}

// drainLocked drains the connection, bounded by the tighter of the
// configured drain timeout and the context deadline. Callers hold c.mu.
func (c *Client) drainLocked(ctx context.Context) error {
	limit := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < limit {
			limit = remaining
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-time.After(limit):
		c.logger.Errorf("Drain timeout after %v, force closing", limit)
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", limit), "Client", "Close", "drain")
	case <-ctx.Done():
		c.logger.Errorf("Context cancelled during drain, force closing")
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain")
	}
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe subscribes to a NATS subject. Each message handler receives
// a context derived from the parent with a 30-second processing timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Publish publishes a message to a NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// handleDisconnect is the nats library's disconnect handler: the library
// is about to start its own reconnect loop.
func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if c.core != nil {
		c.core.RecordNATSStatus(false)
	}

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.reconnects.Add(1)
	if c.core != nil {
		c.core.RecordNATSStatus(true)
		c.core.RecordNATSReconnect()
	}

	c.mu.RLock()
	onReconnect := c.onReconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleClosed(conn *nats.Conn) {
	c.setStatus(StatusDisconnected)
	if c.core != nil {
		c.core.RecordNATSStatus(false)
	}

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	onConnectionLost := c.onConnectionLost
	c.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}

	// Closed without a Close() call means the library's reconnects are
	// exhausted and the connection is gone for good.
	if onConnectionLost != nil && !c.closed.Load() {
		var lastErr error
		if conn != nil {
			lastErr = conn.LastError()
		}
		go onConnectionLost(lastErr)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	// May fire for subscription-level errors, so no failure recorded.
	c.logger.Errorf("NATS error: %v", err)
}

// startHealthMonitoring starts the periodic connection probe.
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	c.healthTicker = time.NewTicker(c.healthInterval)
	c.healthDone = make(chan struct{})
	ticker := c.healthTicker
	done := c.healthDone
	c.mu.Unlock()

	go func() {
		defer ticker.Stop()
		lastHealthy := c.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.mu.RLock()
				conn := c.conn
				c.mu.RUnlock()
				if conn == nil {
					continue
				}

				healthy := conn.IsConnected()
				if _, err := conn.RTT(); err != nil {
					healthy = false
				}

				if healthy && c.Status() != StatusConnected {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}

				if healthy != lastHealthy && c.onHealthChange != nil {
					c.onHealthChange(healthy)
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthTicker != nil {
		c.healthTicker.Stop()
		c.healthTicker = nil
	}
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
