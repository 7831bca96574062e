// Package webhook forwards changed readings to an HTTP endpoint as JSON
// envelope POSTs. Deliveries run through a bounded queue, per-request
// retries with backoff, and a circuit breaker that pauses the queue
// while the endpoint is down instead of hammering it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/pkg/buffer"
	"github.com/c360/envgate/pkg/retry"
	"github.com/c360/envgate/telemetry"
)

// Retry pacing between attempts at one delivery. The per-request
// timeout comes from Config.Timeout.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxDelay     = 5 * time.Second
)

// Source is the slice of the arbiter the forwarder consumes.
// *arbiter.Arbiter satisfies it.
type Source interface {
	SubscribeChanged(buffer int) (<-chan telemetry.ReadingEvent, func())
}

// Metrics holds Prometheus metrics for the webhook forwarder
type Metrics struct {
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	retries          prometheus.Counter
	breakerState     prometheus.Gauge
	lastActivity     prometheus.Gauge
}

// newMetrics creates and registers forwarder metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Envelopes successfully POSTed to the endpoint",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "webhook",
			Name:      "delivery_failures_total",
			Help:      "Envelopes abandoned after exhausting retries",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "webhook",
			Name:      "retries_total",
			Help:      "Individual POST retry attempts",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "webhook",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "webhook",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last successful delivery",
		}),
	}

	registry.RegisterCounter("webhook", "deliveries", metrics.deliveries)
	registry.RegisterCounter("webhook", "delivery_failures", metrics.deliveryFailures)
	registry.RegisterCounter("webhook", "retries", metrics.retries)
	registry.RegisterGauge("webhook", "breaker_state", metrics.breakerState)
	registry.RegisterGauge("webhook", "last_activity", metrics.lastActivity)

	return metrics
}

// Config holds settings for the webhook forwarder.
type Config struct {
	// URL is the endpoint every changed reading is POSTed to.
	URL     string
	Headers map[string]string

	// Timeout bounds one POST attempt.
	Timeout time.Duration

	// MaxRetries is how many times a failed POST is retried before the
	// envelope is abandoned.
	MaxRetries int

	// QueueSize bounds the delivery queue; oldest envelopes drop first.
	QueueSize int

	// BreakerMaxFailures consecutive failed POSTs open the breaker, which
	// pauses deliveries for BreakerCooldown before probing again.
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// DefaultConfig returns delivery settings suitable for a nearby endpoint.
func DefaultConfig() Config {
	return Config{
		Timeout:            5 * time.Second,
		MaxRetries:         3,
		QueueSize:          128,
		BreakerMaxFailures: 5,
		BreakerCooldown:    30 * time.Second,
	}
}

// ForwarderDeps holds runtime dependencies for the webhook forwarder
type ForwarderDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Endpoint and resilience settings
	Source          Source                  // Changed-reading stream
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Forwarder is the HTTP webhook egress component.
type Forwarder struct {
	name    string
	cfg     Config
	source  Source
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	core    *metric.Metrics

	// queue spans restarts: envelopes left undelivered at Stop go out
	// after the next Start.
	queue buffer.Buffer[[]byte]
	work  chan struct{}

	// Lifecycle management
	running   atomic.Bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	startTime time.Time
	shutdown  chan struct{}
	cancel    context.CancelFunc
	cancelSub func()

	// Metrics (atomic for thread safety)
	delivered      atomic.Int64
	failed         atomic.Int64
	overflowDrops  atomic.Int64
	bytesDelivered atomic.Int64
	lastActivity   atomic.Value // stores time.Time
	lastError      atomic.Value // stores string

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Forwarder implements all required interfaces
var _ component.LifecycleComponent = (*Forwarder)(nil)

// NewForwarder creates a webhook forwarder for the configured endpoint.
func NewForwarder(deps ForwarderDeps) (*Forwarder, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "webhook")
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	f := &Forwarder{
		name:      deps.Name,
		cfg:       deps.Config,
		source:    deps.Source,
		logger:    logger,
		core:      core,
		startTime: time.Now(),
		work:      make(chan struct{}, 1),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	f.lastActivity.Store(time.Time{})
	f.lastError.Store("")

	timeout := deps.Config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	f.client = &http.Client{Timeout: timeout}

	queueSize := deps.Config.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	queue, err := buffer.NewCircularBuffer[[]byte](queueSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) {
			f.overflowDrops.Add(1)
		}),
		buffer.WithMetrics[[]byte](deps.MetricsRegistry, "webhook"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "webhook", "NewForwarder", "create delivery queue")
	}
	f.queue = queue

	maxFailures := deps.Config.BreakerMaxFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1, // one probe per half-open window
		Timeout:     deps.Config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if f.metrics != nil {
				f.metrics.breakerState.Set(breakerStateValue(to))
			}
			f.logger.Warn("webhook breaker state change",
				"from", from.String(), "to", to.String())
		},
	})

	return f, nil
}

// Meta returns the component metadata
func (f *Forwarder) Meta() component.Metadata {
	name := f.name
	if name == "" {
		name = "webhook"
	}

	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("HTTP webhook forwarder for %s", f.cfg.URL),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (f *Forwarder) Health() component.HealthStatus {
	f.mu.RLock()
	startTime := f.startTime
	f.mu.RUnlock()

	lastError, _ := f.lastError.Load().(string)

	return component.HealthStatus{
		Healthy:    f.running.Load() && f.breaker.State() != gobreaker.StateOpen,
		LastCheck:  time.Now(),
		ErrorCount: int(f.failed.Load() + f.overflowDrops.Load()),
		LastError:  lastError,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (f *Forwarder) DataFlow() component.FlowMetrics {
	delivered := f.delivered.Load()
	bytes := f.bytesDelivered.Load()
	errorCount := f.failed.Load() + f.overflowDrops.Load()
	lastActivity, _ := f.lastActivity.Load().(time.Time)

	f.mu.RLock()
	startTime := f.startTime
	f.mu.RUnlock()

	var readingsPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(delivered) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if total := delivered + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies without making a
// request.
func (f *Forwarder) Initialize() error {
	if f.source == nil {
		return errors.WrapInvalid(fmt.Errorf("source is required"),
			"webhook", "Initialize", "dependency validation")
	}
	u, err := url.Parse(f.cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("url %q is not a valid http(s) URL", f.cfg.URL),
			"webhook", "Initialize", "endpoint validation")
	}
	if f.cfg.Timeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("timeout %v not positive", f.cfg.Timeout),
			"webhook", "Initialize", "timeout validation")
	}
	if f.cfg.MaxRetries < 0 || f.cfg.MaxRetries > 10 {
		return errors.WrapInvalid(fmt.Errorf("max retries %d outside 0..10", f.cfg.MaxRetries),
			"webhook", "Initialize", "retry validation")
	}
	if f.cfg.QueueSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("queue size %d below 1", f.cfg.QueueSize),
			"webhook", "Initialize", "queue validation")
	}
	if f.cfg.BreakerMaxFailures < 1 {
		return errors.WrapInvalid(fmt.Errorf("breaker max failures %d below 1", f.cfg.BreakerMaxFailures),
			"webhook", "Initialize", "breaker validation")
	}
	if f.cfg.BreakerCooldown <= 0 {
		return errors.WrapInvalid(fmt.Errorf("breaker cooldown %v not positive", f.cfg.BreakerCooldown),
			"webhook", "Initialize", "breaker validation")
	}
	return nil
}

// Start subscribes to the changed-reading stream and launches the
// consumer and delivery workers.
func (f *Forwarder) Start(_ context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	changed, cancelSub := f.source.SubscribeChanged(f.cfg.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.startTime = time.Now()
	f.shutdown = make(chan struct{})
	f.cancel = cancel
	f.cancelSub = cancelSub
	shutdown := f.shutdown
	f.mu.Unlock()

	f.wg.Add(2)
	go f.consume(changed, shutdown)
	go f.deliverLoop(ctx, shutdown)

	f.logger.Info("webhook forwarder started",
		"url", f.cfg.URL,
		"queue_size", f.cfg.QueueSize,
		"max_retries", f.cfg.MaxRetries)
	return nil
}

// Stop cancels the subscription, aborts any in-flight POST and waits for
// the workers. Undelivered envelopes stay queued for the next Start.
func (f *Forwarder) Stop(timeout time.Duration) error {
	if !f.running.CompareAndSwap(true, false) {
		return nil
	}

	f.mu.Lock()
	if f.cancelSub != nil {
		f.cancelSub()
		f.cancelSub = nil
	}
	if f.shutdown != nil {
		close(f.shutdown)
		f.shutdown = nil
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"webhook", "Stop", "graceful shutdown")
	}

	if n := f.queue.Size(); n > 0 {
		f.logger.Info("webhook queue carries undelivered envelopes", "count", n)
	}

	f.logger.Info("webhook forwarder stopped")
	return nil
}

// QueueDepth reports how many envelopes await delivery.
func (f *Forwarder) QueueDepth() int {
	return f.queue.Size()
}

// consume moves changed readings from the subscription into the
// delivery queue so a slow endpoint never backs up the arbiter.
func (f *Forwarder) consume(changed <-chan telemetry.ReadingEvent, shutdown chan struct{}) {
	defer f.wg.Done()

	for {
		select {
		case <-shutdown:
			return
		case ev, ok := <-changed:
			if !ok {
				return
			}
			f.enqueue(ev.Reading)
		}
	}
}

// enqueue wraps the reading and queues its envelope for delivery.
func (f *Forwarder) enqueue(reading telemetry.Reading) {
	env, err := telemetry.NewEnvelope(telemetry.EventReadingChanged, "webhook", reading)
	if err != nil {
		f.recordFailure(err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		f.recordFailure(err)
		return
	}

	if err := f.queue.Write(data); err != nil {
		return
	}
	select {
	case f.work <- struct{}{}:
	default:
	}
}

// deliverLoop drains the queue whenever work arrives or the ticker
// fires (the ticker also re-probes an open breaker after its cooldown).
func (f *Forwarder) deliverLoop(ctx context.Context, shutdown chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-f.work:
		case <-ticker.C:
		}
		f.drainQueue(ctx, shutdown)
	}
}

// drainQueue delivers queued envelopes in order. An open breaker leaves
// the head envelope queued; exhausted retries abandon it.
func (f *Forwarder) drainQueue(ctx context.Context, shutdown chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		data, ok := f.queue.Peek()
		if !ok {
			return
		}

		err := f.deliver(ctx, data)
		if err == nil {
			f.queue.Read()
			f.recordDelivered(len(data))
			continue
		}
		if ctx.Err() != nil {
			return // shutting down, keep the envelope
		}
		if isBreakerOpen(err) {
			// Deliveries pause until the cooldown elapses.
			return
		}

		// The endpoint answered but kept failing; this envelope is lost.
		f.queue.Read()
		f.recordFailure(err)
		f.logger.Warn("webhook delivery abandoned", "url", f.cfg.URL, "error", err)
	}
}

// deliver POSTs one envelope with retries, each attempt gated by the
// circuit breaker.
func (f *Forwarder) deliver(ctx context.Context, data []byte) error {
	cfg := retry.Config{
		MaxAttempts:  f.cfg.MaxRetries + 1,
		InitialDelay: retryInitialDelay,
		MaxDelay:     retryMaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if f.metrics != nil {
				f.metrics.retries.Inc()
			}
			f.logger.Debug("webhook retry scheduled",
				"attempt", attempt, "delay", delay, "error", err)
		},
	}

	return retry.Do(ctx, cfg, func() error {
		_, err := f.breaker.Execute(func() (any, error) {
			return nil, f.post(ctx, data)
		})
		if isBreakerOpen(err) {
			// Retrying against an open breaker is pointless; surface it
			// so the queue pauses instead.
			return retry.NonRetryable(err)
		}
		return err
	})
}

// post performs a single POST attempt.
func (f *Forwarder) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range f.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain the body so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return nil
}

// recordDelivered updates flow counters for one delivered envelope.
func (f *Forwarder) recordDelivered(size int) {
	now := time.Now()
	f.delivered.Add(1)
	f.bytesDelivered.Add(int64(size))
	f.lastActivity.Store(now)
	if f.metrics != nil {
		f.metrics.deliveries.Inc()
		f.metrics.lastActivity.Set(float64(now.Unix()))
	}
	if f.core != nil {
		f.core.RecordReadingPublished(f.Meta().Name, "webhook")
	}
}

// recordFailure updates error counters.
func (f *Forwarder) recordFailure(err error) {
	f.failed.Add(1)
	f.lastError.Store(err.Error())
	if f.metrics != nil {
		f.metrics.deliveryFailures.Inc()
	}
}

// isBreakerOpen reports whether err came from the breaker refusing the
// request rather than from the endpoint.
func isBreakerOpen(err error) bool {
	return stderrors.Is(err, gobreaker.ErrOpenState) ||
		stderrors.Is(err, gobreaker.ErrTooManyRequests)
}

// breakerStateValue maps breaker states onto the gauge scale.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
