// Package natspub publishes arbitrated readings and gateway status to
// NATS subjects. Raw and changed reading streams fan out to per-device
// subjects; status snapshots go to a single subject. While the NATS
// connection is down, envelopes divert into a bounded spool that drains
// in order once the connection returns.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/arbiter"
	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/pkg/buffer"
	"github.com/c360/envgate/telemetry"
)

// Source is the slice of the arbiter the publisher consumes.
// *arbiter.Arbiter satisfies it.
type Source interface {
	SubscribeRaw(buffer int) (<-chan telemetry.ReadingEvent, func())
	SubscribeChanged(buffer int) (<-chan telemetry.ReadingEvent, func())
	SubscribeStatus(buffer int) (<-chan arbiter.Status, func())
}

// Conn is the slice of the NATS client the publisher needs.
// *natsclient.Client satisfies it.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsHealthy() bool
}

// Metrics holds Prometheus metrics for the NATS publisher
type Metrics struct {
	envelopesPublished *prometheus.CounterVec
	publishErrors      prometheus.Counter
	spooled            prometheus.Counter
	lastActivity       prometheus.Gauge
}

// newMetrics creates and registers publisher metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		envelopesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "natspub",
			Name:      "envelopes_published_total",
			Help:      "Envelopes delivered to NATS by stream",
		}, []string{"stream"}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "natspub",
			Name:      "publish_errors_total",
			Help:      "Publish attempts rejected by the NATS connection",
		}),
		spooled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "natspub",
			Name:      "envelopes_spooled_total",
			Help:      "Envelopes diverted to the offline spool",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "natspub",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last published envelope",
		}),
	}

	registry.RegisterCounterVec("natspub", "envelopes_published", metrics.envelopesPublished)
	registry.RegisterCounter("natspub", "publish_errors", metrics.publishErrors)
	registry.RegisterCounter("natspub", "spooled", metrics.spooled)
	registry.RegisterGauge("natspub", "last_activity", metrics.lastActivity)

	return metrics
}

// Config holds settings for the NATS egress publisher.
type Config struct {
	// SubjectPrefix is prepended to every published subject. It may span
	// several tokens ("site1.envgate") but never wildcards.
	SubjectPrefix string

	// QueueSize bounds both the arbiter subscriptions and the offline
	// spool. Oldest envelopes are dropped first when the spool overflows.
	QueueSize int
}

// DefaultConfig returns settings publishing under the "envgate" prefix.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "envgate",
		QueueSize:     256,
	}
}

// PublisherDeps holds runtime dependencies for the NATS publisher
type PublisherDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Subject and queue settings
	Source          Source                  // Arbitrated reading streams
	Conn            Conn                    // NATS connection
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// pending is one envelope waiting for the connection to come back.
type pending struct {
	subject string
	data    []byte
	stream  string
}

// Publisher is the NATS egress component.
type Publisher struct {
	name   string
	cfg    Config
	source Source
	conn   Conn
	logger *slog.Logger
	core   *metric.Metrics

	// Lifecycle management
	running   atomic.Bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	startTime time.Time
	shutdown  chan struct{}
	cancels   []func()

	// spool holds envelopes that could not be delivered; only the worker
	// goroutine touches it after Start.
	spool buffer.Buffer[pending]

	// Metrics (atomic for thread safety)
	published      atomic.Int64
	publishErrors  atomic.Int64
	spoolDrops     atomic.Int64
	bytesPublished atomic.Int64
	lastActivity   atomic.Value // stores time.Time
	lastError      atomic.Value // stores string

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Publisher implements all required interfaces
var _ component.LifecycleComponent = (*Publisher)(nil)

// NewPublisher creates a NATS publisher for the configured subject prefix.
func NewPublisher(deps PublisherDeps) *Publisher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "natspub")
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	p := &Publisher{
		name:      deps.Name,
		cfg:       deps.Config,
		source:    deps.Source,
		conn:      deps.Conn,
		logger:    logger,
		core:      core,
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	p.lastActivity.Store(time.Time{})
	p.lastError.Store("")
	return p
}

// Meta returns the component metadata
func (p *Publisher) Meta() component.Metadata {
	name := p.name
	if name == "" {
		name = "natspub"
	}

	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("NATS egress under subject prefix %q", p.cfg.SubjectPrefix),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (p *Publisher) Health() component.HealthStatus {
	p.mu.RLock()
	startTime := p.startTime
	p.mu.RUnlock()

	lastError, _ := p.lastError.Load().(string)

	return component.HealthStatus{
		Healthy:    p.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(p.publishErrors.Load() + p.spoolDrops.Load()),
		LastError:  lastError,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (p *Publisher) DataFlow() component.FlowMetrics {
	published := p.published.Load()
	bytes := p.bytesPublished.Load()
	errorCount := p.publishErrors.Load() + p.spoolDrops.Load()
	lastActivity, _ := p.lastActivity.Load().(time.Time)

	p.mu.RLock()
	startTime := p.startTime
	p.mu.RUnlock()

	var readingsPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(published) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if total := published + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies without touching
// the connection.
func (p *Publisher) Initialize() error {
	if p.source == nil {
		return errors.WrapInvalid(fmt.Errorf("source is required"),
			"natspub", "Initialize", "dependency validation")
	}
	if p.conn == nil {
		return errors.WrapInvalid(fmt.Errorf("NATS connection is required"),
			"natspub", "Initialize", "dependency validation")
	}
	if err := validateSubjectPrefix(p.cfg.SubjectPrefix); err != nil {
		return errors.WrapInvalid(err, "natspub", "Initialize", "subject prefix validation")
	}
	if p.cfg.QueueSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("queue size %d below 1", p.cfg.QueueSize),
			"natspub", "Initialize", "queue validation")
	}
	return nil
}

// Start subscribes to the arbiter streams and launches the worker.
func (p *Publisher) Start(_ context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	spool, err := buffer.NewCircularBuffer[pending](p.cfg.QueueSize,
		buffer.WithOverflowPolicy[pending](buffer.DropOldest),
		buffer.WithDropCallback[pending](func(pending) {
			p.spoolDrops.Add(1)
		}),
	)
	if err != nil {
		p.running.Store(false)
		return errors.Wrap(err, "natspub", "Start", "create spool")
	}

	raw, cancelRaw := p.source.SubscribeRaw(p.cfg.QueueSize)
	changed, cancelChanged := p.source.SubscribeChanged(p.cfg.QueueSize)
	status, cancelStatus := p.source.SubscribeStatus(p.cfg.QueueSize)

	p.mu.Lock()
	p.startTime = time.Now()
	p.shutdown = make(chan struct{})
	p.cancels = []func(){cancelRaw, cancelChanged, cancelStatus}
	p.spool = spool
	shutdown := p.shutdown
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(spool, raw, changed, status, shutdown)

	p.logger.Info("NATS publisher started",
		"subject_prefix", p.cfg.SubjectPrefix,
		"queue_size", p.cfg.QueueSize)
	return nil
}

// Stop cancels the subscriptions and waits for the worker to finish its
// final spool drain.
func (p *Publisher) Stop(timeout time.Duration) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
	if p.shutdown != nil {
		close(p.shutdown)
		p.shutdown = nil
	}
	spool := p.spool
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"natspub", "Stop", "graceful shutdown")
	}

	if spool != nil {
		if n := spool.Size(); n > 0 {
			p.logger.Warn("discarding undelivered envelopes", "count", n)
		}
		_ = spool.Close()
	}

	p.logger.Info("NATS publisher stopped")
	return nil
}

// SpoolDepth reports how many envelopes await redelivery.
func (p *Publisher) SpoolDepth() int {
	p.mu.RLock()
	spool := p.spool
	p.mu.RUnlock()
	if spool == nil {
		return 0
	}
	return spool.Size()
}

// run is the worker loop. Subscription channels close on Stop; a closed
// channel is disabled by nilling it so the select stops polling it.
func (p *Publisher) run(spool buffer.Buffer[pending], raw, changed <-chan telemetry.ReadingEvent, status <-chan arbiter.Status, shutdown chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			p.drainSpool(spool)
			return
		case ev, ok := <-raw:
			if !ok {
				raw = nil
				break
			}
			p.publishReading(spool, telemetry.EventReadingRaw, "raw", ev.Reading)
		case ev, ok := <-changed:
			if !ok {
				changed = nil
				break
			}
			p.publishReading(spool, telemetry.EventReadingChanged, "changed", ev.Reading)
		case st, ok := <-status:
			if !ok {
				status = nil
				break
			}
			p.publishStatus(spool, st)
		case <-ticker.C:
			// Drain the spool even while no new events arrive.
			p.drainSpool(spool)
		}

		if raw == nil && changed == nil && status == nil {
			p.drainSpool(spool)
			return
		}
	}
}

// publishReading wraps a reading in an envelope and sends it to the
// per-device subject for its stream.
func (p *Publisher) publishReading(spool buffer.Buffer[pending], eventType, stream string, reading telemetry.Reading) {
	env, err := telemetry.NewEnvelope(eventType, "natspub", reading)
	if err != nil {
		p.recordError(err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.recordError(err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%d", p.cfg.SubjectPrefix, eventType, reading.DeviceID)
	p.send(spool, pending{subject: subject, data: data, stream: stream})
}

// publishStatus wraps a gateway status snapshot and sends it to the
// status subject.
func (p *Publisher) publishStatus(spool buffer.Buffer[pending], st arbiter.Status) {
	env, err := telemetry.NewEnvelope(telemetry.EventStatus, "natspub", st)
	if err != nil {
		p.recordError(err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.recordError(err)
		return
	}

	subject := fmt.Sprintf("%s.%s", p.cfg.SubjectPrefix, telemetry.EventStatus)
	p.send(spool, pending{subject: subject, data: data, stream: "status"})
}

// send delivers one envelope, spooling it when the connection is down.
// Spooled envelopes always go out before new ones so subject streams
// keep their order across an outage.
func (p *Publisher) send(spool buffer.Buffer[pending], item pending) bool {
	if !p.conn.IsHealthy() {
		p.enqueue(spool, item)
		return false
	}

	p.drainSpool(spool)
	if !spool.IsEmpty() {
		// The drain stalled mid-outage; queue behind the backlog.
		p.enqueue(spool, item)
		return false
	}

	if err := p.conn.Publish(context.Background(), item.subject, item.data); err != nil {
		p.recordError(err)
		p.enqueue(spool, item)
		p.logger.Warn("publish failed, envelope spooled", "subject", item.subject, "error", err)
		return false
	}

	p.recordPublished(item.stream, len(item.data))
	return true
}

// drainSpool redelivers spooled envelopes in order, stopping at the
// first failure so nothing is lost or reordered.
func (p *Publisher) drainSpool(spool buffer.Buffer[pending]) {
	if spool.IsEmpty() || !p.conn.IsHealthy() {
		return
	}

	drained := 0
	for {
		item, ok := spool.Peek()
		if !ok {
			break
		}
		if err := p.conn.Publish(context.Background(), item.subject, item.data); err != nil {
			p.recordError(err)
			break
		}
		spool.Read()
		p.recordPublished(item.stream, len(item.data))
		drained++
	}

	if drained > 0 {
		p.logger.Info("spool drained", "envelopes", drained, "remaining", spool.Size())
	}
}

// enqueue diverts an envelope to the spool.
func (p *Publisher) enqueue(spool buffer.Buffer[pending], item pending) {
	if err := spool.Write(item); err != nil {
		return
	}
	if p.metrics != nil {
		p.metrics.spooled.Inc()
	}
}

// recordPublished updates flow counters for one delivered envelope.
func (p *Publisher) recordPublished(stream string, size int) {
	now := time.Now()
	p.published.Add(1)
	p.bytesPublished.Add(int64(size))
	p.lastActivity.Store(now)
	if p.metrics != nil {
		p.metrics.envelopesPublished.WithLabelValues(stream).Inc()
		p.metrics.lastActivity.Set(float64(now.Unix()))
	}
	if stream != "status" && p.core != nil {
		p.core.RecordReadingPublished(p.Meta().Name, "nats")
	}
}

// recordError updates error counters.
func (p *Publisher) recordError(err error) {
	p.publishErrors.Add(1)
	p.lastError.Store(err.Error())
	if p.metrics != nil {
		p.metrics.publishErrors.Inc()
	}
}

// validateSubjectPrefix rejects prefixes that NATS would refuse or that
// would swallow wildcard tokens.
func validateSubjectPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("subject prefix is required")
	}
	if strings.ContainsAny(prefix, " \t*>") {
		return fmt.Errorf("subject prefix %q contains whitespace or wildcards", prefix)
	}
	for _, token := range strings.Split(prefix, ".") {
		if token == "" {
			return fmt.Errorf("subject prefix %q has an empty token", prefix)
		}
	}
	return nil
}
