// Package recorder persists the arbitrated reading stream to SQLite.
// Readings queue through a bounded buffer and land in batched
// transactions; a scheduled retention sweep deletes rows older than the
// configured window.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/pkg/buffer"
	"github.com/c360/envgate/telemetry"
)

const (
	// flushInterval bounds how long a partial batch waits for company.
	flushInterval = time.Second

	// pruneTimeout bounds one retention sweep.
	pruneTimeout = 30 * time.Second

	// stopFlushTimeout bounds the final drain during Stop.
	stopFlushTimeout = 5 * time.Second
)

// Source is the slice of the arbiter the recorder consumes.
// *arbiter.Arbiter satisfies it.
type Source interface {
	SubscribeRaw(buffer int) (<-chan telemetry.ReadingEvent, func())
}

// Metrics holds Prometheus metrics for the recorder
type Metrics struct {
	readingsRecorded prometheus.Counter
	writeFailures    prometheus.Counter
	rowsPruned       prometheus.Counter
	lastActivity     prometheus.Gauge
}

// newMetrics creates and registers recorder metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		readingsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "recorder",
			Name:      "readings_recorded_total",
			Help:      "Readings committed to the database",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "recorder",
			Name:      "write_failures_total",
			Help:      "Failed batch insert attempts",
		}),
		rowsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "recorder",
			Name:      "rows_pruned_total",
			Help:      "Readings deleted by retention sweeps",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "recorder",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last committed batch",
		}),
	}

	registry.RegisterCounter("recorder", "readings_recorded", metrics.readingsRecorded)
	registry.RegisterCounter("recorder", "write_failures", metrics.writeFailures)
	registry.RegisterCounter("recorder", "rows_pruned", metrics.rowsPruned)
	registry.RegisterGauge("recorder", "last_activity", metrics.lastActivity)

	return metrics
}

// Config holds settings for the recorder.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Retention is how long readings live before a sweep deletes them.
	Retention time.Duration

	// PruneEvery is the sweep interval.
	PruneEvery time.Duration

	// BatchSize is how many readings one transaction carries at most.
	BatchSize int

	// QueueSize bounds readings waiting for a batch slot; oldest drop
	// first.
	QueueSize int
}

// DefaultConfig returns persistence settings for a week of readings.
func DefaultConfig() Config {
	return Config{
		Path:       "envgate.db",
		Retention:  7 * 24 * time.Hour,
		PruneEvery: time.Hour,
		BatchSize:  64,
		QueueSize:  256,
	}
}

// RecorderDeps holds runtime dependencies for the recorder
type RecorderDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Database and batching settings
	Source          Source                  // Raw reading stream
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Recorder is the SQLite persistence component.
type Recorder struct {
	name   string
	cfg    Config
	source Source
	logger *slog.Logger

	queue buffer.Buffer[telemetry.Reading]
	work  chan struct{}

	// Lifecycle management
	running   atomic.Bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	startTime time.Time
	shutdown  chan struct{}
	cancel    context.CancelFunc
	cancelSub func()
	repo      *Repository
	scheduler *gocron.Scheduler

	// Metrics (atomic for thread safety)
	recorded      atomic.Int64
	writeFailures atomic.Int64
	overflowDrops atomic.Int64
	pruned        atomic.Int64
	lastActivity  atomic.Value // stores time.Time
	lastError     atomic.Value // stores string

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Recorder implements all required interfaces
var _ component.LifecycleComponent = (*Recorder)(nil)

// NewRecorder creates a recorder for the configured database.
func NewRecorder(deps RecorderDeps) (*Recorder, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "recorder")
	}

	r := &Recorder{
		name:      deps.Name,
		cfg:       deps.Config,
		source:    deps.Source,
		logger:    logger,
		startTime: time.Now(),
		work:      make(chan struct{}, 1),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	r.lastActivity.Store(time.Time{})
	r.lastError.Store("")

	queueSize := deps.Config.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	queue, err := buffer.NewCircularBuffer[telemetry.Reading](queueSize,
		buffer.WithOverflowPolicy[telemetry.Reading](buffer.DropOldest),
		buffer.WithDropCallback[telemetry.Reading](func(telemetry.Reading) {
			r.overflowDrops.Add(1)
		}),
		buffer.WithMetrics[telemetry.Reading](deps.MetricsRegistry, "recorder"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "recorder", "NewRecorder", "create write queue")
	}
	r.queue = queue

	return r, nil
}

// Meta returns the component metadata
func (r *Recorder) Meta() component.Metadata {
	name := r.name
	if name == "" {
		name = "recorder"
	}

	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("SQLite reading recorder at %s", r.cfg.Path),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (r *Recorder) Health() component.HealthStatus {
	r.mu.RLock()
	startTime := r.startTime
	r.mu.RUnlock()

	lastError, _ := r.lastError.Load().(string)

	return component.HealthStatus{
		Healthy:    r.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(r.writeFailures.Load() + r.overflowDrops.Load()),
		LastError:  lastError,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (r *Recorder) DataFlow() component.FlowMetrics {
	recorded := r.recorded.Load()
	errorCount := r.writeFailures.Load() + r.overflowDrops.Load()
	lastActivity, _ := r.lastActivity.Load().(time.Time)

	r.mu.RLock()
	startTime := r.startTime
	r.mu.RUnlock()

	var readingsPerSecond float64
	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(recorded) / uptime
	}

	var errorRate float64
	if total := recorded + errorCount; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies without touching
// the database.
func (r *Recorder) Initialize() error {
	if r.source == nil {
		return errors.WrapInvalid(fmt.Errorf("source is required"),
			"recorder", "Initialize", "dependency validation")
	}
	if r.cfg.Path == "" {
		return errors.WrapInvalid(fmt.Errorf("database path is required"),
			"recorder", "Initialize", "path validation")
	}
	if r.cfg.Retention <= 0 {
		return errors.WrapInvalid(fmt.Errorf("retention %v not positive", r.cfg.Retention),
			"recorder", "Initialize", "retention validation")
	}
	if r.cfg.PruneEvery <= 0 {
		return errors.WrapInvalid(fmt.Errorf("prune interval %v not positive", r.cfg.PruneEvery),
			"recorder", "Initialize", "retention validation")
	}
	if r.cfg.BatchSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("batch size %d below 1", r.cfg.BatchSize),
			"recorder", "Initialize", "batch validation")
	}
	if r.cfg.QueueSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("queue size %d below 1", r.cfg.QueueSize),
			"recorder", "Initialize", "queue validation")
	}
	return nil
}

// Start opens the database, subscribes to the raw stream and launches
// the write worker and the retention schedule.
func (r *Recorder) Start(_ context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	repo, err := OpenRepository(r.cfg.Path)
	if err != nil {
		r.running.Store(false)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(r.cfg.PruneEvery).Do(func() { r.prune(ctx) }); err != nil {
		cancel()
		repo.Close()
		r.running.Store(false)
		return errors.Wrap(err, "recorder", "Start", "schedule retention sweep")
	}

	raw, cancelSub := r.source.SubscribeRaw(r.cfg.QueueSize)

	r.mu.Lock()
	r.startTime = time.Now()
	r.shutdown = make(chan struct{})
	r.cancel = cancel
	r.cancelSub = cancelSub
	r.repo = repo
	r.scheduler = scheduler
	shutdown := r.shutdown
	r.mu.Unlock()

	r.wg.Add(2)
	go r.consume(raw, shutdown)
	go r.writeLoop(ctx, repo, shutdown)
	scheduler.StartAsync()

	r.logger.Info("recorder started",
		"path", r.cfg.Path,
		"retention", r.cfg.Retention,
		"prune_every", r.cfg.PruneEvery,
		"batch_size", r.cfg.BatchSize)
	return nil
}

// Stop halts consumption, flushes what is queued and closes the
// database.
func (r *Recorder) Stop(timeout time.Duration) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	r.mu.Lock()
	scheduler := r.scheduler
	r.scheduler = nil
	if r.cancelSub != nil {
		r.cancelSub()
		r.cancelSub = nil
	}
	if r.shutdown != nil {
		close(r.shutdown)
		r.shutdown = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"recorder", "Stop", "graceful shutdown")
	}

	r.mu.Lock()
	repo := r.repo
	r.repo = nil
	r.mu.Unlock()
	if repo != nil {
		if err := repo.Close(); err != nil {
			r.logger.Warn("database close failed", "error", err)
		}
	}

	if n := r.queue.Size(); n > 0 {
		r.logger.Warn("recorder queue carries unwritten readings", "count", n)
	}

	r.logger.Info("recorder stopped")
	return nil
}

// QueueDepth reports how many readings await a batch slot.
func (r *Recorder) QueueDepth() int {
	return r.queue.Size()
}

// consume moves raw readings from the subscription into the write queue
// so a slow disk never backs up the arbiter.
func (r *Recorder) consume(raw <-chan telemetry.ReadingEvent, shutdown chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-shutdown:
			return
		case ev, ok := <-raw:
			if !ok {
				return
			}
			if err := r.queue.Write(ev.Reading); err != nil {
				return
			}
			select {
			case r.work <- struct{}{}:
			default:
			}
		}
	}
}

// writeLoop flushes full batches as they accumulate and partial batches
// on the ticker. A failed batch stays pending and is retried on the
// next wake.
func (r *Recorder) writeLoop(ctx context.Context, repo *Repository, shutdown chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []telemetry.Reading
	for {
		select {
		case <-shutdown:
			// The worker ctx is cancelled during Stop; the final drain
			// gets its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
			r.flush(flushCtx, repo, &pending)
			cancel()
			return
		case <-r.work:
			if len(pending) == 0 && r.queue.Size() < r.cfg.BatchSize {
				continue // wait for a full batch or the ticker
			}
		case <-ticker.C:
		}
		r.flush(ctx, repo, &pending)
	}
}

// flush drains the queue into the database in BatchSize transactions.
// On failure the in-flight batch is kept for the next attempt.
func (r *Recorder) flush(ctx context.Context, repo *Repository, pending *[]telemetry.Reading) {
	for {
		if len(*pending) == 0 {
			*pending = r.queue.ReadBatch(r.cfg.BatchSize)
		}
		if len(*pending) == 0 {
			return
		}

		if err := repo.InsertBatch(ctx, *pending); err != nil {
			if ctx.Err() == nil {
				r.recordWriteFailure(err)
				r.logger.Warn("reading batch insert failed",
					"count", len(*pending), "error", err)
			}
			return
		}

		r.recordWritten(len(*pending))
		*pending = nil
	}
}

// prune deletes readings older than the retention window.
func (r *Recorder) prune(ctx context.Context) {
	r.mu.RLock()
	repo := r.repo
	r.mu.RUnlock()
	if repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.Retention)
	rows, err := repo.PruneBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			r.lastError.Store(err.Error())
			r.logger.Warn("retention sweep failed", "error", err)
		}
		return
	}

	if rows > 0 {
		r.pruned.Add(rows)
		if r.metrics != nil {
			r.metrics.rowsPruned.Add(float64(rows))
		}
		r.logger.Info("retention sweep pruned readings",
			"rows", rows, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// recordWritten updates flow counters for one committed batch.
func (r *Recorder) recordWritten(count int) {
	now := time.Now()
	r.recorded.Add(int64(count))
	r.lastActivity.Store(now)
	if r.metrics != nil {
		r.metrics.readingsRecorded.Add(float64(count))
		r.metrics.lastActivity.Set(float64(now.Unix()))
	}
}

// recordWriteFailure updates error counters for one failed batch
// attempt.
func (r *Recorder) recordWriteFailure(err error) {
	r.writeFailures.Add(1)
	r.lastError.Store(err.Error())
	if r.metrics != nil {
		r.metrics.writeFailures.Inc()
	}
}
