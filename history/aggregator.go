// Package history keeps the bounded, most-recent-first window of
// arbitrated readings. Readings landing close together from the same
// device collapse into one entry instead of scrolling the window: a
// reading merges into the current head entry when it shares the head's
// address and its timestamp falls within the grouping window of the
// head's original timestamp. Merging keeps the original timestamp,
// bumps the grouped count and adopts the newest values.
//
// Every inserted or merged entry is highlighted for a fixed decay
// window so a consumer can see what just moved. The deadline is set
// when the highlight appears and is never extended by later merges.
// Entries that arrive while nobody is observing get a longer decay, so
// a returning observer still catches them lit.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

// ReadingSource is the stream the aggregator consumes, satisfied by the
// arbiter's raw subscription.
type ReadingSource interface {
	SubscribeRaw(buffer int) (<-chan telemetry.ReadingEvent, func())
}

// Entry is one row of the history window.
type Entry struct {
	Reading     telemetry.Reading `json:"reading"`
	Highlighted bool              `json:"highlighted"`

	// HighlightUntil is the wall-clock deadline after which the
	// highlight decays. Zero when not highlighted.
	HighlightUntil time.Time `json:"highlight_until"`
}

// Config holds the aggregation window settings.
type Config struct {
	// Capacity bounds the window; inserting past it evicts the oldest
	// entry.
	Capacity    int
	GroupWindow time.Duration

	// HighlightDecay applies while a consumer is observing,
	// BackgroundDecay while none is.
	HighlightDecay  time.Duration
	BackgroundDecay time.Duration

	// DeviceFilter, when set, restricts the window to one device ID.
	DeviceFilter *uint8

	// SubscriberBuffer sizes the raw-stream subscription; values below 1
	// fall back to the default.
	SubscriberBuffer int
}

// DefaultConfig returns the standard window settings.
func DefaultConfig() Config {
	return Config{
		Capacity:         100,
		GroupWindow:      500 * time.Millisecond,
		HighlightDecay:   3 * time.Second,
		BackgroundDecay:  5 * time.Second,
		SubscriberBuffer: 256,
	}
}

// Metrics holds Prometheus metrics for the aggregator
type Metrics struct {
	entriesInserted   prometheus.Counter
	entriesMerged     prometheus.Counter
	entriesEvicted    prometheus.Counter
	readingsFiltered  prometheus.Counter
	highlightsExpired prometheus.Counter
	size              prometheus.Gauge
	highlighted       prometheus.Gauge
}

// newMetrics creates and registers aggregator metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		entriesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "entries_inserted_total",
			Help:      "Readings that opened a new history entry",
		}),
		entriesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "entries_merged_total",
			Help:      "Readings grouped into the head entry",
		}),
		entriesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "entries_evicted_total",
			Help:      "Oldest entries dropped to respect capacity",
		}),
		readingsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "readings_filtered_total",
			Help:      "Readings excluded by the device filter",
		}),
		highlightsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "highlights_expired_total",
			Help:      "Highlights that decayed",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "size",
			Help:      "Entries currently in the window",
		}),
		highlighted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "history",
			Name:      "highlighted",
			Help:      "Entries currently highlighted",
		}),
	}

	registry.RegisterCounter("history", "entries_inserted", metrics.entriesInserted)
	registry.RegisterCounter("history", "entries_merged", metrics.entriesMerged)
	registry.RegisterCounter("history", "entries_evicted", metrics.entriesEvicted)
	registry.RegisterCounter("history", "readings_filtered", metrics.readingsFiltered)
	registry.RegisterCounter("history", "highlights_expired", metrics.highlightsExpired)
	registry.RegisterGauge("history", "size", metrics.size)
	registry.RegisterGauge("history", "highlighted", metrics.highlighted)

	return metrics
}

// Deps holds runtime dependencies for the aggregator
type Deps struct {
	Name            string                  // Instance name
	Config          Config                  // Window settings
	Source          ReadingSource           // Raw stream supplier
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Aggregator maintains the grouped history window.
type Aggregator struct {
	name   string
	cfg    Config
	source ReadingSource
	logger *slog.Logger

	// Lifecycle management
	running   atomic.Bool
	wg        sync.WaitGroup
	startTime time.Time

	// Guarded by mu.
	mu        sync.RWMutex
	entries   []*Entry
	observing bool
	filter    *uint8
	timer     *time.Timer
	timerAt   time.Time
	cancelSub func()

	// updates coalesces change notifications: consumers that fall
	// behind see one pending signal, not a backlog.
	updates chan struct{}

	// Metrics (atomic for thread safety)
	processed    atomic.Int64
	lastActivity atomic.Value // stores time.Time

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Aggregator implements all required interfaces
var _ component.LifecycleComponent = (*Aggregator)(nil)

// New creates an aggregator over the given raw stream source.
func New(deps Deps) *Aggregator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "history")
	}

	h := &Aggregator{
		name:      deps.Name,
		cfg:       deps.Config,
		source:    deps.Source,
		logger:    logger,
		startTime: time.Now(),
		updates:   make(chan struct{}, 1),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
	if deps.Config.DeviceFilter != nil {
		v := *deps.Config.DeviceFilter
		h.filter = &v
	}
	h.lastActivity.Store(time.Time{})
	return h
}

// Meta returns the component metadata
func (h *Aggregator) Meta() component.Metadata {
	name := h.name
	if name == "" {
		name = "history"
	}

	return component.Metadata{
		Name:        name,
		Type:        "processor",
		Description: fmt.Sprintf("grouped reading history, capacity %d", h.cfg.Capacity),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (h *Aggregator) Health() component.HealthStatus {
	h.mu.RLock()
	startTime := h.startTime
	h.mu.RUnlock()

	return component.HealthStatus{
		Healthy:   h.running.Load(),
		LastCheck: time.Now(),
		Uptime:    time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (h *Aggregator) DataFlow() component.FlowMetrics {
	processed := h.processed.Load()
	lastActivity, _ := h.lastActivity.Load().(time.Time)

	h.mu.RLock()
	startTime := h.startTime
	h.mu.RUnlock()

	var readingsPerSecond float64
	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(processed) / uptime
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the window settings.
func (h *Aggregator) Initialize() error {
	if h.source == nil {
		return errors.WrapInvalid(fmt.Errorf("no reading source"),
			"history", "Initialize", "dependency validation")
	}
	if h.cfg.Capacity < 1 {
		return errors.WrapInvalid(fmt.Errorf("capacity %d below 1", h.cfg.Capacity),
			"history", "Initialize", "capacity validation")
	}
	if h.cfg.GroupWindow <= 0 {
		return errors.WrapInvalid(fmt.Errorf("group window %v not positive", h.cfg.GroupWindow),
			"history", "Initialize", "window validation")
	}
	if h.cfg.HighlightDecay <= 0 || h.cfg.BackgroundDecay <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("decay windows %v/%v not positive", h.cfg.HighlightDecay, h.cfg.BackgroundDecay),
			"history", "Initialize", "decay validation")
	}
	return nil
}

// Start subscribes to the raw stream and begins aggregating.
func (h *Aggregator) Start(_ context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	buffer := h.cfg.SubscriberBuffer
	if buffer < 1 {
		buffer = 256
	}
	ch, cancel := h.source.SubscribeRaw(buffer)

	h.mu.Lock()
	h.startTime = time.Now()
	h.cancelSub = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.consume(ch)

	h.logger.Info("history aggregator started", "capacity", h.cfg.Capacity)
	return nil
}

// Stop cancels the subscription and waits for the consumer to drain.
// The accumulated window survives a stop.
func (h *Aggregator) Stop(timeout time.Duration) error {
	if !h.running.CompareAndSwap(true, false) {
		return nil
	}

	h.mu.Lock()
	cancel := h.cancelSub
	h.cancelSub = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"history", "Stop", "graceful shutdown")
	}

	h.logger.Info("history aggregator stopped")
	return nil
}

// consume feeds the window until the subscription closes.
func (h *Aggregator) consume(ch <-chan telemetry.ReadingEvent) {
	defer h.wg.Done()
	for ev := range ch {
		h.Add(ev.Reading)
	}
}

// Add places one reading into the window, merging it into the head
// entry when it qualifies.
func (h *Aggregator) Add(r telemetry.Reading) {
	h.processed.Add(1)
	h.lastActivity.Store(time.Now())

	h.mu.Lock()
	if h.filter != nil && r.DeviceID != *h.filter {
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.readingsFiltered.Inc()
		}
		return
	}

	now := time.Now()
	decay := h.cfg.HighlightDecay
	if !h.observing {
		decay = h.cfg.BackgroundDecay
	}

	var merged, evicted bool
	if len(h.entries) > 0 && h.qualifiesForHead(r) {
		head := h.entries[0]
		original := head.Reading.Timestamp
		count := head.Reading.GroupedCount + 1
		head.Reading = r
		head.Reading.Timestamp = original
		head.Reading.GroupedCount = count
		h.markLocked(head, now, decay)
		merged = true
	} else {
		e := &Entry{Reading: r}
		e.Reading.GroupedCount = 1
		h.markLocked(e, now, decay)
		h.entries = append(h.entries, nil)
		copy(h.entries[1:], h.entries)
		h.entries[0] = e
		if len(h.entries) > h.cfg.Capacity {
			h.entries = h.entries[:h.cfg.Capacity]
			evicted = true
		}
	}
	size := len(h.entries)
	lit := h.highlightedCountLocked()
	h.mu.Unlock()

	if h.metrics != nil {
		if merged {
			h.metrics.entriesMerged.Inc()
		} else {
			h.metrics.entriesInserted.Inc()
		}
		if evicted {
			h.metrics.entriesEvicted.Inc()
		}
		h.metrics.size.Set(float64(size))
		h.metrics.highlighted.Set(float64(lit))
	}
	h.notifyUpdated()
}

// qualifiesForHead reports whether the reading groups into the head
// entry: same address, timestamp within the group window of the head's
// original timestamp. Callers hold h.mu.
func (h *Aggregator) qualifiesForHead(r telemetry.Reading) bool {
	head := h.entries[0]
	if head.Reading.DeviceAddress != r.DeviceAddress {
		return false
	}
	d := r.Timestamp.Sub(head.Reading.Timestamp)
	if d < 0 {
		d = -d
	}
	return d < h.cfg.GroupWindow
}

// markLocked highlights the entry unless it already is; an active
// highlight keeps its original deadline no matter how often the entry
// is touched. Callers hold h.mu.
func (h *Aggregator) markLocked(e *Entry, now time.Time, decay time.Duration) {
	if e.Highlighted {
		return
	}
	e.Highlighted = true
	e.HighlightUntil = now.Add(decay)
	h.armTimerLocked(e.HighlightUntil)
}

// armTimerLocked schedules the decay sweep for the given deadline
// unless an earlier sweep is already pending. Callers hold h.mu.
func (h *Aggregator) armTimerLocked(at time.Time) {
	if !h.timerAt.IsZero() && !at.Before(h.timerAt) {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timerAt = at
	h.timer = time.AfterFunc(time.Until(at), h.sweepHighlights)
}

// sweepHighlights clears expired highlights and re-arms for the next
// pending deadline.
func (h *Aggregator) sweepHighlights() {
	h.mu.Lock()
	h.timerAt = time.Time{}
	now := time.Now()

	var expired int
	var next time.Time
	for _, e := range h.entries {
		if !e.Highlighted {
			continue
		}
		if e.HighlightUntil.After(now) {
			if next.IsZero() || e.HighlightUntil.Before(next) {
				next = e.HighlightUntil
			}
			continue
		}
		e.Highlighted = false
		e.HighlightUntil = time.Time{}
		expired++
	}
	if !next.IsZero() {
		h.armTimerLocked(next)
	}
	lit := h.highlightedCountLocked()
	h.mu.Unlock()

	if expired == 0 {
		return
	}
	if h.metrics != nil {
		h.metrics.highlightsExpired.Add(float64(expired))
		h.metrics.highlighted.Set(float64(lit))
	}
	h.notifyUpdated()
}

// highlightedCountLocked counts lit entries. Callers hold h.mu.
func (h *Aggregator) highlightedCountLocked() int {
	n := 0
	for _, e := range h.entries {
		if e.Highlighted {
			n++
		}
	}
	return n
}

// Snapshot returns the window newest-first. The slice and its entries
// are copies.
func (h *Aggregator) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = *e
	}
	return out
}

// Size returns the current number of entries.
func (h *Aggregator) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear empties the window.
func (h *Aggregator) Clear() {
	h.mu.Lock()
	h.entries = nil
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.timerAt = time.Time{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.size.Set(0)
		h.metrics.highlighted.Set(0)
	}
	h.logger.Info("history cleared")
	h.notifyUpdated()
}

// SetObserving tells the aggregator whether a consumer is actively
// watching. It only affects the decay chosen for future highlights.
func (h *Aggregator) SetObserving(observing bool) {
	h.mu.Lock()
	h.observing = observing
	h.mu.Unlock()
}

// SetDeviceFilter restricts the window to one device ID, or lifts the
// restriction with nil. The window is cleared so every entry matches
// the filter in force when it was admitted.
func (h *Aggregator) SetDeviceFilter(filter *uint8) {
	h.mu.Lock()
	if filter != nil {
		v := *filter
		h.filter = &v
	} else {
		h.filter = nil
	}
	h.mu.Unlock()

	h.Clear()
}

// Updated signals after any change to the window. Signals coalesce;
// consumers re-read Snapshot rather than counting them.
func (h *Aggregator) Updated() <-chan struct{} {
	return h.updates
}

// notifyUpdated posts a coalescing change signal.
func (h *Aggregator) notifyUpdated() {
	select {
	case h.updates <- struct{}{}:
	default:
	}
}
