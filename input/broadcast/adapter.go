// Package broadcast ingests environmental readings carried in wireless
// advertisement frames. An Adapter owns a Scanner, decodes each observed
// payload with the frame codec, suppresses per-device duplicates inside a
// small epsilon, and hands raw and changed reading events to the arbiter.
//
// Scan intent is latched: once StartScan is requested the adapter keeps
// trying to observe across radio power cycles until StopScan or a
// terminal platform failure.
package broadcast

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/frame"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

// Duplicate suppression epsilons per measurement. Frames decode at 0.1
// (0.01 for voltage) resolution, so any wire-level change clears these;
// they only absorb float representation jitter.
const (
	epsilonTemperature = 0.01
	epsilonHumidity    = 0.01
	epsilonPressure    = 0.01
	epsilonVoltage     = 0.001
)

// Metrics holds Prometheus metrics for the broadcast adapter
type Metrics struct {
	advertisementsSeen prometheus.Counter
	framesDecoded      prometheus.Counter
	framesRejected     prometheus.Counter
	changedReadings    prometheus.Counter
	scanActive         prometheus.Gauge
	radioPowered       prometheus.Gauge
	lastActivity       prometheus.Gauge
}

// newMetrics creates and registers broadcast adapter metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		advertisementsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "advertisements_seen_total",
			Help:      "Total advertisements delivered by the scanner",
		}),
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "frames_decoded_total",
			Help:      "Advertisements carrying a valid reading frame",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "frames_rejected_total",
			Help:      "Advertisements with no decodable frame in any payload slot",
		}),
		changedReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "changed_readings_total",
			Help:      "Decoded readings that moved outside the duplicate epsilon",
		}),
		scanActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "scan_active",
			Help:      "1 while the platform scan is running",
		}),
		radioPowered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "radio_powered",
			Help:      "1 while the radio reports power",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "broadcast",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last decoded frame",
		}),
	}

	registry.RegisterCounter("broadcast", "advertisements_seen", metrics.advertisementsSeen)
	registry.RegisterCounter("broadcast", "frames_decoded", metrics.framesDecoded)
	registry.RegisterCounter("broadcast", "frames_rejected", metrics.framesRejected)
	registry.RegisterCounter("broadcast", "changed_readings", metrics.changedReadings)
	registry.RegisterGauge("broadcast", "scan_active", metrics.scanActive)
	registry.RegisterGauge("broadcast", "radio_powered", metrics.radioPowered)
	registry.RegisterGauge("broadcast", "last_activity", metrics.lastActivity)

	return metrics
}

// lastValues is the per-address tuple duplicate suppression compares
// against. Updated on every decode, kept for the adapter's lifetime.
type lastValues struct {
	temperature float64
	humidity    float64
	pressure    float64
	voltage     float64
}

// AdapterDeps holds runtime dependencies for the broadcast adapter
type AdapterDeps struct {
	Name            string                  // Instance name
	Scanner         Scanner                 // Radio capability (required)
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Adapter turns scanner advertisements into reading events.
type Adapter struct {
	name    string
	scanner Scanner
	logger  *slog.Logger
	core    *metric.Metrics

	// Lifecycle management
	running   atomic.Bool
	mu        sync.RWMutex
	startTime time.Time

	// Guarded by mu
	sink          telemetry.EventSink
	stateSink     telemetry.StateSink
	scanRequested bool   // latched scan intent
	scanning      bool   // platform scan currently running
	powered       bool   // radio power as last reported
	impediment    string // why a latched scan is not live (recoverable)
	failure       string // terminal platform failure, "" when none
	lastStatus    telemetry.TransportStatus
	last          map[string]lastValues

	// Metrics (atomic for thread safety)
	advertisements atomic.Int64
	framesAccepted atomic.Int64
	framesRejected atomic.Int64
	bytesSeen      atomic.Int64
	errorCount     atomic.Int64
	lastActivity   atomic.Value // stores time.Time

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Adapter implements all required interfaces
var _ component.LifecycleComponent = (*Adapter)(nil)

// NewAdapter creates a broadcast adapter around the given scanner.
func NewAdapter(deps AdapterDeps) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "broadcast-adapter")
	}

	var core *metric.Metrics
	if deps.MetricsRegistry != nil {
		core = deps.MetricsRegistry.CoreMetrics()
	}

	a := &Adapter{
		name:      deps.Name,
		scanner:   deps.Scanner,
		logger:    logger,
		core:      core,
		startTime: time.Now(),
		last:      make(map[string]lastValues),
		metrics:   newMetrics(deps.MetricsRegistry),
		lastStatus: telemetry.TransportStatus{
			Transport: telemetry.SourceBroadcast,
			State:     telemetry.StateIdle,
		},
	}
	a.lastActivity.Store(time.Time{})
	return a
}

// SetSink registers the destination for reading events. Must be called
// before Start; the sink must not block.
func (a *Adapter) SetSink(sink telemetry.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// SetStateSink registers the destination for transport status changes.
func (a *Adapter) SetStateSink(sink telemetry.StateSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateSink = sink
}

// Meta returns the component metadata
func (a *Adapter) Meta() component.Metadata {
	name := a.name
	if name == "" {
		name = "broadcast-adapter"
	}

	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: "environmental reading ingestion from wireless broadcast advertisements",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (a *Adapter) Health() component.HealthStatus {
	a.mu.RLock()
	failure := a.failure
	startTime := a.startTime
	a.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    a.running.Load() && failure == "",
		LastCheck:  time.Now(),
		ErrorCount: int(a.errorCount.Load()),
		LastError:  failure,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (a *Adapter) DataFlow() component.FlowMetrics {
	accepted := a.framesAccepted.Load()
	bytes := a.bytesSeen.Load()
	errorCount := a.errorCount.Load()
	lastActivity, _ := a.lastActivity.Load().(time.Time)

	a.mu.RLock()
	startTime := a.startTime
	a.mu.RUnlock()

	var readingsPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(accepted) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if accepted > 0 {
		errorRate = float64(errorCount) / float64(accepted)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the adapter's dependencies without touching the
// radio.
func (a *Adapter) Initialize() error {
	if a.scanner == nil {
		return errors.WrapInvalid(fmt.Errorf("nil scanner"),
			"broadcast-adapter", "Initialize", "scanner validation")
	}
	return nil
}

// Start opens the scanner and registers callbacks. Scanning itself only
// begins once StartScan is requested.
func (a *Adapter) Start(_ context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	a.mu.Lock()
	a.startTime = time.Now()
	a.mu.Unlock()

	// Open is called without holding mu: scanners report the initial
	// power state from inside Open and that callback takes the lock.
	if err := a.scanner.Open(Callbacks{
		OnAdvertisement: a.handleAdvertisement,
		OnPowerState:    a.handlePowerState,
	}); err != nil {
		a.running.Store(false)
		a.errorCount.Add(1)
		return errors.WrapTransient(err, "broadcast-adapter", "Start", "scanner open")
	}

	a.logger.Info("broadcast adapter started")
	return nil
}

// Stop closes the scanner and clears scan intent. The duplicate
// suppression table survives so a restarted adapter does not re-emit
// unchanged values as changed.
func (a *Adapter) Stop(_ time.Duration) error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}

	err := a.scanner.Close()

	a.mu.Lock()
	a.scanRequested = false
	a.scanning = false
	a.powered = false
	a.impediment = ""
	if a.metrics != nil {
		a.metrics.scanActive.Set(0)
		a.metrics.radioPowered.Set(0)
	}
	status, sink := a.pendingStateLocked()
	a.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	if err != nil {
		a.errorCount.Add(1)
		return errors.WrapTransient(err, "broadcast-adapter", "Stop", "scanner close")
	}

	a.logger.Info("broadcast adapter stopped")
	return nil
}

// StartScan latches scan intent and starts platform scanning when the
// radio allows it. A latched scan resumes on its own after power loss;
// an explicit StartScan is also the only way out of a terminal failure.
func (a *Adapter) StartScan() error {
	if !a.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "broadcast-adapter", "StartScan", "scan request")
	}

	a.mu.Lock()
	a.scanRequested = true
	a.failure = ""
	var err error
	if !a.scanning {
		err = a.startPlatformScanLocked()
	}
	status, sink := a.pendingStateLocked()
	a.mu.Unlock()
	if sink != nil {
		sink(status)
	}
	return err
}

// StopScan clears scan intent and stops platform scanning. The duplicate
// suppression table is kept.
func (a *Adapter) StopScan() error {
	if !a.running.Load() {
		return nil
	}

	a.mu.Lock()
	a.scanRequested = false
	a.impediment = ""
	var err error
	if a.scanning {
		err = a.scanner.StopScan()
		a.scanning = false
		if a.metrics != nil {
			a.metrics.scanActive.Set(0)
		}
	}
	status, sink := a.pendingStateLocked()
	a.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	if err != nil {
		a.errorCount.Add(1)
		return errors.WrapTransient(err, "broadcast-adapter", "StopScan", "platform scan stop")
	}
	return nil
}

// Status reports the adapter's current transport state.
func (a *Adapter) Status() telemetry.TransportStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statusLocked()
}

// startPlatformScanLocked starts the platform scan if power allows.
// Callers hold a.mu and have already set scanRequested.
func (a *Adapter) startPlatformScanLocked() error {
	if !a.powered {
		a.impediment = "radio powered off"
		return nil // latched; resumes when power returns
	}

	if err := a.scanner.StartScan(); err != nil {
		a.errorCount.Add(1)
		switch {
		case stderrors.Is(err, errors.ErrNotAuthorized):
			a.failure = "scan not authorized"
			return errors.WrapFatal(err, "broadcast-adapter", "StartScan", "platform scan start")
		case stderrors.Is(err, errors.ErrUnsupported):
			a.failure = "scanning unsupported"
			return errors.WrapFatal(err, "broadcast-adapter", "StartScan", "platform scan start")
		default:
			a.impediment = fmt.Sprintf("scan start failed: %v", err)
			return errors.WrapTransient(err, "broadcast-adapter", "StartScan", "platform scan start")
		}
	}

	a.scanning = true
	a.impediment = ""
	if a.metrics != nil {
		a.metrics.scanActive.Set(1)
	}
	return nil
}

// statusLocked derives the transport state from the latch, power and
// failure fields. Callers hold a.mu.
func (a *Adapter) statusLocked() telemetry.TransportStatus {
	st := telemetry.TransportStatus{Transport: telemetry.SourceBroadcast}
	switch {
	case a.failure != "":
		st.State = telemetry.StateFailed
		st.Reason = a.failure
	case a.scanning:
		st.State = telemetry.StateActive
	case a.scanRequested && a.impediment != "":
		st.State = telemetry.StateDegraded
		st.Reason = a.impediment
	case a.scanRequested:
		st.State = telemetry.StateActivating
	default:
		st.State = telemetry.StateIdle
	}
	return st
}

// pendingStateLocked returns the status and sink to notify when the
// derived state changed since the last notification, or a nil sink when
// nothing changed. Callers hold a.mu and invoke the sink after unlocking.
func (a *Adapter) pendingStateLocked() (telemetry.TransportStatus, telemetry.StateSink) {
	status := a.statusLocked()
	if status == a.lastStatus {
		return status, nil
	}
	a.lastStatus = status
	return status, a.stateSink
}

// handlePowerState is the scanner's power callback. Power loss demotes a
// latched scan to degraded; power return resumes it.
func (a *Adapter) handlePowerState(powered bool) {
	if !a.running.Load() {
		return
	}

	a.mu.Lock()
	a.powered = powered
	var startErr error
	if powered {
		a.impediment = ""
		if a.scanRequested && !a.scanning && a.failure == "" {
			startErr = a.startPlatformScanLocked()
		}
	} else {
		// Platform delivery stops with the radio; the latch keeps the
		// intent alive.
		a.scanning = false
		a.impediment = "radio powered off"
	}
	if a.metrics != nil {
		if powered {
			a.metrics.radioPowered.Set(1)
		} else {
			a.metrics.radioPowered.Set(0)
			a.metrics.scanActive.Set(0)
		}
	}
	status, sink := a.pendingStateLocked()
	a.mu.Unlock()
	if sink != nil {
		sink(status)
	}

	if startErr != nil {
		a.logger.Warn("scan resume after power-on failed", "error", startErr)
	} else {
		a.logger.Debug("radio power state changed", "powered", powered)
	}
}

// handleAdvertisement is the scanner's delivery callback. It decodes the
// payload slots, updates the duplicate table and emits a reading event.
func (a *Adapter) handleAdvertisement(adv Advertisement) {
	if !a.running.Load() {
		return
	}

	a.advertisements.Add(1)
	a.bytesSeen.Add(int64(len(adv.ManufacturerData) + len(adv.ServiceData)))
	if a.metrics != nil {
		a.metrics.advertisementsSeen.Inc()
	}

	fields, ok := decodePayloads(adv)
	if !ok {
		// Not an environmental frame. Other traffic shares the medium,
		// so a rejection is routine, not an error.
		a.framesRejected.Add(1)
		if a.metrics != nil {
			a.metrics.framesRejected.Inc()
		}
		return
	}

	now := time.Now()
	a.lastActivity.Store(now)

	rssi := adv.RSSI
	reading := telemetry.Reading{
		Timestamp:     now,
		DeviceAddress: adv.Address,
		DeviceID:      fields.DeviceID,
		ReadingID:     fields.ReadingID,
		TemperatureC:  fields.TemperatureC,
		HumidityPct:   fields.HumidityPct,
		PressureHPa:   fields.PressureHPa,
		VoltageV:      fields.VoltageV,
		RSSI:          &rssi,
		GroupedCount:  1,
		Source:        telemetry.SourceBroadcast,
	}

	cur := lastValues{
		temperature: fields.TemperatureC,
		humidity:    fields.HumidityPct,
		pressure:    fields.PressureHPa,
		voltage:     fields.VoltageV,
	}

	a.mu.Lock()
	prev, seen := a.last[adv.Address]
	changed := !seen || outsideEpsilon(prev, cur)
	a.last[adv.Address] = cur
	sink := a.sink
	a.mu.Unlock()

	a.framesAccepted.Add(1)
	if a.metrics != nil {
		a.metrics.framesDecoded.Inc()
		a.metrics.lastActivity.Set(float64(now.Unix()))
		if changed {
			a.metrics.changedReadings.Inc()
		}
	}
	if a.core != nil {
		a.core.RecordReadingReceived(a.Meta().Name, "broadcast")
	}

	if sink != nil {
		sink(telemetry.ReadingEvent{Reading: reading, Changed: changed})
	}
}

// decodePayloads tries the advertisement's payload slots in manufacturer,
// service order; the first slot carrying a valid frame wins.
func decodePayloads(adv Advertisement) (frame.Fields, bool) {
	if f, ok := frame.Decode(adv.ManufacturerData); ok {
		return f, true
	}
	return frame.Decode(adv.ServiceData)
}

// outsideEpsilon reports whether any measurement moved by more than its
// suppression epsilon.
func outsideEpsilon(prev, cur lastValues) bool {
	return math.Abs(cur.temperature-prev.temperature) > epsilonTemperature ||
		math.Abs(cur.humidity-prev.humidity) > epsilonHumidity ||
		math.Abs(cur.pressure-prev.pressure) > epsilonPressure ||
		math.Abs(cur.voltage-prev.voltage) > epsilonVoltage
}
