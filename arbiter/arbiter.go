// Package arbiter owns the authoritative device map and decides which
// transport's readings reach the unified streams. The socket transport
// wins whenever it is connected; broadcast carries the traffic the rest
// of the time. On every handover the device map drops the losing
// transport's entries so stale readings from one transport never sit
// beside fresh readings from the other.
//
// The arbiter tracks two independent intents, "broadcast requested" and
// "socket enabled". Intents say what the operator wants; the transport
// statuses say what is actually happening. Suppressing broadcast while
// the socket is live does not stop the scan, it only withholds the
// scan's output.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

// BroadcastTransport is the scanning side the arbiter drives. Transport
// state arrives through the state sink, never by polling.
type BroadcastTransport interface {
	StartScan() error
	StopScan() error
	SetSink(telemetry.EventSink)
	SetStateSink(telemetry.StateSink)
}

// SocketTransport is the streaming side the arbiter drives.
type SocketTransport interface {
	StartStream() error
	StopStream() error
	ForceReconnect() error
	SetSink(telemetry.EventSink)
	SetStateSink(telemetry.StateSink)
}

// Status is the arbiter's computed view: both transport states, both
// intents, and which transport currently feeds the unified streams.
type Status struct {
	Broadcast          telemetry.TransportStatus `json:"broadcast"`
	Socket             telemetry.TransportStatus `json:"socket"`
	BroadcastRequested bool                      `json:"broadcast_requested"`
	SocketEnabled      bool                      `json:"socket_enabled"`

	// ActiveTransport names the authoritative source, or is empty when
	// neither transport is delivering.
	ActiveTransport telemetry.Source `json:"active_transport,omitempty"`
	DeviceCount     int              `json:"device_count"`
}

// Metrics holds Prometheus metrics for the arbiter
type Metrics struct {
	readingsForwarded   *prometheus.CounterVec
	readingsSuppressed  prometheus.Counter
	handovers           prometheus.Counter
	subscriberDrops     prometheus.Counter
	devices             prometheus.Gauge
	socketAuthoritative prometheus.Gauge
}

// newMetrics creates and registers arbiter metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		readingsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "arbiter",
			Name:      "readings_forwarded_total",
			Help:      "Readings admitted to the unified streams",
		}, []string{"stream"}),
		readingsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "arbiter",
			Name:      "readings_suppressed_total",
			Help:      "Readings withheld because their transport was not authoritative",
		}),
		handovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "arbiter",
			Name:      "handovers_total",
			Help:      "Authority switches between transports",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "arbiter",
			Name:      "subscriber_drops_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "arbiter",
			Name:      "devices",
			Help:      "Devices currently present in the unified map",
		}),
		socketAuthoritative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "arbiter",
			Name:      "socket_authoritative",
			Help:      "1 while the socket transport feeds the unified streams",
		}),
	}

	registry.RegisterCounterVec("arbiter", "readings_forwarded", metrics.readingsForwarded)
	registry.RegisterCounter("arbiter", "readings_suppressed", metrics.readingsSuppressed)
	registry.RegisterCounter("arbiter", "handovers", metrics.handovers)
	registry.RegisterCounter("arbiter", "subscriber_drops", metrics.subscriberDrops)
	registry.RegisterGauge("arbiter", "devices", metrics.devices)
	registry.RegisterGauge("arbiter", "socket_authoritative", metrics.socketAuthoritative)

	return metrics
}

// Deps holds runtime dependencies for the arbiter
type Deps struct {
	Name            string                  // Instance name
	Broadcast       BroadcastTransport      // Scanning transport
	Socket          SocketTransport         // Streaming transport
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Arbiter merges both transports into unified raw and changed streams.
type Arbiter struct {
	name      string
	broadcast BroadcastTransport
	socket    SocketTransport
	logger    *slog.Logger

	// Lifecycle management
	running   atomic.Bool
	startTime time.Time

	// mu serializes every device-map mutation and fan-out. Transport
	// callbacks and control operations all pass through it, so no two
	// sources interleave a read-modify-write. Control operations never
	// hold mu while calling into a transport: the transport's state
	// callback re-enters the arbiter and takes mu itself.
	mu                 sync.RWMutex
	devices            map[string]telemetry.Reading
	broadcastStatus    telemetry.TransportStatus
	socketStatus       telemetry.TransportStatus
	broadcastRequested bool
	socketEnabled      bool
	socketLive         bool
	rawSubs            map[int]chan telemetry.ReadingEvent
	changedSubs        map[int]chan telemetry.ReadingEvent
	statusSubs         map[int]chan Status
	nextSubID          int
	lastStatus         Status

	// Metrics (atomic for thread safety)
	forwarded  atomic.Int64
	suppressed atomic.Int64
	drops      atomic.Int64
	lastFlow   atomic.Value // stores time.Time

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Arbiter implements all required interfaces
var _ component.LifecycleComponent = (*Arbiter)(nil)

// New creates an arbiter over the two transports.
func New(deps Deps) *Arbiter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "arbiter")
	}

	a := &Arbiter{
		name:      deps.Name,
		broadcast: deps.Broadcast,
		socket:    deps.Socket,
		logger:    logger,
		startTime: time.Now(),
		devices:   make(map[string]telemetry.Reading),
		broadcastStatus: telemetry.TransportStatus{
			Transport: telemetry.SourceBroadcast,
			State:     telemetry.StateIdle,
		},
		socketStatus: telemetry.TransportStatus{
			Transport: telemetry.SourceSocket,
			State:     telemetry.StateIdle,
		},
		rawSubs:     make(map[int]chan telemetry.ReadingEvent),
		changedSubs: make(map[int]chan telemetry.ReadingEvent),
		statusSubs:  make(map[int]chan Status),
		metrics:     newMetrics(deps.MetricsRegistry),
	}
	a.lastFlow.Store(time.Time{})
	a.lastStatus = a.statusLocked()
	return a
}

// Meta returns the component metadata
func (a *Arbiter) Meta() component.Metadata {
	name := a.name
	if name == "" {
		name = "arbiter"
	}

	return component.Metadata{
		Name:        name,
		Type:        "processor",
		Description: "unified device map and transport priority arbitration",
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (a *Arbiter) Health() component.HealthStatus {
	a.mu.RLock()
	startTime := a.startTime
	a.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    a.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(a.drops.Load()),
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (a *Arbiter) DataFlow() component.FlowMetrics {
	forwarded := a.forwarded.Load()
	lastFlow, _ := a.lastFlow.Load().(time.Time)

	a.mu.RLock()
	startTime := a.startTime
	a.mu.RUnlock()

	var readingsPerSecond float64
	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(forwarded) / uptime
	}

	var errorRate float64
	if forwarded > 0 {
		errorRate = float64(a.drops.Load()) / float64(forwarded)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastFlow,
	}
}

// Initialize wires the arbiter's handlers into both transports.
func (a *Arbiter) Initialize() error {
	if a.broadcast == nil {
		return errors.WrapInvalid(fmt.Errorf("no broadcast transport"),
			"arbiter", "Initialize", "dependency validation")
	}
	if a.socket == nil {
		return errors.WrapInvalid(fmt.Errorf("no socket transport"),
			"arbiter", "Initialize", "dependency validation")
	}

	a.broadcast.SetSink(a.handleReading)
	a.broadcast.SetStateSink(a.handleTransportState)
	a.socket.SetSink(a.handleReading)
	a.socket.SetStateSink(a.handleTransportState)
	return nil
}

// Start marks the arbiter ready to admit events. Transport intents stay
// off until the corresponding control operation is called.
func (a *Arbiter) Start(_ context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	a.mu.Lock()
	a.startTime = time.Now()
	a.devices = make(map[string]telemetry.Reading)
	a.mu.Unlock()

	a.logger.Info("arbiter started")
	return nil
}

// Stop drops all intents and terminates every subscription.
func (a *Arbiter) Stop(_ time.Duration) error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}

	a.mu.Lock()
	a.broadcastRequested = false
	a.socketEnabled = false
	for id, ch := range a.rawSubs {
		delete(a.rawSubs, id)
		close(ch)
	}
	for id, ch := range a.changedSubs {
		delete(a.changedSubs, id)
		close(ch)
	}
	for id, ch := range a.statusSubs {
		delete(a.statusSubs, id)
		close(ch)
	}
	a.mu.Unlock()

	a.logger.Info("arbiter stopped")
	return nil
}

// StartBroadcast sets the broadcast intent and starts (or resumes) the
// scan. While the socket is authoritative the scan runs but its output
// stays suppressed.
func (a *Arbiter) StartBroadcast() error {
	if !a.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "arbiter", "StartBroadcast", "control request")
	}

	a.mu.Lock()
	a.broadcastRequested = true
	status := a.statusLocked()
	a.notifyStatusLocked(status)
	a.mu.Unlock()

	a.logger.Info("broadcast requested")
	return a.broadcast.StartScan()
}

// StopBroadcast clears the broadcast intent and stops the scan.
func (a *Arbiter) StopBroadcast() error {
	if !a.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "arbiter", "StopBroadcast", "control request")
	}

	a.mu.Lock()
	a.broadcastRequested = false
	status := a.statusLocked()
	a.notifyStatusLocked(status)
	a.mu.Unlock()

	a.logger.Info("broadcast released")
	return a.broadcast.StopScan()
}

// ToggleBroadcast flips the broadcast intent.
func (a *Arbiter) ToggleBroadcast() error {
	a.mu.RLock()
	requested := a.broadcastRequested
	a.mu.RUnlock()

	if requested {
		return a.StopBroadcast()
	}
	return a.StartBroadcast()
}

// StartSocket sets the socket intent and begins connecting.
func (a *Arbiter) StartSocket() error {
	if !a.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "arbiter", "StartSocket", "control request")
	}

	a.mu.Lock()
	a.socketEnabled = true
	status := a.statusLocked()
	a.notifyStatusLocked(status)
	a.mu.Unlock()

	a.logger.Info("socket enabled")
	return a.socket.StartStream()
}

// StopSocket clears the socket intent and disconnects. If broadcast is
// requested, its readings become authoritative again as soon as the
// socket reports down.
func (a *Arbiter) StopSocket() error {
	if !a.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "arbiter", "StopSocket", "control request")
	}

	a.mu.Lock()
	a.socketEnabled = false
	status := a.statusLocked()
	a.notifyStatusLocked(status)
	a.mu.Unlock()

	a.logger.Info("socket disabled")
	return a.socket.StopStream()
}

// ToggleSocket flips the socket intent.
func (a *Arbiter) ToggleSocket() error {
	a.mu.RLock()
	enabled := a.socketEnabled
	a.mu.RUnlock()

	if enabled {
		return a.StopSocket()
	}
	return a.StartSocket()
}

// ForceReconnectSocket drops and redials the socket connection, used
// after an external interruption leaves the hub side wedged.
func (a *Arbiter) ForceReconnectSocket() error {
	if !a.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "arbiter", "ForceReconnectSocket", "control request")
	}
	return a.socket.ForceReconnect()
}

// Status reports the arbiter's computed view of both transports.
func (a *Arbiter) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statusLocked()
}

// Devices returns the unified device map as a slice sorted by address.
func (a *Arbiter) Devices() []telemetry.Reading {
	a.mu.RLock()
	out := make([]telemetry.Reading, 0, len(a.devices))
	for _, r := range a.devices {
		out = append(out, r)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceAddress < out[j].DeviceAddress })
	return out
}

// SubscribeRaw delivers every admitted reading, duplicates included.
// The cancel function is safe to call more than once.
func (a *Arbiter) SubscribeRaw(buffer int) (<-chan telemetry.ReadingEvent, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return subscribe(a, a.rawSubs, buffer)
}

// SubscribeChanged delivers only readings whose values moved outside
// the duplicate epsilons (socket readings always count as changed).
func (a *Arbiter) SubscribeChanged(buffer int) (<-chan telemetry.ReadingEvent, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return subscribe(a, a.changedSubs, buffer)
}

// SubscribeStatus delivers a status snapshot on every transport state
// or intent change.
func (a *Arbiter) SubscribeStatus(buffer int) (<-chan Status, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return subscribe(a, a.statusSubs, buffer)
}

// subscribe registers a channel in subs. Callers hold a.mu.
func subscribe[T any](a *Arbiter, subs map[int]chan T, buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := a.nextSubID
	a.nextSubID++
	ch := make(chan T, buffer)
	subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			a.mu.Unlock()
		})
	}
	return ch, cancel
}

// fanOut sends to every subscriber without blocking: a full buffer
// drops its oldest entry to make room, so slow consumers lose the past,
// not the present. Callers hold a.mu.
func fanOut[T any](subs map[int]chan T, v T, drops *atomic.Int64, counter prometheus.Counter) {
	for _, ch := range subs {
		select {
		case ch <- v:
			continue
		default:
		}

		// Full: evict the oldest entry to make room for the newest.
		var dropped bool
		select {
		case <-ch:
			dropped = true
		default:
		}
		select {
		case ch <- v:
		default:
			dropped = true
		}
		if dropped {
			drops.Add(1)
			if counter != nil {
				counter.Inc()
			}
		}
	}
}

// statusLocked derives the computed status. Callers hold a.mu.
func (a *Arbiter) statusLocked() Status {
	st := Status{
		Broadcast:          a.broadcastStatus,
		Socket:             a.socketStatus,
		BroadcastRequested: a.broadcastRequested,
		SocketEnabled:      a.socketEnabled,
		DeviceCount:        len(a.devices),
	}
	switch {
	case a.socketLive:
		st.ActiveTransport = telemetry.SourceSocket
	case a.broadcastRequested:
		st.ActiveTransport = telemetry.SourceBroadcast
	}
	return st
}

// notifyStatusLocked fans the snapshot out to status subscribers,
// skipping snapshots identical to the last one sent. Callers hold a.mu.
func (a *Arbiter) notifyStatusLocked(status Status) {
	if status == a.lastStatus {
		return
	}
	a.lastStatus = status

	var counter prometheus.Counter
	if a.metrics != nil {
		counter = a.metrics.subscriberDrops
	}
	fanOut(a.statusSubs, status, &a.drops, counter)
}

// handleReading is the single delivery point for both transports.
func (a *Arbiter) handleReading(ev telemetry.ReadingEvent) {
	if !a.running.Load() {
		return
	}

	a.mu.Lock()
	var admit bool
	switch ev.Reading.Source {
	case telemetry.SourceSocket:
		admit = a.socketLive
	case telemetry.SourceBroadcast:
		admit = !a.socketLive && a.broadcastRequested
	}
	if !admit {
		a.mu.Unlock()
		a.suppressed.Add(1)
		if a.metrics != nil {
			a.metrics.readingsSuppressed.Inc()
		}
		return
	}

	a.devices[ev.Reading.DeviceAddress] = ev.Reading
	deviceCount := len(a.devices)

	var counter prometheus.Counter
	if a.metrics != nil {
		counter = a.metrics.subscriberDrops
	}
	fanOut(a.rawSubs, ev, &a.drops, counter)
	if ev.Changed {
		fanOut(a.changedSubs, ev, &a.drops, counter)
	}
	a.mu.Unlock()

	a.forwarded.Add(1)
	a.lastFlow.Store(time.Now())
	if a.metrics != nil {
		a.metrics.readingsForwarded.WithLabelValues("raw").Inc()
		if ev.Changed {
			a.metrics.readingsForwarded.WithLabelValues("changed").Inc()
		}
		a.metrics.devices.Set(float64(deviceCount))
	}
}

// handleTransportState tracks both transports and performs the handover
// when socket connectivity changes.
func (a *Arbiter) handleTransportState(st telemetry.TransportStatus) {
	a.mu.Lock()
	switch st.Transport {
	case telemetry.SourceBroadcast:
		a.broadcastStatus = st
	case telemetry.SourceSocket:
		a.socketStatus = st
		live := st.State == telemetry.StateActive
		switch {
		case live && !a.socketLive:
			a.socketLive = true
			a.clearDevicesLocked(telemetry.SourceBroadcast)
			if a.metrics != nil {
				a.metrics.handovers.Inc()
				a.metrics.socketAuthoritative.Set(1)
			}
			a.logger.Info("socket authoritative, broadcast entries dropped")
		case !live && a.socketLive:
			a.socketLive = false
			a.clearDevicesLocked(telemetry.SourceSocket)
			if a.metrics != nil {
				a.metrics.handovers.Inc()
				a.metrics.socketAuthoritative.Set(0)
			}
			a.logger.Info("socket down, socket entries dropped",
				"broadcast_requested", a.broadcastRequested)
		}
	default:
		a.mu.Unlock()
		return
	}
	status := a.statusLocked()
	a.notifyStatusLocked(status)
	a.mu.Unlock()
}

// clearDevicesLocked removes every entry of the given origin. Callers
// hold a.mu.
func (a *Arbiter) clearDevicesLocked(source telemetry.Source) {
	for addr, r := range a.devices {
		if r.Source == source {
			delete(a.devices, addr)
		}
	}
	if a.metrics != nil {
		a.metrics.devices.Set(float64(len(a.devices)))
	}
}
