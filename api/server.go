// Package api exposes the gateway over HTTP: REST endpoints for status,
// device state, history and transport control, a health probe, and a
// WebSocket stream that pushes changed readings, arbiter status and
// history updates to connected dashboards.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/envgate/arbiter"
	"github.com/c360/envgate/component"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/health"
	"github.com/c360/envgate/history"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

// Subscription buffers for the WebSocket feed. Changed readings burst
// when a device wakes, status changes are rare.
const (
	changedFeedBuffer = 64
	statusFeedBuffer  = 16

	readHeaderTimeout = 5 * time.Second
)

// Controller is the slice of the arbiter the API drives.
// *arbiter.Arbiter satisfies it.
type Controller interface {
	Status() arbiter.Status
	Devices() []telemetry.Reading

	StartBroadcast() error
	StopBroadcast() error
	ToggleBroadcast() error
	StartSocket() error
	StopSocket() error
	ToggleSocket() error
	ForceReconnectSocket() error

	SubscribeChanged(buffer int) (<-chan telemetry.ReadingEvent, func())
	SubscribeStatus(buffer int) (<-chan arbiter.Status, func())
}

// History is the slice of the history aggregator the API serves.
// *history.Aggregator satisfies it.
type History interface {
	Snapshot() []history.Entry
	Clear()
	SetObserving(bool)
	Updated() <-chan struct{}
}

// Metrics holds Prometheus metrics for the API server
type Metrics struct {
	requests    *prometheus.CounterVec
	wsClients   prometheus.Gauge
	wsMessages  prometheus.Counter
	wsSlowDrops prometheus.Counter
}

// newMetrics creates and registers API metrics
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests served, by endpoint",
		}, []string{"endpoint"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envgate",
			Subsystem: "api",
			Name:      "ws_clients",
			Help:      "Currently connected WebSocket clients",
		}),
		wsMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "api",
			Name:      "ws_messages_total",
			Help:      "Envelopes broadcast to WebSocket clients",
		}),
		wsSlowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envgate",
			Subsystem: "api",
			Name:      "ws_slow_drops_total",
			Help:      "WebSocket clients dropped for not keeping up",
		}),
	}

	registry.RegisterCounterVec("api", "requests", metrics.requests)
	registry.RegisterGauge("api", "ws_clients", metrics.wsClients)
	registry.RegisterCounter("api", "ws_messages", metrics.wsMessages)
	registry.RegisterCounter("api", "ws_slow_drops", metrics.wsSlowDrops)

	return metrics
}

// Config holds settings for the API server.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string

	// WSSendBuffer bounds each WebSocket client's outbound queue; a
	// client that falls this far behind is disconnected.
	WSSendBuffer int
}

// DefaultConfig returns settings for serving on all interfaces.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		WSSendBuffer: 32,
	}
}

// ServerDeps holds runtime dependencies for the API server
type ServerDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Listen address and stream settings
	Controller      Controller              // Arbiter control surface
	History         History                 // History snapshot source
	Health          *health.Monitor         // Aggregate health source
	MetricsRegistry *metric.MetricsRegistry // Runtime dependency
	Logger          *slog.Logger            // Runtime dependency
}

// Server is the HTTP and WebSocket surface of the gateway.
type Server struct {
	name       string
	cfg        Config
	controller Controller
	history    History
	monitor    *health.Monitor
	logger     *slog.Logger
	hub        *hub

	// Lifecycle management
	running       atomic.Bool
	mu            sync.RWMutex
	wg            sync.WaitGroup
	startTime     time.Time
	listener      net.Listener
	httpServer    *http.Server
	shutdown      chan struct{}
	cancelChanged func()
	cancelStatus  func()

	// Metrics (atomic for thread safety)
	requests     atomic.Int64
	broadcasts   atomic.Int64
	bytesOut     atomic.Int64
	errCount     atomic.Int64
	lastActivity atomic.Value // stores time.Time
	lastError    atomic.Value // stores string

	// Prometheus metrics
	metrics *Metrics
}

// Ensure Server implements all required interfaces
var _ component.LifecycleComponent = (*Server)(nil)

// NewServer creates an API server for the given control surfaces.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}

	s := &Server{
		name:       deps.Name,
		cfg:        deps.Config,
		controller: deps.Controller,
		history:    deps.History,
		monitor:    deps.Health,
		logger:     logger,
		startTime:  time.Now(),
		metrics:    newMetrics(deps.MetricsRegistry),
	}
	s.lastActivity.Store(time.Time{})
	s.lastError.Store("")

	s.hub = newHub(deps.Config.WSSendBuffer, logger)
	s.hub.onCount = func(n int) {
		if s.metrics != nil {
			s.metrics.wsClients.Set(float64(n))
		}
		if s.history != nil {
			// History highlighting only runs while someone is watching.
			s.history.SetObserving(n > 0)
		}
	}
	s.hub.onSlowDrop = func() {
		if s.metrics != nil {
			s.metrics.wsSlowDrops.Inc()
		}
	}

	return s, nil
}

// Meta returns the component metadata
func (s *Server) Meta() component.Metadata {
	name := s.name
	if name == "" {
		name = "api"
	}

	return component.Metadata{
		Name:        name,
		Type:        "service",
		Description: fmt.Sprintf("HTTP and WebSocket API on %s", s.cfg.ListenAddr),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component
func (s *Server) Health() component.HealthStatus {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	lastError, _ := s.lastError.Load().(string)

	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns the current data flow metrics
func (s *Server) DataFlow() component.FlowMetrics {
	broadcasts := s.broadcasts.Load()
	bytes := s.bytesOut.Load()
	errorCount := s.errCount.Load()
	lastActivity, _ := s.lastActivity.Load().(time.Time)

	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	var readingsPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		readingsPerSecond = float64(broadcasts) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if total := s.requests.Load() + broadcasts; total > 0 {
		errorRate = float64(errorCount) / float64(total)
	}

	return component.FlowMetrics{
		ReadingsPerSecond: readingsPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies without binding
// the listen address.
func (s *Server) Initialize() error {
	if s.controller == nil {
		return errors.WrapInvalid(fmt.Errorf("controller is required"),
			"api", "Initialize", "dependency validation")
	}
	if s.history == nil {
		return errors.WrapInvalid(fmt.Errorf("history is required"),
			"api", "Initialize", "dependency validation")
	}
	if s.monitor == nil {
		return errors.WrapInvalid(fmt.Errorf("health monitor is required"),
			"api", "Initialize", "dependency validation")
	}
	if _, _, err := net.SplitHostPort(s.cfg.ListenAddr); err != nil {
		return errors.WrapInvalid(fmt.Errorf("listen address %q: %w", s.cfg.ListenAddr, err),
			"api", "Initialize", "listen address validation")
	}
	if s.cfg.WSSendBuffer < 1 {
		return errors.WrapInvalid(fmt.Errorf("ws send buffer %d below 1", s.cfg.WSSendBuffer),
			"api", "Initialize", "buffer validation")
	}
	return nil
}

// Start binds the listen address, launches the HTTP server and begins
// feeding connected WebSocket clients.
func (s *Server) Start(_ context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil // Already running, idempotent
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return errors.Wrap(err, "api", "Start", "bind listen address")
	}

	httpServer := &http.Server{
		Handler:           s.buildMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	changed, cancelChanged := s.controller.SubscribeChanged(changedFeedBuffer)
	status, cancelStatus := s.controller.SubscribeStatus(statusFeedBuffer)

	s.mu.Lock()
	s.startTime = time.Now()
	s.listener = listener
	s.httpServer = httpServer
	s.shutdown = make(chan struct{})
	s.cancelChanged = cancelChanged
	s.cancelStatus = cancelStatus
	shutdown := s.shutdown
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runServer(httpServer, listener)
	go s.feed(changed, status, shutdown)

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the HTTP server down, disconnects WebSocket clients and
// waits for the workers.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	if s.shutdown != nil {
		close(s.shutdown)
		s.shutdown = nil
	}
	if s.cancelChanged != nil {
		s.cancelChanged()
		s.cancelChanged = nil
	}
	if s.cancelStatus != nil {
		s.cancelStatus()
		s.cancelStatus = nil
	}
	s.mu.Unlock()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("api server shutdown incomplete", "error", err)
		}
	}

	// Shutdown does not cover hijacked WebSocket connections.
	s.hub.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"api", "Stop", "graceful shutdown")
	}

	s.logger.Info("api server stopped")
	return nil
}

// BoundAddr reports the address the server is actually listening on.
// It differs from Config.ListenAddr when the port was 0.
func (s *Server) BoundAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.hub.clientCount()
}

// buildMux wires every route. Method-qualified patterns reject wrong
// verbs with 405 automatically.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.instrument("status", s.handleStatus))
	mux.HandleFunc("GET /api/devices", s.instrument("devices", s.handleDevices))
	mux.HandleFunc("GET /api/history", s.instrument("history", s.handleHistory))
	mux.HandleFunc("POST /api/history/clear", s.instrument("history_clear", s.handleHistoryClear))

	mux.HandleFunc("POST /api/broadcast/start", s.control("broadcast_start", s.controller.StartBroadcast))
	mux.HandleFunc("POST /api/broadcast/stop", s.control("broadcast_stop", s.controller.StopBroadcast))
	mux.HandleFunc("POST /api/broadcast/toggle", s.control("broadcast_toggle", s.controller.ToggleBroadcast))
	mux.HandleFunc("POST /api/socket/start", s.control("socket_start", s.controller.StartSocket))
	mux.HandleFunc("POST /api/socket/stop", s.control("socket_stop", s.controller.StopSocket))
	mux.HandleFunc("POST /api/socket/toggle", s.control("socket_toggle", s.controller.ToggleSocket))
	mux.HandleFunc("POST /api/socket/reconnect", s.control("socket_reconnect", s.controller.ForceReconnectSocket))

	mux.HandleFunc("GET /healthz", s.instrument("healthz", s.handleHealthz))
	mux.HandleFunc("GET /ws", s.instrument("ws", s.hub.serveWS))

	return mux
}

// instrument counts the request before handing it to the handler.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.lastActivity.Store(time.Now())
		if s.metrics != nil {
			s.metrics.requests.WithLabelValues(endpoint).Inc()
		}
		next(w, r)
	}
}

// control runs a transport operation and answers with the status that
// resulted from it.
func (s *Server) control(endpoint string, op func() error) http.HandlerFunc {
	return s.instrument(endpoint, func(w http.ResponseWriter, _ *http.Request) {
		if err := op(); err != nil {
			s.writeError(w, controlStatusCode(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.controller.Status())
	})
}

// controlStatusCode maps a control failure onto an HTTP status.
func controlStatusCode(err error) int {
	switch {
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Status())
}

type devicesResponse struct {
	Devices []telemetry.Reading `json:"devices"`
	Count   int                 `json:"count"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.controller.Devices()
	s.writeJSON(w, http.StatusOK, devicesResponse{Devices: devices, Count: len(devices)})
}

type historyResponse struct {
	Entries []history.Entry `json:"entries"`
	Size    int             `json:"size"`
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	entries := s.history.Snapshot()
	s.writeJSON(w, http.StatusOK, historyResponse{Entries: entries, Size: len(entries)})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, _ *http.Request) {
	s.history.Clear()
	s.writeJSON(w, http.StatusOK, historyResponse{Entries: []history.Entry{}, Size: 0})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	aggregate := s.monitor.AggregateHealth("envgate")
	code := http.StatusOK
	if aggregate.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, aggregate)
}

// runServer serves HTTP until Stop shuts the server down.
func (s *Server) runServer(httpServer *http.Server, listener net.Listener) {
	defer s.wg.Done()

	if err := httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		s.errCount.Add(1)
		s.lastError.Store(err.Error())
		s.logger.Error("api server failed", "error", err)
	}
}

// feed pushes changed readings, arbiter status and history updates to
// WebSocket clients as envelopes.
func (s *Server) feed(changed <-chan telemetry.ReadingEvent, status <-chan arbiter.Status, shutdown chan struct{}) {
	defer s.wg.Done()

	updated := s.history.Updated()

	for {
		select {
		case <-shutdown:
			return
		case ev, ok := <-changed:
			if !ok {
				changed = nil
				if status == nil {
					return
				}
				continue
			}
			s.publish(telemetry.EventReadingChanged, ev.Reading)
		case st, ok := <-status:
			if !ok {
				status = nil
				if changed == nil {
					return
				}
				continue
			}
			s.publish(telemetry.EventStatus, st)
		case <-updated:
			s.publish(telemetry.EventHistory, s.history.Snapshot())
		}
	}
}

// publish broadcasts one envelope to all connected clients.
func (s *Server) publish(eventType string, payload any) {
	if s.hub.clientCount() == 0 {
		return
	}

	env, err := telemetry.NewEnvelope(eventType, "api", payload)
	if err != nil {
		s.errCount.Add(1)
		s.lastError.Store(err.Error())
		s.logger.Warn("api envelope build failed", "event", eventType, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.errCount.Add(1)
		s.lastError.Store(err.Error())
		return
	}

	s.hub.broadcast(data)
	s.broadcasts.Add(1)
	s.bytesOut.Add(int64(len(data)))
	s.lastActivity.Store(time.Now())
	if s.metrics != nil {
		s.metrics.wsMessages.Inc()
	}
}

// writeJSON writes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("api response write failed", "error", err)
	}
}

// writeError answers with {"error": ...}. Server-side failures count
// against component health, client mistakes do not.
func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.errCount.Add(1)
		s.lastError.Store(err.Error())
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
