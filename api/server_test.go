package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/envgate/arbiter"
	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/health"
	"github.com/c360/envgate/history"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

// fakeController records control calls and feeds the subscription
// channels on demand.
type fakeController struct {
	mu      sync.Mutex
	status  arbiter.Status
	devices []telemetry.Reading
	opErr   error
	calls   []string

	changed     chan telemetry.ReadingEvent
	statusCh    chan arbiter.Status
	changedOnce sync.Once
	statusOnce  sync.Once
}

func newFakeController() *fakeController {
	return &fakeController{
		changed:  make(chan telemetry.ReadingEvent, 64),
		statusCh: make(chan arbiter.Status, 16),
	}
}

func (f *fakeController) Status() arbiter.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Devices() []telemetry.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telemetry.Reading(nil), f.devices...)
}

func (f *fakeController) op(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.opErr
}

func (f *fakeController) StartBroadcast() error       { return f.op("StartBroadcast") }
func (f *fakeController) StopBroadcast() error        { return f.op("StopBroadcast") }
func (f *fakeController) ToggleBroadcast() error      { return f.op("ToggleBroadcast") }
func (f *fakeController) StartSocket() error          { return f.op("StartSocket") }
func (f *fakeController) StopSocket() error           { return f.op("StopSocket") }
func (f *fakeController) ToggleSocket() error         { return f.op("ToggleSocket") }
func (f *fakeController) ForceReconnectSocket() error { return f.op("ForceReconnectSocket") }

func (f *fakeController) SubscribeChanged(int) (<-chan telemetry.ReadingEvent, func()) {
	return f.changed, func() { f.changedOnce.Do(func() { close(f.changed) }) }
}

func (f *fakeController) SubscribeStatus(int) (<-chan arbiter.Status, func()) {
	return f.statusCh, func() { f.statusOnce.Do(func() { close(f.statusCh) }) }
}

func (f *fakeController) setStatus(st arbiter.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func (f *fakeController) setDevices(devices []telemetry.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeController) setOpErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opErr = err
}

func (f *fakeController) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == name {
			count++
		}
	}
	return count
}

func (f *fakeController) pushChanged(ev telemetry.ReadingEvent) { f.changed <- ev }
func (f *fakeController) pushStatus(st arbiter.Status)          { f.statusCh <- st }

// fakeHistory records observer transitions and serves a fixed snapshot.
type fakeHistory struct {
	mu        sync.Mutex
	entries   []history.Entry
	cleared   int
	observing []bool
	updated   chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{updated: make(chan struct{}, 1)}
}

func (f *fakeHistory) Snapshot() []history.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Entry(nil), f.entries...)
}

func (f *fakeHistory) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.entries = nil
}

func (f *fakeHistory) SetObserving(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observing = append(f.observing, on)
}

func (f *fakeHistory) Updated() <-chan struct{} { return f.updated }

func (f *fakeHistory) setEntries(entries []history.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
}

func (f *fakeHistory) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeHistory) lastObserving() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.observing) == 0 {
		return false, false
	}
	return f.observing[len(f.observing)-1], true
}

func (f *fakeHistory) signal() {
	select {
	case f.updated <- struct{}{}:
	default:
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReading(devID uint8, readingID uint16) telemetry.Reading {
	return telemetry.Reading{
		Timestamp:     time.Now(),
		DeviceAddress: fmt.Sprintf("%d", devID),
		DeviceID:      devID,
		ReadingID:     readingID,
		TemperatureC:  21.5,
		HumidityPct:   40.0,
		PressureHPa:   1013.2,
		VoltageV:      3.01,
		GroupedCount:  1,
		Source:        telemetry.SourceBroadcast,
	}
}

func startTestServer(t *testing.T, ctrl Controller, hist History,
	monitor *health.Monitor, registry *metric.MetricsRegistry) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	s, err := NewServer(ServerDeps{
		Name:            "api-test",
		Config:          cfg,
		Controller:      ctrl,
		History:         hist,
		Health:          monitor,
		MetricsRegistry: registry,
		Logger:          discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })

	return s
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestNewServer_Defaults(t *testing.T) {
	s, err := NewServer(ServerDeps{
		Config:     DefaultConfig(),
		Controller: newFakeController(),
		History:    newFakeHistory(),
		Health:     health.NewMonitor(),
	})
	require.NoError(t, err)

	meta := s.Meta()
	assert.Equal(t, "api", meta.Name)
	assert.Equal(t, "service", meta.Type)
	assert.Equal(t, "1.0.0", meta.Version)
}

func TestServer_InitializeValidation(t *testing.T) {
	valid := func() ServerDeps {
		return ServerDeps{
			Name:       "api-test",
			Config:     DefaultConfig(),
			Controller: newFakeController(),
			History:    newFakeHistory(),
			Health:     health.NewMonitor(),
			Logger:     discardLogger(),
		}
	}

	tests := []struct {
		name   string
		mutate func(*ServerDeps)
	}{
		{"nil controller", func(d *ServerDeps) { d.Controller = nil }},
		{"nil history", func(d *ServerDeps) { d.History = nil }},
		{"nil health monitor", func(d *ServerDeps) { d.Health = nil }},
		{"listen address without port", func(d *ServerDeps) { d.Config.ListenAddr = "localhost" }},
		{"empty listen address", func(d *ServerDeps) { d.Config.ListenAddr = "" }},
		{"zero ws send buffer", func(d *ServerDeps) { d.Config.WSSendBuffer = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := valid()
			tt.mutate(&deps)
			s, err := NewServer(deps)
			require.NoError(t, err)
			err = s.Initialize()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	t.Run("valid", func(t *testing.T) {
		s, err := NewServer(valid())
		require.NoError(t, err)
		require.NoError(t, s.Initialize())
	})
}

func TestServer_StatusEndpoint(t *testing.T) {
	ctrl := newFakeController()
	ctrl.setStatus(arbiter.Status{
		BroadcastRequested: true,
		SocketEnabled:      true,
		ActiveTransport:    telemetry.SourceBroadcast,
		DeviceCount:        2,
	})
	s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), nil)

	var got arbiter.Status
	code := getJSON(t, "http://"+s.BoundAddr()+"/api/status", &got)

	require.Equal(t, http.StatusOK, code)
	assert.True(t, got.BroadcastRequested)
	assert.True(t, got.SocketEnabled)
	assert.Equal(t, telemetry.SourceBroadcast, got.ActiveTransport)
	assert.Equal(t, 2, got.DeviceCount)
}

func TestServer_DevicesEndpoint(t *testing.T) {
	ctrl := newFakeController()
	ctrl.setDevices([]telemetry.Reading{testReading(1, 10), testReading(3, 4)})
	s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), nil)

	var got devicesResponse
	code := getJSON(t, "http://"+s.BoundAddr()+"/api/devices", &got)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Devices, 2)
	assert.Equal(t, uint8(1), got.Devices[0].DeviceAddress)
	assert.Equal(t, uint8(3), got.Devices[1].DeviceAddress)
}

func TestServer_HistoryEndpointAndClear(t *testing.T) {
	hist := newFakeHistory()
	hist.setEntries([]history.Entry{
		{Reading: testReading(1, 1), Highlighted: true, HighlightUntil: time.Now().Add(time.Second)},
		{Reading: testReading(2, 2)},
	})
	s := startTestServer(t, newFakeController(), hist, health.NewMonitor(), nil)
	base := "http://" + s.BoundAddr()

	var got historyResponse
	code := getJSON(t, base+"/api/history", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, got.Size)
	require.Len(t, got.Entries, 2)
	assert.True(t, got.Entries[0].Highlighted)

	code = postJSON(t, base+"/api/history/clear", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, got.Size)
	assert.Equal(t, 1, hist.clearCount())

	code = getJSON(t, base+"/api/history", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, got.Size)
}

func TestServer_ControlEndpoints(t *testing.T) {
	ctrl := newFakeController()
	ctrl.setStatus(arbiter.Status{DeviceCount: 3})
	s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), nil)
	base := "http://" + s.BoundAddr()

	tests := []struct {
		path string
		op   string
	}{
		{"/api/broadcast/start", "StartBroadcast"},
		{"/api/broadcast/stop", "StopBroadcast"},
		{"/api/broadcast/toggle", "ToggleBroadcast"},
		{"/api/socket/start", "StartSocket"},
		{"/api/socket/stop", "StopSocket"},
		{"/api/socket/toggle", "ToggleSocket"},
		{"/api/socket/reconnect", "ForceReconnectSocket"},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			var got arbiter.Status
			code := postJSON(t, base+tt.path, &got)
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, 3, got.DeviceCount)
			assert.Equal(t, 1, ctrl.callCount(tt.op))
		})
	}

	t.Run("wrong method rejected", func(t *testing.T) {
		code := getJSON(t, base+"/api/broadcast/start", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, code)
	})
}

func TestServer_ControlErrors(t *testing.T) {
	t.Run("invalid request maps to 400", func(t *testing.T) {
		ctrl := newFakeController()
		ctrl.setOpErr(errors.WrapInvalid(fmt.Errorf("socket transport disabled"),
			"arbiter", "StartSocket", "control request"))
		s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), nil)

		var got map[string]string
		code := postJSON(t, "http://"+s.BoundAddr()+"/api/socket/start", &got)

		require.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, got["error"], "socket transport disabled")
		assert.Equal(t, 0, s.Health().ErrorCount)
	})

	t.Run("not started maps to 503", func(t *testing.T) {
		ctrl := newFakeController()
		ctrl.setOpErr(errors.Wrap(errors.ErrNotStarted,
			"arbiter", "StartBroadcast", "control request"))
		s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), nil)

		var got map[string]string
		code := postJSON(t, "http://"+s.BoundAddr()+"/api/broadcast/start", &got)

		require.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, got["error"], "not started")
	})

	t.Run("unexpected failure maps to 500", func(t *testing.T) {
		ctrl := newFakeController()
		ctrl.setOpErr(fmt.Errorf("transport exploded"))
		s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), nil)

		var got map[string]string
		code := postJSON(t, "http://"+s.BoundAddr()+"/api/socket/toggle", &got)

		require.Equal(t, http.StatusInternalServerError, code)
		assert.Contains(t, got["error"], "transport exploded")

		h := s.Health()
		assert.Equal(t, 1, h.ErrorCount)
		assert.Contains(t, h.LastError, "transport exploded")
	})
}

func TestServer_HealthzEndpoint(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.Update("broadcast", health.NewHealthy("broadcast", "receiving"))
	s := startTestServer(t, newFakeController(), newFakeHistory(), monitor, nil)
	url := "http://" + s.BoundAddr() + "/healthz"

	var got health.Status
	code := getJSON(t, url, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", got.Status)
	assert.Len(t, got.SubStatuses, 1)

	monitor.Update("socket", health.NewUnhealthy("socket", "connection refused"))

	code = getJSON(t, url, &got)
	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", got.Status)
	assert.Len(t, got.SubStatuses, 2)
}

func TestServer_WebSocketStream(t *testing.T) {
	ctrl := newFakeController()
	hist := newFakeHistory()
	hist.setEntries([]history.Entry{{Reading: testReading(1, 1), Highlighted: true}})
	s := startTestServer(t, ctrl, hist, health.NewMonitor(), nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.BoundAddr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		on, ok := hist.lastObserving()
		return s.ClientCount() == 1 && ok && on
	}, 3*time.Second, 5*time.Millisecond)

	readEnvelope := func() telemetry.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env telemetry.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	ctrl.pushChanged(telemetry.ReadingEvent{Reading: testReading(2, 7), Changed: true})
	env := readEnvelope()
	assert.Equal(t, telemetry.EventReadingChanged, env.Type)
	assert.Equal(t, "api", env.Source)
	var reading telemetry.Reading
	require.NoError(t, json.Unmarshal(env.Payload, &reading))
	assert.Equal(t, uint16(7), reading.ReadingID)

	ctrl.pushStatus(arbiter.Status{SocketEnabled: true, DeviceCount: 4})
	env = readEnvelope()
	assert.Equal(t, telemetry.EventStatus, env.Type)
	var status arbiter.Status
	require.NoError(t, json.Unmarshal(env.Payload, &status))
	assert.True(t, status.SocketEnabled)
	assert.Equal(t, 4, status.DeviceCount)

	hist.signal()
	env = readEnvelope()
	assert.Equal(t, telemetry.EventHistory, env.Type)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal(env.Payload, &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Highlighted)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		on, ok := hist.lastObserving()
		return s.ClientCount() == 0 && ok && !on
	}, 3*time.Second, 5*time.Millisecond)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := newHub(1, discardLogger())
	var counts []int
	drops := 0
	h.onCount = func(n int) { counts = append(counts, n) }
	h.onSlowDrop = func() { drops++ }

	// No pumps attached; the queue fills after one frame.
	client := &hubClient{send: make(chan []byte, 1), done: make(chan struct{})}
	h.register(client)
	require.Equal(t, 1, h.clientCount())

	h.broadcast([]byte("one"))
	assert.Equal(t, 1, h.clientCount())

	h.broadcast([]byte("two"))
	assert.Equal(t, 0, h.clientCount())
	assert.Equal(t, 1, drops)
	assert.Equal(t, []int{1, 0}, counts)
}

func TestServer_Lifecycle(t *testing.T) {
	s := startTestServer(t, newFakeController(), newFakeHistory(), health.NewMonitor(), nil)

	// Second Start is a no-op.
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Health().Healthy)
	assert.NotEqual(t, "127.0.0.1:0", s.BoundAddr())

	require.NoError(t, s.Stop(2*time.Second))
	require.NoError(t, s.Stop(2*time.Second))
	assert.False(t, s.Health().Healthy)
	assert.Equal(t, "127.0.0.1:0", s.BoundAddr())
}

func TestServer_StopBeforeStart(t *testing.T) {
	s, err := NewServer(ServerDeps{
		Config:     DefaultConfig(),
		Controller: newFakeController(),
		History:    newFakeHistory(),
		Health:     health.NewMonitor(),
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Stop(time.Second))
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = blocker.Addr().String()
	s, err := NewServer(ServerDeps{
		Name:       "api-test",
		Config:     cfg,
		Controller: newFakeController(),
		History:    newFakeHistory(),
		Health:     health.NewMonitor(),
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, s.Health().Healthy)
	require.NoError(t, s.Stop(time.Second))
}

func TestServer_HealthAndDataFlow(t *testing.T) {
	s := startTestServer(t, newFakeController(), newFakeHistory(), health.NewMonitor(), nil)

	getJSON(t, "http://"+s.BoundAddr()+"/api/status", nil)

	h := s.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, 0, h.ErrorCount)
	assert.Empty(t, h.LastError)
	assert.Greater(t, h.Uptime, time.Duration(0))

	flow := s.DataFlow()
	assert.Zero(t, flow.ErrorRate)
	assert.False(t, flow.LastActivity.IsZero())
}

func TestServer_PrometheusMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	ctrl := newFakeController()
	s := startTestServer(t, ctrl, newFakeHistory(), health.NewMonitor(), registry)
	base := "http://" + s.BoundAddr()

	getJSON(t, base+"/api/status", nil)
	getJSON(t, base+"/api/status", nil)
	getJSON(t, base+"/api/devices", nil)

	require.NotNil(t, s.metrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("devices")))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.BoundAddr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.wsClients) == 1.0
	}, 3*time.Second, 5*time.Millisecond)

	ctrl.pushChanged(telemetry.ReadingEvent{Reading: testReading(1, 1), Changed: true})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.wsMessages) == 1.0
	}, 3*time.Second, 5*time.Millisecond)
}
