// Package e2e exercises the assembled gateway on loopback: a real UDP
// scanner fed relay datagrams, a real socket client against a local hub,
// and the arbiter, history and HTTP API wired the way cmd/envgate wires
// them. No external services are involved.
package e2e

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
	"github.com/stretchr/testify/require"

	"github.com/c360/envgate/api"
	"github.com/c360/envgate/arbiter"
	"github.com/c360/envgate/component"
	"github.com/c360/envgate/frame"
	"github.com/c360/envgate/health"
	"github.com/c360/envgate/history"
	"github.com/c360/envgate/input/broadcast"
	"github.com/c360/envgate/input/socket"
	"github.com/c360/envgate/metric"
	"github.com/c360/envgate/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateway bundles the running component graph of one test.
type gateway struct {
	scanner *broadcast.UDPScanner
	arb     *arbiter.Arbiter
	hist    *history.Aggregator
	api     *api.Server
}

// startGateway assembles and starts the full graph in the daemon's
// dependency order. socketAddr is the hub dial target; tests that never
// enable the socket pass a dead address.
func startGateway(t *testing.T, socketAddr string) *gateway {
	t.Helper()

	logger := discardLogger()
	registry := metric.NewMetricsRegistry()

	if socketAddr == "" {
		socketAddr = "127.0.0.1:1"
	}

	scanner := broadcast.NewUDPScanner("127.0.0.1:0", 2048, logger)

	bcast := broadcast.NewAdapter(broadcast.AdapterDeps{
		Name:            "broadcast",
		Scanner:         scanner,
		MetricsRegistry: registry,
		Logger:          logger,
	})

	sock := socket.NewClient(socket.ClientDeps{
		Name: "socket",
		Config: socket.Config{
			Addr:                 socketAddr,
			DialTimeout:          2 * time.Second,
			MaxLineBytes:         4096,
			ReconnectBase:        50 * time.Millisecond,
			ReconnectMax:         200 * time.Millisecond,
			ReconnectMaxAttempts: 3,
		},
		MetricsRegistry: registry,
		Logger:          logger,
	})

	arb := arbiter.New(arbiter.Deps{
		Name:            "arbiter",
		Broadcast:       bcast,
		Socket:          sock,
		MetricsRegistry: registry,
		Logger:          logger,
	})

	hist := history.New(history.Deps{
		Name:            "history",
		Config:          history.DefaultConfig(),
		Source:          arb,
		MetricsRegistry: registry,
		Logger:          logger,
	})

	srv, err := api.NewServer(api.ServerDeps{
		Name: "api",
		Config: api.Config{
			ListenAddr:   "127.0.0.1:0",
			WSSendBuffer: 32,
		},
		Controller:      arb,
		History:         hist,
		Health:          health.NewMonitor(),
		MetricsRegistry: registry,
		Logger:          logger,
	})
	require.NoError(t, err)

	components := []component.LifecycleComponent{arb, bcast, sock, hist, srv}
	for _, comp := range components {
		require.NoError(t, comp.Initialize(), "initialize %s", comp.Meta().Name)
		require.NoError(t, comp.Start(context.Background()), "start %s", comp.Meta().Name)
	}
	t.Cleanup(func() {
		for i := len(components) - 1; i >= 0; i-- {
			_ = components[i].Stop(3 * time.Second)
		}
	})

	return &gateway{scanner: scanner, arb: arb, hist: hist, api: srv}
}

// sendAdvertisement writes one relay datagram to the scanner:
// [addr_len][address][rssi][frame].
func sendAdvertisement(t *testing.T, scanAddr, deviceAddr string, rssi int, f frame.Fields) {
	t.Helper()

	datagram := make([]byte, 0, 2+len(deviceAddr)+frame.MinDirect)
	datagram = append(datagram, byte(len(deviceAddr)))
	datagram = append(datagram, deviceAddr...)
	datagram = append(datagram, byte(int8(rssi)))
	datagram = append(datagram, frame.Encode(f)...)

	conn, err := net.Dial("udp", scanAddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(datagram)
	require.NoError(t, err)
}

// startFakeHub accepts socket connections and streams the given JSON
// lines on each, holding connections open until the test ends.
func startFakeHub(t *testing.T, lines ...string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			for _, line := range lines {
				if _, err := conn.Write([]byte(line + "\n")); err != nil {
					break
				}
			}
		}
	}()

	return ln.Addr().String()
}

type devicesResponse struct {
	Devices []telemetry.Reading `json:"devices"`
	Count   int                 `json:"count"`
}

type historyResponse struct {
	Entries []history.Entry `json:"entries"`
	Size    int             `json:"size"`
}

// fetchJSON is require-free so it can run inside Eventually conditions.
func fetchJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// readChangedEvent drains WebSocket frames until a reading.changed
// envelope arrives, skipping interleaved status and history frames.
func readChangedEvent(t *testing.T, conn *websocket.Conn) telemetry.Reading {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var env telemetry.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type != telemetry.EventReadingChanged {
			continue
		}

		var reading telemetry.Reading
		require.NoError(t, json.Unmarshal(env.Payload, &reading))
		return reading
	}
}

func TestPipeline_BroadcastReadingReachesAPI(t *testing.T) {
	g := startGateway(t, "")
	base := "http://" + g.api.BoundAddr()

	require.NoError(t, g.arb.StartBroadcast())
	scanAddr := g.scanner.Addr()
	require.NotEmpty(t, scanAddr)

	// Connect the dashboard first so the changed event is observed live.
	wsURL := "ws://" + g.api.BoundAddr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return g.api.ClientCount() == 1
	}, 3*time.Second, 5*time.Millisecond)

	sendAdvertisement(t, scanAddr, "AA:BB:CC:DD:EE:01", -42, frame.Fields{
		DeviceID:     3,
		ReadingID:    900,
		TemperatureC: 21.5,
		HumidityPct:  48.0,
		PressureHPa:  1013.2,
		VoltageV:     2.96,
	})

	var devices devicesResponse
	require.Eventually(t, func() bool {
		if err := fetchJSON(base+"/api/devices", &devices); err != nil {
			return false
		}
		return devices.Count == 1
	}, 3*time.Second, 10*time.Millisecond)

	got := devices.Devices[0]
	require.Equal(t, "AA:BB:CC:DD:EE:01", got.DeviceAddress)
	require.Equal(t, uint8(3), got.DeviceID)
	require.Equal(t, uint16(900), got.ReadingID)
	require.Equal(t, telemetry.SourceBroadcast, got.Source)
	require.InDelta(t, 21.5, got.TemperatureC, 0.001)
	require.InDelta(t, 2.96, got.VoltageV, 0.001)
	require.NotNil(t, got.RSSI)
	require.Equal(t, -42, *got.RSSI)

	streamed := readChangedEvent(t, conn)
	require.Equal(t, uint8(3), streamed.DeviceID)
	require.Equal(t, uint16(900), streamed.ReadingID)
	require.Equal(t, telemetry.SourceBroadcast, streamed.Source)

	var status arbiter.Status
	require.NoError(t, fetchJSON(base+"/api/status", &status))
	require.True(t, status.BroadcastRequested)
	require.Equal(t, telemetry.SourceBroadcast, status.ActiveTransport)
	require.Equal(t, telemetry.StateActive, status.Broadcast.State)
	require.Equal(t, 1, status.DeviceCount)

	var hist historyResponse
	require.NoError(t, fetchJSON(base+"/api/history", &hist))
	require.Equal(t, 1, hist.Size)
	require.Equal(t, uint8(3), hist.Entries[0].Reading.DeviceID)
}

func TestPipeline_SocketReadingReachesAPI(t *testing.T) {
	line := fmt.Sprintf(
		`{"dev_id":7,"timestamp":%d,"temperature_C":22.1,"humidity_pct":51.5,"pressure_hPa":1009.8,"voltage_V":3.01,"reading_id":412}`,
		time.Now().Unix())
	hubAddr := startFakeHub(t, line)

	g := startGateway(t, hubAddr)
	base := "http://" + g.api.BoundAddr()

	require.NoError(t, g.arb.StartSocket())

	var devices devicesResponse
	require.Eventually(t, func() bool {
		if err := fetchJSON(base+"/api/devices", &devices); err != nil {
			return false
		}
		return devices.Count == 1
	}, 3*time.Second, 10*time.Millisecond)

	got := devices.Devices[0]
	require.Equal(t, telemetry.SocketAddress(7), got.DeviceAddress)
	require.Equal(t, uint8(7), got.DeviceID)
	require.Equal(t, uint16(412), got.ReadingID)
	require.Equal(t, telemetry.SourceSocket, got.Source)
	require.False(t, got.TimestampSubstituted)
	require.Nil(t, got.RSSI)
	require.InDelta(t, 22.1, got.TemperatureC, 0.001)
	require.InDelta(t, 1009.8, got.PressureHPa, 0.001)

	var status arbiter.Status
	require.NoError(t, fetchJSON(base+"/api/status", &status))
	require.True(t, status.SocketEnabled)
	require.Equal(t, telemetry.SourceSocket, status.ActiveTransport)
	require.Equal(t, telemetry.StateActive, status.Socket.State)

	// Stop through the control surface and watch the transport wind down.
	var after arbiter.Status
	require.Equal(t, http.StatusOK, postJSON(t, base+"/api/socket/stop", &after))
	require.False(t, after.SocketEnabled)
	require.Eventually(t, func() bool {
		var st arbiter.Status
		if err := fetchJSON(base+"/api/status", &st); err != nil {
			return false
		}
		return st.Socket.State == telemetry.StateIdle
	}, 3*time.Second, 10*time.Millisecond)
}
