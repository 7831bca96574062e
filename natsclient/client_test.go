package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/envgate/metric"
)

func newTestClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient("nats://localhost:4222", opts...)
	require.NoError(t, err)
	return client
}

func TestConnectionStatusString(t *testing.T) {
	cases := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.status.String())
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := newTestClient(t)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, -1, client.MaxReconnects())
	assert.Equal(t, 2*time.Second, client.ReconnectWait())
	assert.Equal(t, 30*time.Second, client.PingInterval())
}

func TestNewClientOptionError(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	assert.Error(t, err)
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	client := newTestClient(t)

	for i := 0; i < 4; i++ {
		client.recordFailure()
		assert.Equal(t, StatusDisconnected, client.Status(), "below threshold the circuit stays closed")
	}

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
	assert.Equal(t, 2*time.Second, client.Backoff(), "backoff doubles when the circuit trips")
}

func TestBreakerBackoffDoublesPerRound(t *testing.T) {
	client := newTestClient(t)

	// Three full rounds of failures: 1s -> 2s -> 4s -> 8s.
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			client.recordFailure()
		}
	}
	assert.Equal(t, 8*time.Second, client.Backoff())
	assert.Equal(t, int32(15), client.Failures())
}

func TestBreakerBackoffIsCapped(t *testing.T) {
	client := newTestClient(t)
	client.breaker.backoff = 45 * time.Second

	for i := 0; i < 10; i++ {
		client.recordFailure()
	}
	assert.Equal(t, time.Minute, client.Backoff())
}

func TestResetCircuitClearsBreaker(t *testing.T) {
	client := newTestClient(t)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()

	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.True(t, client.GetStatus().LastFailureTime.IsZero())
}

func TestHalfCloseReopensOnlyFromCircuitOpen(t *testing.T) {
	client := newTestClient(t)

	client.setStatus(StatusCircuitOpen)
	client.halfClose()
	assert.Equal(t, StatusDisconnected, client.Status())

	client.setStatus(StatusConnected)
	client.halfClose()
	assert.Equal(t, StatusConnected, client.Status(), "half-close must not knock out a live connection")
}

func TestRecordFailureConcurrent(t *testing.T) {
	client := newTestClient(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.recordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), client.Failures())
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestConnectShortCircuitsWhenOpen(t *testing.T) {
	client := newTestClient(t)
	client.setStatus(StatusCircuitOpen)

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status(), "a rejected attempt must not change state")
}

func TestPublishNotConnected(t *testing.T) {
	client := newTestClient(t)
	err := client.Publish(context.Background(), "envgate.readings", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribeNotConnected(t *testing.T) {
	client := newTestClient(t)
	err := client.Subscribe(context.Background(), "envgate.logs.>", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRTTNotConnected(t *testing.T) {
	client := newTestClient(t)
	_, err := client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWaitForConnectionTimesOut(t *testing.T) {
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.WaitForConnection(ctx)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
}

func TestWaitForConnectionReturnsWhenHealthy(t *testing.T) {
	client := newTestClient(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		client.setStatus(StatusConnected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, client.WaitForConnection(ctx))
}

func TestCloseIsIdempotentAndClearsCredentials(t *testing.T) {
	client := newTestClient(t,
		WithCredentials("gateway", "secret"),
		WithToken("tok-123"),
	)
	require.Equal(t, "gateway", client.username)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()), "second close is a no-op")

	assert.Empty(t, client.username)
	assert.Empty(t, client.password)
	assert.Empty(t, client.token)
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConnectionOptionsReflectConfig(t *testing.T) {
	client := newTestClient(t,
		WithName("envgate"),
		WithMaxReconnects(7),
		WithReconnectWait(3*time.Second),
		WithPingInterval(time.Minute),
		WithCredentials("gateway", "secret"),
		WithCompression(true),
	)

	assert.Equal(t, 7, client.MaxReconnects())
	assert.Equal(t, 3*time.Second, client.ReconnectWait())
	assert.Equal(t, time.Minute, client.PingInterval())

	// Nine always-on options plus UserInfo, Name, and Compression.
	opts := client.ConnectionOptions()
	assert.Len(t, opts, 12)
}

func TestCustomBreakerConfig(t *testing.T) {
	client := newTestClient(t,
		WithCircuitBreakerThreshold(10),
		WithMaxBackoff(5*time.Minute),
	)

	for i := 0; i < 9; i++ {
		client.recordFailure()
	}
	assert.Equal(t, StatusDisconnected, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(10), client.Failures())
}

func TestGetStatusSnapshot(t *testing.T) {
	client := newTestClient(t)
	client.recordFailure()
	client.recordFailure()

	status := client.GetStatus()
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Equal(t, int32(2), status.FailureCount)
	assert.WithinDuration(t, time.Now(), status.LastFailureTime, time.Second)
	assert.Equal(t, int32(0), status.Reconnects)
}

func TestHandleDisconnectMarksReconnecting(t *testing.T) {
	core := metric.NewMetrics()
	client := newTestClient(t, WithCoreMetrics(core))
	client.setStatus(StatusConnected)

	disconnected := make(chan error, 1)
	client.onDisconnect = func(err error) { disconnected <- err }

	client.handleDisconnect(nil, assert.AnError)

	assert.Equal(t, StatusReconnecting, client.Status())
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSConnected))

	select {
	case err := <-disconnected:
		assert.Equal(t, assert.AnError, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback never fired")
	}
}

func TestHandleReconnectRestoresHealth(t *testing.T) {
	core := metric.NewMetrics()
	client := newTestClient(t, WithCoreMetrics(core))

	client.recordFailure()
	client.setStatus(StatusReconnecting)

	reconnected := make(chan struct{}, 1)
	client.onReconnect = func() { reconnected <- struct{}{} }

	client.handleReconnect(nil)

	assert.Equal(t, StatusConnected, client.Status())
	assert.Equal(t, int32(0), client.Failures(), "reconnect resets the breaker")
	assert.Equal(t, int32(1), client.GetStatus().Reconnects)
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSReconnects))

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback never fired")
	}
}

func TestHandleClosedSuppressedAfterUserClose(t *testing.T) {
	client := newTestClient(t)

	lost := make(chan error, 1)
	client.onConnectionLost = func(err error) { lost <- err }

	client.closed.Store(true)
	client.handleClosed(nil)

	select {
	case <-lost:
		t.Fatal("connection-lost callback must not fire after an explicit close")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestHandleClosedFiresConnectionLost(t *testing.T) {
	client := newTestClient(t)
	client.setStatus(StatusReconnecting)

	lost := make(chan error, 1)
	client.onConnectionLost = func(err error) { lost <- err }

	client.handleClosed(nil)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("connection-lost callback never fired")
	}
}

func TestStatusTransitionsUnderConcurrentReads(t *testing.T) {
	client := newTestClient(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = client.Status()
				_ = client.IsHealthy()
				_ = client.GetStatus()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		client.setStatus(ConnectionStatus(i % 5))
	}
	wg.Wait()
}
