package component

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/envgate/metric"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNopComponent_Lifecycle(t *testing.T) {
	// The no-op component doubles as the conformance reference for the
	// shared lifecycle suite
	StandardLifecycleTests(t, func() LifecycleComponent {
		return NewNopComponent("nop", "processor")
	})
}

func TestManager_Register(t *testing.T) {
	m := NewManager(testLogger(), nil)

	require.NoError(t, m.Register("first", NewNopComponent("first", "input")))
	require.NoError(t, m.Register("second", NewNopComponent("second", "output")))

	// Duplicate and invalid registrations are rejected
	assert.Error(t, m.Register("first", NewNopComponent("first", "input")))
	assert.Error(t, m.Register("", NewNopComponent("x", "input")))
	assert.Error(t, m.Register("nil-comp", nil))

	assert.Equal(t, []string{"first", "second"}, m.Names())

	comp, ok := m.Component("first")
	assert.True(t, ok)
	assert.Equal(t, "first", comp.Meta().Name)

	_, ok = m.Component("missing")
	assert.False(t, ok)
}

func TestManager_FullLifecycle(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := NewManager(testLogger(), registry.CoreMetrics())

	require.NoError(t, m.Register("input", NewNopComponent("input", "input")))
	require.NoError(t, m.Register("processor", NewNopComponent("processor", "processor")))
	require.NoError(t, m.Register("output", NewNopComponent("output", "output")))

	require.NoError(t, m.InitializeAll())

	states := m.States()
	for name, state := range states {
		assert.Equal(t, StateInitialized, state, "component %s", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))

	states = m.States()
	for name, state := range states {
		assert.Equal(t, StateStarted, state, "component %s", name)
	}

	health := m.HealthSnapshot()
	require.Len(t, health, 3)
	for name, hs := range health {
		assert.True(t, hs.Healthy, "component %s should be healthy while running", name)
	}

	require.NoError(t, m.StopAll(5*time.Second))

	states = m.States()
	for name, state := range states {
		assert.Equal(t, StateStopped, state, "component %s", name)
	}
}

func TestManager_InitializeFailureAborts(t *testing.T) {
	m := NewManager(testLogger(), nil)

	failing := NewErrorInjectingComponent(NewNopComponent("failing", "processor"))
	failing.InjectInitializeError(fmt.Errorf("broken dependency"))

	require.NoError(t, m.Register("ok", NewNopComponent("ok", "input")))
	require.NoError(t, m.Register("failing", failing))
	require.NoError(t, m.Register("never-reached", NewNopComponent("never-reached", "output")))

	err := m.InitializeAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")

	states := m.States()
	assert.Equal(t, StateInitialized, states["ok"])
	assert.Equal(t, StateFailed, states["failing"])
	assert.Equal(t, StateCreated, states["never-reached"])
}

func TestManager_StartFailureUnwindsStarted(t *testing.T) {
	m := NewManager(testLogger(), nil)

	failing := NewErrorInjectingComponent(NewNopComponent("failing", "processor"))
	failing.InjectStartError(fmt.Errorf("bind refused"))

	first := NewNopComponent("first", "input")
	require.NoError(t, m.Register("first", first))
	require.NoError(t, m.Register("failing", failing))
	require.NoError(t, m.Register("after", NewNopComponent("after", "output")))

	require.NoError(t, m.InitializeAll())

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")

	states := m.States()
	assert.Equal(t, StateStopped, states["first"], "already-started component should be unwound")
	assert.Equal(t, StateFailed, states["failing"])
	assert.Equal(t, StateInitialized, states["after"], "later component should never start")
}

func TestManager_StopAllCollectsErrors(t *testing.T) {
	m := NewManager(testLogger(), nil)

	failing := NewErrorInjectingComponent(NewNopComponent("failing", "processor"))
	failing.InjectStopError(fmt.Errorf("drain stuck"))

	require.NoError(t, m.Register("ok", NewNopComponent("ok", "input")))
	require.NoError(t, m.Register("failing", failing))

	require.NoError(t, m.InitializeAll())
	require.NoError(t, m.StartAll(context.Background()))

	err := m.StopAll(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain stuck")

	// The healthy component still stopped despite the failure
	states := m.States()
	assert.Equal(t, StateStopped, states["ok"])
	assert.Equal(t, StateFailed, states["failing"])
}

func TestManager_StopAllWithoutStart(t *testing.T) {
	m := NewManager(testLogger(), nil)
	require.NoError(t, m.Register("idle", NewNopComponent("idle", "input")))

	// Never-started components are skipped
	assert.NoError(t, m.StopAll(time.Second))
	assert.Equal(t, StateCreated, m.States()["idle"])
}
