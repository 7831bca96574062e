package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
)

// Managed tracks a component and its lifecycle state.
type Managed struct {
	// Component is the actual component instance
	Component LifecycleComponent

	// State tracks the current lifecycle state
	State State

	// Cancel cancels the child context created for this component's Start.
	// Only the Manager stores contexts; the component itself receives its
	// context as a Start parameter.
	Cancel context.CancelFunc

	// StartOrder tracks the order components were started for reverse shutdown
	StartOrder int

	// LastError tracks the last error that occurred during lifecycle operations
	LastError error
}

// Manager owns the lifecycle of a fixed set of components. Components are
// registered in pipeline order, started in that order, and stopped in
// reverse.
type Manager struct {
	mu         sync.Mutex
	components map[string]*Managed
	order      []string // registration order
	logger     *slog.Logger
	core       *metric.Metrics // optional, nil disables status recording
}

// NewManager creates an empty component manager. The core metrics may be
// nil when metrics are disabled.
func NewManager(logger *slog.Logger, core *metric.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		components: make(map[string]*Managed),
		logger:     logger.With("component", "Manager"),
		core:       core,
	}
}

// Register adds a component under the given name. Registration order
// determines start order. Returns an error for empty names, nil components,
// or duplicate names.
func (m *Manager) Register(name string, comp LifecycleComponent) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Register", "component name validation")
	}
	if comp == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Register", "component validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.components[name]; exists {
		msg := fmt.Errorf("component '%s' is already registered", name)
		return errors.WrapInvalid(msg, "Manager", "Register", "duplicate component check")
	}

	m.components[name] = &Managed{Component: comp, State: StateCreated}
	m.order = append(m.order, name)
	return nil
}

// Component retrieves a registered component by name.
func (m *Manager) Component(name string) (LifecycleComponent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.components[name]
	if !ok {
		return nil, false
	}
	return mc.Component, true
}

// Names returns registered component names in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// InitializeAll initializes every registered component in registration
// order. The first failure aborts initialization and is returned.
func (m *Manager) InitializeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.order {
		mc := m.components[name]
		if err := mc.Component.Initialize(); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			return errors.Wrap(err, "Manager", "InitializeAll", fmt.Sprintf("initialize %s", name))
		}
		mc.State = StateInitialized
		m.logger.Debug("Component initialized", "name", name)
	}
	return nil
}

// StartAll starts every initialized component in registration order. Each
// component receives its own child context so it can be cancelled
// individually during shutdown. On failure the already started components
// are stopped in reverse order and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := make([]string, 0, len(m.order))
	for _, name := range m.order {
		mc := m.components[name]
		compCtx, cancel := context.WithCancel(ctx)
		m.recordStatus(name, 1) // starting

		if err := mc.Component.Start(compCtx); err != nil {
			cancel()
			mc.State = StateFailed
			mc.LastError = err
			m.recordStatus(name, 0)
			m.logger.Error("Component failed to start", "name", name, "error", err)

			// Unwind the components that did start
			m.stopLocked(started, 5*time.Second)
			return errors.Wrap(err, "Manager", "StartAll", fmt.Sprintf("start %s", name))
		}

		mc.Cancel = cancel
		mc.State = StateStarted
		mc.StartOrder = len(started)
		started = append(started, name)
		m.recordStatus(name, 2) // running
		m.logger.Info("Component started", "name", name)
	}
	return nil
}

// StopAll stops every started component in reverse start order. All stop
// errors are collected and joined; components that fail to stop are marked
// failed but shutdown continues.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Reverse registration order covers reverse start order because
	// StartAll starts components in registration order.
	names := make([]string, len(m.order))
	copy(names, m.order)
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}

	return m.stopLocked(names, timeout)
}

// stopLocked stops the named components in the given order. Callers must
// hold m.mu. Names that were never started are skipped.
func (m *Manager) stopLocked(names []string, timeout time.Duration) error {
	var errs []error
	for _, name := range names {
		mc, ok := m.components[name]
		if !ok || mc.State != StateStarted {
			continue
		}

		m.recordStatus(name, 3) // stopping
		if mc.Cancel != nil {
			mc.Cancel()
			mc.Cancel = nil
		}

		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			errs = append(errs, errors.Wrap(err, "Manager", "StopAll", fmt.Sprintf("stop %s", name)))
			m.logger.Error("Component failed to stop", "name", name, "error", err)
		} else {
			mc.State = StateStopped
			m.logger.Info("Component stopped", "name", name)
		}
		m.recordStatus(name, 0) // stopped
	}
	return stderrors.Join(errs...)
}

// States returns a snapshot of every component's lifecycle state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]State, len(m.components))
	for name, mc := range m.components {
		states[name] = mc.State
	}
	return states
}

// HealthSnapshot returns the health status of every registered component.
func (m *Manager) HealthSnapshot() map[string]HealthStatus {
	m.mu.Lock()
	comps := make(map[string]Component, len(m.components))
	for name, mc := range m.components {
		comps[name] = mc.Component
	}
	m.mu.Unlock()

	// Health() may take component-internal locks, so call it outside ours
	health := make(map[string]HealthStatus, len(comps))
	for name, comp := range comps {
		health[name] = comp.Health()
	}
	return health
}

func (m *Manager) recordStatus(name string, status int) {
	if m.core != nil {
		m.core.RecordComponentStatus(name, status)
	}
}
