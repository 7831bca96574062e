package health

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c360/envgate/component"
)

// Monitor is the daemon's health scoreboard. The collector loop writes
// per-component statuses into it; the API server reads the aggregate.
type Monitor struct {
	mu     sync.RWMutex
	byName map[string]Status
}

// NewMonitor creates an empty health monitor.
func NewMonitor() *Monitor {
	return &Monitor{byName: make(map[string]Status)}
}

// Update records the status under name. The key wins over whatever
// component name the status carries, and a missing timestamp is filled
// with the current time.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.byName[name] = status
	m.mu.Unlock()
}

// UpdateComponent records a component.HealthStatus under the given name.
func (m *Monitor) UpdateComponent(name string, ch component.HealthStatus) {
	m.Update(name, FromComponentHealth(name, ch))
}

// UpdateHealthy marks a component healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the status recorded for a component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.byName[name]
	return status, ok
}

// GetAll returns a copy of every tracked status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.byName)
}

// Remove stops tracking a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.byName, name)
	m.mu.Unlock()
}

// AggregateHealth folds all tracked statuses into one composite status,
// the shape the /healthz endpoint serves.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := slices.Collect(maps.Values(m.byName))
	m.mu.RUnlock()

	return Aggregate(systemName, subs)
}

// ListComponents returns the tracked component names, sorted.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.byName))
}

// Count returns the number of tracked components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}

// Clear drops every tracked status.
func (m *Monitor) Clear() {
	m.mu.Lock()
	m.byName = make(map[string]Status)
	m.mu.Unlock()
}
