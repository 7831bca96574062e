package component

import (
	"context"
	"sync"
	"time"

	"github.com/c360/envgate/errors"
)

// Test helpers shared across test files and other packages' tests.

// NopComponent is a minimal LifecycleComponent that does no work. It
// implements the canonical component state machine and is used by manager
// and API tests that need well-behaved components.
type NopComponent struct {
	mu       sync.Mutex
	meta     Metadata
	state    State
	started  time.Time
	shutdown chan struct{}
	done     chan struct{}
}

// NewNopComponent creates a no-op component with the given identity.
func NewNopComponent(name, compType string) *NopComponent {
	return &NopComponent{
		meta: Metadata{
			Name:        name,
			Type:        compType,
			Description: "no-op component for tests",
			Version:     "1.0.0",
		},
	}
}

// Initialize prepares the component for Start. It can be called again
// after Stop to allow restarts.
func (n *NopComponent) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateStarted {
		return errors.Wrap(errors.ErrAlreadyStarted, "NopComponent", "Initialize", "check state")
	}

	n.shutdown = make(chan struct{})
	n.done = make(chan struct{})
	n.state = StateInitialized
	return nil
}

// Start runs the component until Stop is called or ctx is cancelled.
func (n *NopComponent) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "NopComponent", "Start", "check context")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateStarted:
		return errors.Wrap(errors.ErrAlreadyStarted, "NopComponent", "Start", "check state")
	case StateInitialized:
	default:
		return errors.Wrap(errors.ErrNotInitialized, "NopComponent", "Start", "check state")
	}

	n.state = StateStarted
	n.started = time.Now()

	shutdown, done := n.shutdown, n.done
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-shutdown:
		}
	}()

	return nil
}

// Stop shuts the component down. It is safe to call at any time and is
// idempotent.
func (n *NopComponent) Stop(timeout time.Duration) error {
	n.mu.Lock()
	if n.state != StateStarted {
		n.mu.Unlock()
		return nil
	}
	n.state = StateStopped
	close(n.shutdown)
	done := n.done
	n.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "NopComponent", "Stop", "wait for shutdown")
	}
}

// Meta returns the component metadata
func (n *NopComponent) Meta() Metadata {
	return n.meta
}

// Health reports the component as healthy whenever it is running.
func (n *NopComponent) Health() HealthStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	var uptime time.Duration
	if n.state == StateStarted {
		uptime = time.Since(n.started)
	}
	return HealthStatus{
		Healthy:   n.state == StateStarted,
		LastCheck: time.Now(),
		Uptime:    uptime,
	}
}

// DataFlow returns zeroed flow metrics.
func (n *NopComponent) DataFlow() FlowMetrics {
	return FlowMetrics{}
}
