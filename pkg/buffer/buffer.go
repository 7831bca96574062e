// Package buffer provides a generic, thread-safe bounded queue used between
// envgate's reading streams and its egress components.
//
// The buffer never blocks a writer: when full it either evicts the oldest
// item (DropOldest) or rejects the newest (DropNewest). Statistics are always
// collected; Prometheus metrics can be enabled via WithMetrics().
package buffer

import (
	"github.com/c360/envgate/metric"
)

// Buffer is a generic bounded queue parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. When the buffer is full the
	// overflow policy decides which item is dropped. Returns an error only
	// if the buffer is closed.
	Write(item T) error

	// Read retrieves and removes one item from the buffer.
	// Returns the item and true if successful, zero value and false if buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items from the buffer.
	// Returns a slice containing the retrieved items (may be shorter than max).
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it from the buffer.
	Peek() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics (always available for observability).
	Stats() *Statistics

	// Close marks the buffer closed; subsequent writes fail. Pending items
	// remain readable so drain loops can finish.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a buffer at construction time.
type Option[T any] func(*ring[T])

// WithOverflowPolicy sets the overflow behavior. The default is DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(r *ring[T]) {
		r.policy = policy
	}
}

// WithDropCallback registers a callback that observes every dropped item.
// The callback runs outside the buffer's lock, so it may safely touch the
// buffer again.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(r *ring[T]) {
		r.onDrop = callback
	}
}

// WithMetrics exports the buffer's counters and gauges to the shared
// Prometheus registry under the given component label. Ignored when the
// registry is nil or the label is empty.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(r *ring[T]) {
		if registry != nil && component != "" {
			r.metricsReg = registry
			r.metricsLabel = component
		}
	}
}

// NewCircularBuffer creates a ring buffer with the given capacity.
// Capacities below one are clamped to one. Returns an error only when
// Prometheus metric registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newRing(capacity, options...)
}
