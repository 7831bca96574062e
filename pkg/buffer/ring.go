package buffer

import (
	"sync"

	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/metric"
)

// ring is the circular Buffer implementation. The occupied region starts
// at index start and holds count items; the write position is derived
// from those two rather than tracked separately.
type ring[T any] struct {
	mu     sync.RWMutex
	slots  []T
	start  int
	count  int
	closed bool

	policy OverflowPolicy
	onDrop DropCallback[T]

	stats   *Statistics
	metrics *bufferMetrics

	metricsReg   *metric.MetricsRegistry
	metricsLabel string
}

func newRing[T any](capacity int, options ...Option[T]) (*ring[T], error) {
	if capacity < 1 {
		capacity = 1
	}

	r := &ring[T]{
		slots:  make([]T, capacity),
		policy: DropOldest,
		stats:  NewStatistics(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(r)
		}
	}

	if r.metricsReg != nil {
		m, err := newBufferMetrics(r.metricsReg, r.metricsLabel)
		if err != nil {
			return nil, errors.WrapTransient(err, "Buffer", "NewCircularBuffer", "register metrics")
		}
		r.metrics = m
	}
	return r, nil
}

// writeIndex returns the slot the next Write lands in. Callers hold mu.
func (r *ring[T]) writeIndex() int {
	return (r.start + r.count) % len(r.slots)
}

// advance removes the oldest item and returns it. Callers hold mu and
// have checked count > 0.
func (r *ring[T]) advance() T {
	var zero T
	item := r.slots[r.start]
	r.slots[r.start] = zero
	r.start = (r.start + 1) % len(r.slots)
	r.count--
	return item
}

// observe pushes the current fill level into stats and gauges. Callers
// hold mu.
func (r *ring[T]) observe() {
	r.stats.UpdateSize(int64(r.count))
	if r.metrics != nil {
		r.metrics.setFill(r.count, len(r.slots))
	}
}

// Write appends an item, applying the overflow policy when full. The
// drop callback, if any, runs after the lock is released.
func (r *ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	var dropped []T
	if r.count == len(r.slots) {
		r.stats.Overflow()
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.drops.Inc()
		}

		if r.policy == DropNewest {
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return nil
		}
		dropped = append(dropped, r.advance())
	}

	r.slots[r.writeIndex()] = item
	r.count++
	r.stats.Write()
	if r.metrics != nil {
		r.metrics.writes.Inc()
	}
	r.observe()
	r.mu.Unlock()

	if r.onDrop != nil {
		for _, d := range dropped {
			r.onDrop(d)
		}
	}
	return nil
}

// Read removes and returns the oldest item.
func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.advance()
	r.stats.Read()
	if r.metrics != nil {
		r.metrics.reads.Inc()
	}
	r.observe()
	return item, true
}

// ReadBatch removes and returns up to max items in FIFO order.
func (r *ring[T]) ReadBatch(max int) []T {
	if max < 1 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	if max > r.count {
		max = r.count
	}

	out := make([]T, max)
	for i := range out {
		out[i] = r.advance()
		r.stats.Read()
		if r.metrics != nil {
			r.metrics.reads.Inc()
		}
	}
	r.observe()
	return out
}

// Peek returns the oldest item without removing it.
func (r *ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.slots[r.start], true
}

func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity is immutable after construction, so no lock is taken.
func (r *ring[T]) Capacity() int {
	return len(r.slots)
}

func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count == 0
}

// Clear discards all pending items, reporting each to the drop callback
// after the lock is released.
func (r *ring[T]) Clear() {
	r.mu.Lock()

	var cleared []T
	if r.onDrop != nil && r.count > 0 {
		cleared = make([]T, 0, r.count)
	}
	for r.count > 0 {
		item := r.advance()
		if cleared != nil {
			cleared = append(cleared, item)
		}
	}
	r.start = 0
	r.observe()
	r.mu.Unlock()

	for _, item := range cleared {
		r.onDrop(item)
	}
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close marks the buffer closed. Pending items remain readable.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
