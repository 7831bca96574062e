package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer counters. Everything is atomic, so reading
// statistics never contends with the buffer's own lock.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64

	size atomic.Int64
	peak atomic.Int64

	started atomic.Int64 // unix nanoseconds
}

// NewStatistics creates a statistics tracker with the clock started.
func NewStatistics() *Statistics {
	s := &Statistics{}
	s.started.Store(time.Now().UnixNano())
	return s
}

// Write records one write operation.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records one read operation.
func (s *Statistics) Read() { s.reads.Add(1) }

// Overflow records a write that found the buffer full.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records an item discarded by the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current fill level and raises the high-water
// mark when exceeded.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.peak.Load()
		if size <= peak || s.peak.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Writes returns the total number of write operations.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of read operations.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the total number of overflow events.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the most recently recorded fill level.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the highest fill level the buffer has reached.
func (s *Statistics) MaxSize() int64 { return s.peak.Load() }

// DropRate returns drops as a fraction of write attempts, 0.0 to 1.0.
func (s *Statistics) DropRate() float64 {
	writes := s.writes.Load()
	if writes == 0 {
		return 0
	}
	return float64(s.drops.Load()) / float64(writes)
}

// Uptime returns the time since creation or the last Reset.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(time.Unix(0, s.started.Load()))
}

// Reset zeroes all counters and restarts the clock.
func (s *Statistics) Reset() {
	s.writes.Store(0)
	s.reads.Store(0)
	s.overflows.Store(0)
	s.drops.Store(0)
	s.size.Store(0)
	s.peak.Store(0)
	s.started.Store(time.Now().UnixNano())
}

// StatsSummary is a point-in-time snapshot of all statistics.
type StatsSummary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Overflows   int64         `json:"overflows"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	DropRate    float64       `json:"drop_rate"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
		Uptime:      s.Uptime(),
	}
}
