// Package timestamp holds the wire-clock conventions for envgate: Unix
// milliseconds (int64, UTC) on every envelope and recorder row, with
// zero meaning "not set".
//
// The telemetry socket is the one place a different representation
// enters the system: its lines carry fractional Unix seconds, which
// FromUnixSeconds converts without losing sub-second precision.
package timestamp

import (
	"math"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds. The zero time
// maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time. 0 maps back to
// the zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// FromUnixSeconds converts fractional Unix seconds to time.Time,
// keeping sub-second precision. 0, NaN and infinities map to the zero
// time rather than a garbage instant.
func FromUnixSeconds(sec float64) time.Time {
	if sec == 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// Since returns the duration elapsed since the given timestamp, or 0
// for an unset timestamp.
func Since(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}
