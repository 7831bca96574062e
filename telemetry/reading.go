// Package telemetry defines the canonical sensor reading model shared by
// every envgate component: transports decode into Reading, the arbiter
// forwards ReadingEvents, and egress wraps them in Envelopes.
package telemetry

import (
	"fmt"
	"time"
)

// Source identifies which transport produced a Reading.
type Source string

// Transport sources
const (
	SourceBroadcast Source = "broadcast"
	SourceSocket    Source = "socket"
)

// Valid reports whether s is a known transport source.
func (s Source) Valid() bool {
	return s == SourceBroadcast || s == SourceSocket
}

// Reading is one sensor observation, normalized from either wire format.
//
// DeviceAddress uniquely keys a device within one transport: the
// advertisement address for broadcast, "TCP_<dev_id>" for socket. DeviceID
// is the application-level sensor identity (0-255) and may repeat across
// transports.
type Reading struct {
	Timestamp     time.Time `json:"timestamp"`
	DeviceAddress string    `json:"device_address"`
	DeviceID      uint8     `json:"device_id"`
	ReadingID     uint16    `json:"reading_id"`

	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
	PressureHPa  float64 `json:"pressure_hpa"`
	VoltageV     float64 `json:"voltage_v"`

	// RSSI is set for broadcast readings only; socket readings carry nil.
	RSSI *int `json:"rssi,omitempty"`

	// GroupedCount is the number of near-duplicate frames collapsed into
	// this entry by the history aggregator. Transports emit 1.
	GroupedCount int `json:"grouped_count"`

	// TimestampSubstituted marks socket readings whose device-reported
	// timestamp predated the validity threshold and was replaced with the
	// receive time.
	TimestampSubstituted bool `json:"timestamp_substituted,omitempty"`

	Source Source `json:"source"`
}

// SocketAddress returns the synthesized device address for a socket
// reading with the given device id.
func SocketAddress(deviceID uint8) string {
	return fmt.Sprintf("TCP_%d", deviceID)
}

// ReadingEvent is one transport emission. Every decoded frame produces an
// event; Changed marks emissions whose values moved outside the duplicate
// epsilon (broadcast) or any accepted line (socket, always changed).
type ReadingEvent struct {
	Reading Reading `json:"reading"`
	Changed bool    `json:"changed"`
}

// EventSink receives reading events from a transport. Implementations
// must not block; transports call sinks from their receive goroutines.
type EventSink func(ReadingEvent)

// StateSink receives transport status transitions.
type StateSink func(TransportStatus)
