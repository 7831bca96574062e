package socket

import (
	"time"

	"github.com/c360/envgate/pkg/timestamp"
	"github.com/c360/envgate/telemetry"
)

// wireReading is one JSON line as the hub emits it. Timestamp is Unix
// seconds with a fractional part.
type wireReading struct {
	DevID        uint8   `json:"dev_id"`
	Timestamp    float64 `json:"timestamp"`
	TemperatureC float64 `json:"temperature_C"`
	HumidityPct  float64 `json:"humidity_pct"`
	PressureHPa  float64 `json:"pressure_hPa"`
	VoltageV     float64 `json:"voltage_V"`
	ReadingID    uint16  `json:"reading_id"`
}

// Hub clocks reset to the epoch on power loss; anything before 2020
// cannot be a real wall clock.
var minPlausibleTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// toReading converts a wire line into a reading, substituting receivedAt
// for timestamps the hub clearly invented.
func (w wireReading) toReading(receivedAt time.Time) telemetry.Reading {
	ts := timestamp.FromUnixSeconds(w.Timestamp)
	substituted := ts.Before(minPlausibleTime)
	if substituted {
		ts = receivedAt
	}

	return telemetry.Reading{
		Timestamp:            ts,
		DeviceAddress:        telemetry.SocketAddress(w.DevID),
		DeviceID:             w.DevID,
		ReadingID:            w.ReadingID,
		TemperatureC:         w.TemperatureC,
		HumidityPct:          w.HumidityPct,
		PressureHPa:          w.PressureHPa,
		VoltageV:             w.VoltageV,
		GroupedCount:         1,
		TimestampSubstituted: substituted,
		Source:               telemetry.SourceSocket,
	}
}
