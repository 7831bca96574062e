// Package frame implements the binary broadcast frame codec. Decode is a
// pure function with no I/O, safe from any goroutine; malformed input is
// a rejection, never an error or panic.
package frame

import (
	"encoding/binary"
	"math"
)

// Frame layout constants. A frame is the 3-byte "ENV" header followed by
// the fixed big-endian field block, optionally preceded by a 2-byte
// vendor prefix.
const (
	headerLen = 3
	fieldsLen = 11
	prefixLen = 2

	// MinDirect is the minimum buffer length with the header at offset 0.
	MinDirect = headerLen + fieldsLen
	// MinPrefixed is the minimum buffer length with a vendor prefix.
	MinPrefixed = prefixLen + headerLen + fieldsLen
)

var header = [headerLen]byte{'E', 'N', 'V'}

// Fields holds the decoded quantities of one broadcast frame.
type Fields struct {
	DeviceID     uint8
	ReadingID    uint16
	TemperatureC float64
	HumidityPct  float64
	PressureHPa  float64
	VoltageV     float64
}

// Decode parses a broadcast advertisement payload. The boolean is false
// when the buffer does not carry a frame: wrong header position, or too
// short for the layout. Trailing bytes beyond the field block are
// ignored.
func Decode(buf []byte) (Fields, bool) {
	switch {
	case len(buf) >= MinDirect && hasHeaderAt(buf, 0):
		return decodeFields(buf[headerLen:]), true
	case len(buf) >= MinPrefixed && hasHeaderAt(buf, prefixLen):
		return decodeFields(buf[prefixLen+headerLen:]), true
	default:
		return Fields{}, false
	}
}

func hasHeaderAt(buf []byte, off int) bool {
	return buf[off] == header[0] && buf[off+1] == header[1] && buf[off+2] == header[2]
}

// decodeFields reads the fixed field block. Callers guarantee
// len(buf) >= fieldsLen. Temperature is signed; the rest unsigned.
func decodeFields(buf []byte) Fields {
	return Fields{
		DeviceID:     buf[0],
		ReadingID:    binary.BigEndian.Uint16(buf[1:3]),
		TemperatureC: float64(int16(binary.BigEndian.Uint16(buf[3:5]))) / 10,
		HumidityPct:  float64(binary.BigEndian.Uint16(buf[5:7])) / 10,
		PressureHPa:  float64(binary.BigEndian.Uint16(buf[7:9])) / 10,
		VoltageV:     float64(binary.BigEndian.Uint16(buf[9:11])) / 100,
	}
}

// Encode renders fields in the prefix-less layout, rounding each quantity
// to its wire resolution (0.1 for temperature, humidity and pressure,
// 0.01 for voltage). Used by the simulator shim and round-trip tests.
func Encode(f Fields) []byte {
	buf := make([]byte, MinDirect)
	copy(buf, header[:])
	buf[headerLen] = f.DeviceID
	binary.BigEndian.PutUint16(buf[headerLen+1:], f.ReadingID)
	binary.BigEndian.PutUint16(buf[headerLen+3:], uint16(int16(math.Round(f.TemperatureC*10))))
	binary.BigEndian.PutUint16(buf[headerLen+5:], uint16(math.Round(f.HumidityPct*10)))
	binary.BigEndian.PutUint16(buf[headerLen+7:], uint16(math.Round(f.PressureHPa*10)))
	binary.BigEndian.PutUint16(buf[headerLen+9:], uint16(math.Round(f.VoltageV*100)))
	return buf
}
