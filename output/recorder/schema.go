package recorder

import (
	"database/sql"

	"github.com/c360/envgate/errors"
)

// One row per arbitrated reading. timestamp_ms is the reading's wall
// clock in Unix milliseconds; rssi is NULL for socket readings.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ms INTEGER NOT NULL,
    device_address TEXT NOT NULL,
    device_id INTEGER NOT NULL,
    reading_id INTEGER NOT NULL,
    temperature_c REAL NOT NULL,
    humidity_pct REAL NOT NULL,
    pressure_hpa REAL NOT NULL,
    voltage_v REAL NOT NULL,
    rssi INTEGER,
    timestamp_substituted INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_timestamp
    ON readings(timestamp_ms);

CREATE INDEX IF NOT EXISTS idx_readings_device
    ON readings(device_address, timestamp_ms);
`

const insertSQL = `
INSERT INTO readings (
    timestamp_ms, device_address, device_id, reading_id,
    temperature_c, humidity_pct, pressure_hpa, voltage_v,
    rssi, timestamp_substituted, source
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectColumns = `
    timestamp_ms, device_address, device_id, reading_id,
    temperature_c, humidity_pct, pressure_hpa, voltage_v,
    rssi, timestamp_substituted, source
`

// initSchema creates the readings table and its indexes.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "recorder", "initSchema", "create readings schema")
	}
	return nil
}
