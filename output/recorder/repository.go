package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/pkg/timestamp"
	"github.com/c360/envgate/telemetry"
)

// DefaultQueryLimit caps Query results when the filter leaves Limit unset.
const DefaultQueryLimit = 100

const dirPerm = 0o755

// Repository stores arbitrated readings in a SQLite database. Writes are
// serialized; WAL mode lets reads run concurrently with them.
type Repository struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenRepository opens (creating if needed) the database at path and
// ensures the schema exists.
func OpenRepository(path string) (*Repository, error) {
	if path == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("database path is empty"),
			"recorder", "OpenRepository", "path validation")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, errors.Wrap(err, "recorder", "OpenRepository", "create database directory")
		}
	}

	// WAL keeps readers off the writer's lock; auto_vacuum reclaims
	// space freed by retention pruning; the busy timeout lets a second
	// connection wait out a short write transaction.
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "recorder", "OpenRepository", "open database")
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// InsertBatch writes the readings in one transaction. The batch lands
// entirely or not at all.
func (r *Repository) InsertBatch(ctx context.Context, readings []telemetry.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "recorder", "InsertBatch", "begin transaction")
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "recorder", "InsertBatch", "prepare insert")
	}
	defer stmt.Close()

	for _, reading := range readings {
		var rssi any
		if reading.RSSI != nil {
			rssi = int64(*reading.RSSI)
		}

		_, err := stmt.ExecContext(ctx,
			timestamp.ToUnixMs(reading.Timestamp),
			reading.DeviceAddress,
			int64(reading.DeviceID),
			int64(reading.ReadingID),
			reading.TemperatureC,
			reading.HumidityPct,
			reading.PressureHPa,
			reading.VoltageV,
			rssi,
			boolToInt(reading.TimestampSubstituted),
			string(reading.Source),
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "recorder", "InsertBatch", "insert reading")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "recorder", "InsertBatch", "commit transaction")
	}
	return nil
}

// PruneBefore deletes readings older than cutoff and reports how many
// rows went away.
func (r *Repository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		"DELETE FROM readings WHERE timestamp_ms < ?", timestamp.ToUnixMs(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "recorder", "PruneBefore", "delete expired readings")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "recorder", "PruneBefore", "count deleted readings")
	}
	return rows, nil
}

// QueryFilter narrows a Query. Zero values leave their dimension
// unbounded.
type QueryFilter struct {
	DeviceAddress string    // exact match
	Since         time.Time // inclusive lower bound
	Until         time.Time // exclusive upper bound
	Limit         int       // defaults to DefaultQueryLimit
}

// Query returns stored readings newest-first.
func (r *Repository) Query(ctx context.Context, filter QueryFilter) ([]telemetry.Reading, error) {
	query := "SELECT " + selectColumns + " FROM readings"

	var conds []string
	var args []any
	if filter.DeviceAddress != "" {
		conds = append(conds, "device_address = ?")
		args = append(args, filter.DeviceAddress)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp_ms >= ?")
		args = append(args, timestamp.ToUnixMs(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp_ms < ?")
		args = append(args, timestamp.ToUnixMs(filter.Until))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += " ORDER BY timestamp_ms DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "recorder", "Query", "select readings")
	}
	defer rows.Close()

	var readings []telemetry.Reading
	for rows.Next() {
		var (
			reading     telemetry.Reading
			ms          int64
			deviceID    int64
			readingID   int64
			rssi        sql.NullInt64
			substituted int64
			source      string
		)
		err := rows.Scan(&ms, &reading.DeviceAddress, &deviceID, &readingID,
			&reading.TemperatureC, &reading.HumidityPct,
			&reading.PressureHPa, &reading.VoltageV,
			&rssi, &substituted, &source)
		if err != nil {
			return nil, errors.Wrap(err, "recorder", "Query", "scan reading row")
		}

		reading.Timestamp = timestamp.FromUnixMs(ms)
		reading.DeviceID = uint8(deviceID)
		reading.ReadingID = uint16(readingID)
		if rssi.Valid {
			v := int(rssi.Int64)
			reading.RSSI = &v
		}
		reading.TimestampSubstituted = substituted != 0
		reading.GroupedCount = 1
		reading.Source = telemetry.Source(source)

		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "recorder", "Query", "iterate reading rows")
	}
	return readings, nil
}

// Count reports the number of stored readings.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM readings").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "recorder", "Count", "count readings")
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Fold the write-ahead log back into the main file so the database
	// is a single file at rest.
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.db.Close()
		return errors.Wrap(err, "recorder", "Close", "checkpoint WAL")
	}

	if err := r.db.Close(); err != nil {
		return errors.Wrap(err, "recorder", "Close", "close database")
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
