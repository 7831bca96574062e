package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/envgate/telemetry"
)

func openTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readings.db")
	repo, err := OpenRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, path
}

func storedReading(devID uint8, readingID uint16, ts time.Time) telemetry.Reading {
	return telemetry.Reading{
		Timestamp:     ts,
		DeviceAddress: telemetry.SocketAddress(devID),
		DeviceID:      devID,
		ReadingID:     readingID,
		TemperatureC:  21.5,
		HumidityPct:   48.0,
		PressureHPa:   1009.3,
		VoltageV:      2.97,
		GroupedCount:  1,
		Source:        telemetry.SourceSocket,
	}
}

func TestOpenRepository_EmptyPath(t *testing.T) {
	_, err := OpenRepository("")
	require.Error(t, err)
}

func TestOpenRepository_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "readings.db")
	repo, err := OpenRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenRepository_UnwritableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := OpenRepository(filepath.Join(blocker, "sub", "readings.db"))
	require.Error(t, err)
}

func TestRepository_RoundTrip(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	rssi := -61
	broadcast := telemetry.Reading{
		Timestamp:     base,
		DeviceAddress: "AA:BB:CC:DD:EE:01",
		DeviceID:      1,
		ReadingID:     0x0102,
		TemperatureC:  21.0,
		HumidityPct:   45.0,
		PressureHPa:   1008.5,
		VoltageV:      3.0,
		RSSI:          &rssi,
		GroupedCount:  1,
		Source:        telemetry.SourceBroadcast,
	}
	socket := storedReading(2, 7, base.Add(100*time.Millisecond))
	socket.TimestampSubstituted = true

	require.NoError(t, repo.InsertBatch(ctx, []telemetry.Reading{broadcast, socket}))

	got, err := repo.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first
	assert.Equal(t, socket.DeviceAddress, got[0].DeviceAddress)
	assert.True(t, got[0].TimestampSubstituted)
	assert.Nil(t, got[0].RSSI)
	assert.Equal(t, telemetry.SourceSocket, got[0].Source)

	assert.Equal(t, broadcast.DeviceAddress, got[1].DeviceAddress)
	assert.Equal(t, broadcast.Timestamp.UnixMilli(), got[1].Timestamp.UnixMilli())
	assert.Equal(t, uint8(1), got[1].DeviceID)
	assert.Equal(t, uint16(0x0102), got[1].ReadingID)
	assert.InDelta(t, 21.0, got[1].TemperatureC, 1e-9)
	assert.InDelta(t, 45.0, got[1].HumidityPct, 1e-9)
	assert.InDelta(t, 1008.5, got[1].PressureHPa, 1e-9)
	assert.InDelta(t, 3.0, got[1].VoltageV, 1e-9)
	require.NotNil(t, got[1].RSSI)
	assert.Equal(t, -61, *got[1].RSSI)
	assert.False(t, got[1].TimestampSubstituted)
	assert.Equal(t, 1, got[1].GroupedCount)
	assert.Equal(t, telemetry.SourceBroadcast, got[1].Source)
}

func TestRepository_QueryFilters(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	batch := []telemetry.Reading{
		storedReading(1, 1, base),
		storedReading(1, 2, base.Add(10*time.Minute)),
		storedReading(2, 1, base.Add(20*time.Minute)),
		storedReading(2, 2, base.Add(30*time.Minute)),
	}
	require.NoError(t, repo.InsertBatch(ctx, batch))

	t.Run("by device", func(t *testing.T) {
		got, err := repo.Query(ctx, QueryFilter{DeviceAddress: telemetry.SocketAddress(1)})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint16(2), got[0].ReadingID)
		assert.Equal(t, uint16(1), got[1].ReadingID)
	})

	t.Run("time window", func(t *testing.T) {
		got, err := repo.Query(ctx, QueryFilter{
			Since: base.Add(5 * time.Minute),
			Until: base.Add(25 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint8(2), got[0].DeviceID)
		assert.Equal(t, uint8(1), got[1].DeviceID)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := repo.Query(ctx, QueryFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint8(2), got[0].DeviceID)
		assert.Equal(t, uint16(2), got[0].ReadingID)
	})

	t.Run("no match", func(t *testing.T) {
		got, err := repo.Query(ctx, QueryFilter{DeviceAddress: "TCP_99"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRepository_PruneBefore(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	now := time.Now()
	batch := []telemetry.Reading{
		storedReading(1, 1, now.Add(-3*time.Hour)),
		storedReading(1, 2, now.Add(-2*time.Hour)),
		storedReading(1, 3, now.Add(-30*time.Minute)),
	}
	require.NoError(t, repo.InsertBatch(ctx, batch))

	pruned, err := repo.PruneBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(3), got[0].ReadingID)

	// A second sweep finds nothing left to delete
	pruned, err = repo.PruneBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestRepository_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.db")
	repo, err := OpenRepository(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, repo.InsertBatch(ctx, []telemetry.Reading{
		storedReading(3, 1, time.Now()),
	}))
	require.NoError(t, repo.Close())

	reopened, err := OpenRepository(path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepository_EmptyBatch(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertBatch(ctx, nil))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
