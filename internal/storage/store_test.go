package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "stats.db")
	db, err := Open(SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := New(db, SQLite)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestOpenRejectsInMemory(t *testing.T) {
	_, err := Open(SQLite, ":memory:")
	assert.ErrorIs(t, err, ErrInMemoryDatabase)

	_, err = Open(SQLite, "file::memory:?cache=shared")
	assert.ErrorIs(t, err, ErrInMemoryDatabase)
}

func TestInsertAndSelectRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mean := 10.0
	row := Row{MetadataID: 1, StartTS: 300, CreatedTS: 300, Mean: &mean, Min: &mean, Max: &mean}
	require.NoError(t, InsertRow(ctx, s.DB, s.Dialect, ShortTerm, row))

	got, err := SelectRange(ctx, s.DB, s.Dialect, ShortTerm, []int64{1}, 0, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 300.0, got[0].StartTS)
	assert.Equal(t, 10.0, *got[0].Mean)
}

func TestInsertRowRejectsDuplicateStartTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := Row{MetadataID: 1, StartTS: 300, CreatedTS: 300}
	require.NoError(t, InsertRow(ctx, s.DB, s.Dialect, ShortTerm, row))
	err := InsertRow(ctx, s.DB, s.Dialect, ShortTerm, row)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestUpsertRowReplacesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mean1 := 1.0
	require.NoError(t, UpsertRow(ctx, s.DB, s.Dialect, LongTerm, Row{MetadataID: 1, StartTS: 3600, CreatedTS: 3600, Mean: &mean1}))

	// Second import omits last_reset/mean; in-place update must null them out.
	sum2 := 42.0
	require.NoError(t, UpsertRow(ctx, s.DB, s.Dialect, LongTerm, Row{MetadataID: 1, StartTS: 3600, CreatedTS: 3700, Sum: &sum2}))

	got, err := SelectRange(ctx, s.DB, s.Dialect, LongTerm, []int64{1}, 0, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Mean)
	require.NotNil(t, got[0].Sum)
	assert.Equal(t, 42.0, *got[0].Sum)
}

func TestRunMarkerIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := RunMarkerExists(ctx, s.DB, s.Dialect, 300)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, InsertRunMarker(ctx, s.DB, s.Dialect, 300))

	ok, err = RunMarkerExists(ctx, s.DB, s.Dialect, 300)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateRowRepair(t *testing.T) {
	// Legacy databases this repair targets predate the unique index, so
	// the fixture here models that: a short-term table with no
	// (metadata_id, start_ts) constraint, seeded with a real collision.
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "legacy.db")
	db, err := Open(SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE statistics_short_term (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metadata_id BIGINT NOT NULL,
		start_ts REAL NOT NULL,
		created_ts REAL NOT NULL,
		last_reset_ts REAL,
		mean REAL, min REAL, max REAL, state REAL, sum REAL
	)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO statistics_short_term (metadata_id, start_ts, created_ts, mean) VALUES (1, 300, 300, 1.0)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO statistics_short_term (metadata_id, start_ts, created_ts, mean) VALUES (1, 300, 300, 1.0)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO statistics_short_term (metadata_id, start_ts, created_ts, mean) VALUES (1, 300, 301, 2.0)`)
	require.NoError(t, err)

	groups, err := FindDuplicateRows(ctx, db, ShortTerm)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Rows, 3)

	backupDir := t.TempDir()
	deleted, backupPath, err := RepairDuplicateRows(ctx, db, SQLite, ShortTerm, backupDir)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.NotEmpty(t, backupPath) // the third row's payload differed from the kept row

	var remaining int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM statistics_short_term`).Scan(&remaining))
	assert.Equal(t, 1, remaining)
}

func TestMetaCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unit := "kWh"
	id, err := InsertMeta(ctx, s.DB, s.Dialect, Descriptor{StatisticID: "sensor.energy", Source: "recorder", UnitOfMeasurement: &unit, HasSum: true})
	require.NoError(t, err)
	assert.NotZero(t, id)

	rows, err := SelectMetaByIDs(ctx, s.DB, s.Dialect, []string{"sensor.energy"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sensor.energy", rows[0].Descriptor.StatisticID)

	newUnit := "Wh"
	require.NoError(t, UpdateMetaUnit(ctx, s.DB, s.Dialect, id, &newUnit))
	rows, err = SelectMetaByIDs(ctx, s.DB, s.Dialect, []string{"sensor.energy"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Descriptor.UnitOfMeasurement)
	assert.Equal(t, "Wh", *rows[0].Descriptor.UnitOfMeasurement)
}
