package metadata

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homestats/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "meta.db")
	db, err := storage.Open(storage.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := storage.New(db, storage.SQLite)
	require.NoError(t, s.Init(context.Background()))
	return New(s)
}

func TestUpdateOrAddInsertsThenLeavesUnchanged(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	unit := "kWh"
	d := storage.Descriptor{StatisticID: "sensor.energy", Source: "recorder", UnitOfMeasurement: &unit, HasSum: true}

	var metadataID int64
	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		modified, id, err := m.UpdateOrAdd(ctx, tx, d)
		assert.Nil(t, modified)
		metadataID = id
		return err
	}))
	assert.NotZero(t, metadataID)

	row, ok := m.Get("sensor.energy")
	require.True(t, ok)
	assert.Equal(t, metadataID, row.MetadataID)

	// Re-applying the identical descriptor is a no-op: same metadata_id,
	// no modified statistic_id reported.
	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		modified, id, err := m.UpdateOrAdd(ctx, tx, d)
		assert.Nil(t, modified)
		assert.Equal(t, metadataID, id)
		return err
	}))
}

func TestUpdateOrAddReportsUnitChange(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	unit := "kWh"
	d := storage.Descriptor{StatisticID: "sensor.energy", Source: "recorder", UnitOfMeasurement: &unit, HasSum: true}
	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, _, err := m.UpdateOrAdd(ctx, tx, d)
		return err
	}))

	newUnit := "Wh"
	d.UnitOfMeasurement = &newUnit
	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		modified, _, err := m.UpdateOrAdd(ctx, tx, d)
		require.NotNil(t, modified)
		assert.Equal(t, "sensor.energy", *modified)
		return err
	}))

	row, ok := m.Get("sensor.energy")
	require.True(t, ok)
	require.NotNil(t, row.Descriptor.UnitOfMeasurement)
	assert.Equal(t, "Wh", *row.Descriptor.UnitOfMeasurement)
}

func TestGetManyFiltersByTypeAndSource(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, _, err := m.UpdateOrAdd(ctx, tx, storage.Descriptor{StatisticID: "sensor.energy", Source: "recorder", HasSum: true})
		if err != nil {
			return err
		}
		_, _, err = m.UpdateOrAdd(ctx, tx, storage.Descriptor{StatisticID: "sensor.temp", Source: "recorder", HasMean: true})
		if err != nil {
			return err
		}
		_, _, err = m.UpdateOrAdd(ctx, tx, storage.Descriptor{StatisticID: "sensor.external", Source: "other_domain", HasMean: true})
		return err
	}))

	sums := m.GetMany(GetManyFilter{TypeFilter: "sum"})
	assert.Len(t, sums, 1)
	assert.Contains(t, sums, "sensor.energy")

	recorderOnly := m.GetMany(GetManyFilter{SourceFilter: "recorder"})
	assert.Len(t, recorderOnly, 2)

	byID := m.GetMany(GetManyFilter{StatisticIDs: []string{"sensor.temp"}})
	assert.Len(t, byID, 1)
}

func TestUpdateStatisticIDRejectsWrongDomain(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, _, err := m.UpdateOrAdd(ctx, tx, storage.Descriptor{StatisticID: "sensor.old_name", Source: "recorder"})
		return err
	}))

	err := m.UpdateStatisticID(ctx, "wrong_domain", "sensor.old_name", "sensor.new_name")
	assert.Error(t, err)

	require.NoError(t, m.UpdateStatisticID(ctx, "recorder", "sensor.old_name", "sensor.new_name"))
	_, ok := m.Get("sensor.old_name")
	assert.False(t, ok)
	_, ok = m.Get("sensor.new_name")
	assert.True(t, ok)
}

func TestDeleteRemovesFromCacheAndStorage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	require.NoError(t, m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, _, err := m.UpdateOrAdd(ctx, tx, storage.Descriptor{StatisticID: "sensor.gone", Source: "recorder"})
		return err
	}))
	_, ok := m.Get("sensor.gone")
	require.True(t, ok)

	require.NoError(t, m.Delete(ctx, []string{"sensor.gone"}))
	_, ok = m.Get("sensor.gone")
	assert.False(t, ok)

	rows, err := storage.SelectAllMeta(ctx, m.store.DB)
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestRepairDuplicateIDsKeepsLowestAndReloads(t *testing.T) {
	// A legacy database predates the unique index on statistic_id, so
	// the meta table is created without it before Init adds the rest.
	ctx := context.Background()
	db, err := storage.Open(storage.SQLite, filepath.Join(t.TempDir(), "legacy_meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.ExecContext(ctx, `CREATE TABLE statistics_meta (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statistic_id VARCHAR(255) NOT NULL,
		source VARCHAR(32) NOT NULL,
		unit_of_measurement VARCHAR(255),
		name VARCHAR(255),
		has_mean BOOLEAN NOT NULL,
		has_sum BOOLEAN NOT NULL
	)`)
	require.NoError(t, err)
	store := storage.New(db, storage.SQLite)
	require.NoError(t, store.Init(ctx))
	m := New(store)

	id1, err := storage.InsertMeta(ctx, m.store.DB, m.store.Dialect, storage.Descriptor{StatisticID: "sensor.dup", Source: "recorder"})
	require.NoError(t, err)
	_, err = m.store.DB.ExecContext(ctx, `INSERT INTO statistics_meta (statistic_id, source, has_mean, has_sum) VALUES ('sensor.dup', 'recorder', 0, 0)`)
	require.NoError(t, err)

	require.NoError(t, m.Load(ctx))
	repaired, err := m.RepairDuplicateIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	row, ok := m.Get("sensor.dup")
	require.True(t, ok)
	assert.Equal(t, id1, row.MetadataID)
}
