package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homestats/internal/metadata"
	"homestats/internal/storage"
	"homestats/internal/units"
)

func newTestEngine(t *testing.T, loc *time.Location) (*Engine, *storage.Store, *metadata.Manager) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "stats.db")
	db, err := storage.Open(storage.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.New(db, storage.SQLite)
	require.NoError(t, store.Init(context.Background()))
	meta := metadata.New(store)
	reg := units.New()
	return New(store, meta, reg, loc), store, meta
}

// addMeta inserts (or updates) a descriptor in its own transaction and
// returns the resulting metadata_id, so tests don't need a taskqueue
// dependency just to exercise the query engine.
func addMeta(t *testing.T, store *storage.Store, meta *metadata.Manager, d storage.Descriptor) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := store.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, id, err := meta.UpdateOrAdd(ctx, tx, d)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func ptr(v float64) *float64 { return &v }

func TestStatisticsDuringPeriodHourPassThrough(t *testing.T) {
	e, store, meta := newTestEngine(t, time.UTC)
	ctx := context.Background()

	unit := "kWh"
	id := addMeta(t, store, meta, storage.Descriptor{StatisticID: "sensor.energy", Source: "recorder", HasMean: true, UnitOfMeasurement: &unit})

	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: 3600, CreatedTS: 3600, Mean: ptr(10), Min: ptr(5), Max: ptr(15)}))

	res, err := e.StatisticsDuringPeriod(ctx, Request{Start: 3600, StatisticIDs: []string{"sensor.energy"}, Period: Hour, Types: AllTypes()})
	require.NoError(t, err)
	rows := res["sensor.energy"]
	require.Len(t, rows, 1)
	assert.Equal(t, 10.0, *rows[0].Mean)
}

func TestStatisticsDuringPeriodDayReductionMean(t *testing.T) {
	e, store, meta := newTestEngine(t, time.UTC)
	ctx := context.Background()

	id := addMeta(t, store, meta, storage.Descriptor{StatisticID: "sensor.power", Source: "recorder", HasMean: true})

	means := []float64{10, 20, 10, 20, 10, 20, 10, 20, 10, 20, 10, 20}
	for i, m := range means {
		start := float64(i * 3600)
		require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{
			MetadataID: id, StartTS: start, CreatedTS: start, Mean: ptr(m), Min: ptr(m - 1), Max: ptr(m + 1),
		}))
	}

	res, err := e.StatisticsDuringPeriod(ctx, Request{Start: 0, StatisticIDs: []string{"sensor.power"}, Period: Day, Types: AllTypes()})
	require.NoError(t, err)
	rows := res["sensor.power"]
	require.Len(t, rows, 1)
	assert.InDelta(t, 15.0, *rows[0].Mean, 1e-9)
	assert.Equal(t, 9.0, *rows[0].Min)
	assert.Equal(t, 21.0, *rows[0].Max)
}

func TestTimezoneSensitiveBucketing(t *testing.T) {
	nyc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	e, store, meta := newTestEngine(t, nyc)
	ctx := context.Background()
	id := addMeta(t, store, meta, storage.Descriptor{StatisticID: "sensor.a", Source: "recorder", HasMean: true})

	// 2024-01-01 04:00 UTC == 2023-12-31 23:00 EST: belongs to the
	// previous local day.
	ts := float64(time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC).Unix())
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: ts, CreatedTS: ts, Mean: ptr(1)}))

	res, err := e.StatisticsDuringPeriod(ctx, Request{Start: ts - 3600*24, StatisticIDs: []string{"sensor.a"}, Period: Day, Types: AllTypes()})
	require.NoError(t, err)
	rows := res["sensor.a"]
	require.Len(t, rows, 1)

	bucketStart := time.Unix(int64(rows[0].Start), 0).In(nyc)
	assert.Equal(t, 31, bucketStart.Day())
	assert.Equal(t, time.December, bucketStart.Month())
	assert.Equal(t, 0, bucketStart.Hour())
}

func TestStatisticDuringPeriodTimeWeightedMean(t *testing.T) {
	e, store, meta := newTestEngine(t, time.UTC)
	ctx := context.Background()
	id := addMeta(t, store, meta, storage.Descriptor{StatisticID: "sensor.mix", Source: "recorder", HasMean: true})

	// head: one short-term row at t=3300 (duration 300s), mean=0
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.ShortTerm, storage.Row{MetadataID: id, StartTS: 3300, CreatedTS: 3300, Mean: ptr(0)}))
	// main: one long-term row spanning the hour at t=3600
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: 3600, CreatedTS: 3600, Mean: ptr(100)}))
	// tail: short-term row at t=7200
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.ShortTerm, storage.Row{MetadataID: id, StartTS: 7200, CreatedTS: 7200, Mean: ptr(50)}))

	agg, err := e.StatisticDuringPeriod(ctx, "sensor.mix", 3300, 7500, AllTypes(), nil, "")
	require.NoError(t, err)
	require.NotNil(t, agg.Mean)

	// weighted: head(0*300) + main(100*3600) + tail(50*300) / (300+3600+300)
	expected := (0*300.0 + 100*3600.0 + 50*300.0) / (300.0 + 3600.0 + 300.0)
	assert.InDelta(t, expected, *agg.Mean, 1e-6)
}

func TestStatisticDuringPeriodChangeMonotonic(t *testing.T) {
	e, store, meta := newTestEngine(t, time.UTC)
	ctx := context.Background()
	id := addMeta(t, store, meta, storage.Descriptor{StatisticID: "grid:energy", Source: "grid", HasSum: true})

	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: 0, CreatedTS: 0, Sum: ptr(100)}))
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: 3600, CreatedTS: 3600, Sum: ptr(150)}))
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: 7200, CreatedTS: 7200, Sum: ptr(200)}))
	// A short-term row inside the tail range [7200, 9000) so the newest
	// sum scan actually observes 200 instead of falling back to the
	// main range's last row at 3600 (SelectRange's upper bound is
	// exclusive, so main=[0,7200) never reaches the 7200 long-term row).
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.ShortTerm, storage.Row{MetadataID: id, StartTS: 7200, CreatedTS: 7200, Sum: ptr(200)}))

	agg, err := e.StatisticDuringPeriod(ctx, "grid:energy", 0, 7200+1800, AllTypes(), nil, "")
	require.NoError(t, err)
	require.NotNil(t, agg.Change)
	assert.Equal(t, 100.0, *agg.Change)
}

func TestUnitConversionOnRead(t *testing.T) {
	e, store, meta := newTestEngine(t, time.UTC)
	ctx := context.Background()
	unit := "kWh"
	id := addMeta(t, store, meta, storage.Descriptor{StatisticID: "sensor.energy2", Source: "recorder", HasMean: true, UnitOfMeasurement: &unit})
	require.NoError(t, storage.InsertRow(ctx, store.DB, store.Dialect, storage.LongTerm, storage.Row{MetadataID: id, StartTS: 3600, CreatedTS: 3600, State: ptr(2.5)}))

	res, err := e.StatisticsDuringPeriod(ctx, Request{
		Start: 3600, StatisticIDs: []string{"sensor.energy2"}, Period: Hour, Types: AllTypes(),
		UnitOverrides: map[units.Class]string{units.Energy: "Wh"},
	})
	require.NoError(t, err)
	rows := res["sensor.energy2"]
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].State)
	assert.InDelta(t, 2500.0, *rows[0].State, 1e-9)
}
