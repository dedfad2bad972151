package compaction

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homestats/internal/eventbus"
	"homestats/internal/logging"
	"homestats/internal/metadata"
	"homestats/internal/platform"
	"homestats/internal/storage"
)

// seriesPlatform feeds a fixed mean value into compile_statistics on
// every call, letting a test drive all twelve 5-minute windows of an
// hour with a scripted sequence of values.
type seriesPlatform struct {
	statisticID string
	values      []float64
	call        int
}

func (p *seriesPlatform) Domain() string { return "test" }

func (p *seriesPlatform) CompileStatistics(ctx context.Context, start, end float64) (platform.CompileResult, error) {
	v := p.values[p.call]
	p.call++
	return platform.CompileResult{
		Stats: []platform.CompiledStat{{
			Meta: storage.Descriptor{StatisticID: p.statisticID, Source: "test", HasMean: true},
			Row:  storage.Row{Mean: &v, Min: &v, Max: &v, CreatedTS: end},
		}},
	}, nil
}

func newTestEngine(t *testing.T) (*Engine, *storage.Store, *metadata.Manager, *platform.Registry) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "stats.db")
	db, err := storage.Open(storage.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.New(db, storage.SQLite)
	require.NoError(t, store.Init(context.Background()))
	meta := metadata.New(store)
	registry := platform.New()
	bus := eventbus.New()
	return New(store, meta, registry, bus, logging.NewNop()), store, meta, registry
}

func TestHourlyRollupMeanMinMax(t *testing.T) {
	e, store, meta, registry := newTestEngine(t)
	means := []float64{10, 20, 10, 20, 10, 20, 10, 20, 10, 20, 10, 20}
	registry.Register(&seriesPlatform{statisticID: "sensor.demo", values: means})

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := e.Run5Minute(ctx, float64(i*300), false)
		require.NoError(t, err)
	}

	row, ok := meta.Get("sensor.demo")
	require.True(t, ok)

	rows, err := storage.SelectRange(ctx, store.DB, store.Dialect, storage.LongTerm, []int64{row.MetadataID}, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 15.0, *rows[0].Mean, 1e-9)
	assert.Equal(t, 10.0, *rows[0].Min)
	assert.Equal(t, 20.0, *rows[0].Max)
}

func TestRun5MinuteIdempotent(t *testing.T) {
	e, store, meta, registry := newTestEngine(t)
	registry.Register(&seriesPlatform{statisticID: "sensor.once", values: []float64{1, 1, 1}})

	ctx := context.Background()
	_, err := e.Run5Minute(ctx, 0, false)
	require.NoError(t, err)

	changed, err := e.Run5Minute(ctx, 0, false)
	require.NoError(t, err)
	assert.Empty(t, changed)

	row, ok := meta.Get("sensor.once")
	require.True(t, ok)
	rows, err := storage.SelectRange(ctx, store.DB, store.Dialect, storage.ShortTerm, []int64{row.MetadataID}, 0, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "re-running compaction for an already-run start must not duplicate rows")
}

func TestSumOnlyRowGetsNullMeanLongTermRow(t *testing.T) {
	e, store, meta, registry := newTestEngine(t)
	// A platform reporting only sum (has_mean=false) for every window
	// in the hour; the rollup must still insert a long-term row, with
	// mean/min/max left null (spec.md §9).
	sumOnly := &sumOnlyPlatform{statisticID: "sensor.sum_only", sums: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}
	registry.Register(sumOnly)

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := e.Run5Minute(ctx, float64(i*300), false)
		require.NoError(t, err)
	}

	row, ok := meta.Get("sensor.sum_only")
	require.True(t, ok)
	rows, err := storage.SelectRange(ctx, store.DB, store.Dialect, storage.LongTerm, []int64{row.MetadataID}, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Mean)
	assert.NotNil(t, rows[0].Sum)
	assert.Equal(t, 12.0, *rows[0].Sum)
}

func TestCatchUpReplaysMissingWindows(t *testing.T) {
	e, store, meta, registry := newTestEngine(t)
	registry.Register(&seriesPlatform{statisticID: "sensor.catchup", values: []float64{1, 2, 3, 4}})

	ctx := context.Background()
	now := float64(20 * 60)    // 20:00 minutes in
	keepDuration := float64(20 * 60) // retention window exactly covers 00:00/05:00/10:00/15:00
	ran, err := e.CatchUp(ctx, now, keepDuration)
	require.NoError(t, err)
	assert.Equal(t, 4, ran, "should replay every 5-minute window strictly before now")

	row, ok := meta.Get("sensor.catchup")
	require.True(t, ok)
	rows, err := storage.SelectRange(ctx, store.DB, store.Dialect, storage.ShortTerm, []int64{row.MetadataID}, 0, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	// Re-running catch-up from the same "now" must not replay windows
	// already marked done.
	ran, err = e.CatchUp(ctx, now, keepDuration)
	require.NoError(t, err)
	assert.Equal(t, 0, ran, "nothing left to replay once the last run marker covers up to now")
}

type sumOnlyPlatform struct {
	statisticID string
	sums        []float64
	call        int
}

func (p *sumOnlyPlatform) Domain() string { return "test-sum" }

func (p *sumOnlyPlatform) CompileStatistics(ctx context.Context, start, end float64) (platform.CompileResult, error) {
	v := p.sums[p.call]
	p.call++
	return platform.CompileResult{
		Stats: []platform.CompiledStat{{
			Meta: storage.Descriptor{StatisticID: p.statisticID, Source: "test-sum", HasSum: true},
			Row:  storage.Row{Sum: &v, State: &v, CreatedTS: end},
		}},
	}, nil
}
