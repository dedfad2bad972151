// Package query implements the statistics engine's query engine (spec
// component C5): period-bounded, multi-statistic reads with
// head/main/tail stitching, time-bucket reduction into day/week/month
// buckets, and unit conversion on read.
package query

import (
	"context"
	"fmt"
	"time"

	"homestats/internal/metadata"
	"homestats/internal/storage"
	"homestats/internal/units"
)

// Period names the period a statistics_during_period call requests
// (spec.md §4.5). FiveMinute and Hour read a table directly; Day,
// Week, and Month reduce long-term rows into local-timezone buckets.
type Period string

const (
	FiveMinute Period = "5minute"
	Hour       Period = "hour"
	Day        Period = "day"
	Week       Period = "week"
	Month      Period = "month"
)

func (p Period) storagePeriod() storage.Period {
	if p == FiveMinute {
		return storage.ShortTerm
	}
	return storage.LongTerm
}

func (p Period) reduced() bool {
	return p == Day || p == Week || p == Month
}

// Types narrows which aggregate fields a caller wants back (spec.md
// §4.5's types ⊆ {last_reset,max,mean,min,state,sum}). A nil Types
// requests every field — used internally by last_statistics, which has
// no type filter of its own.
type Types map[string]bool

func (t Types) wants(name string) bool {
	if t == nil {
		return true
	}
	return t[name]
}

// AllTypes is the full aggregate set, for callers that don't narrow.
func AllTypes() Types {
	return Types{"last_reset": true, "max": true, "mean": true, "min": true, "state": true, "sum": true}
}

// StatRow is one bucket of a statistics_during_period result: a
// [Start, End) window and whichever aggregate fields the caller's
// Types requested. Fields outside the request stay nil — absence and
// "DB value is NULL" are both represented as nil here; the caller only
// ever sees nil for a field it asked for when the period genuinely has
// no value (SPEC_FULL.md §3 on typed-dict row shapes).
type StatRow struct {
	Start     float64
	End       float64
	LastReset *float64
	Max       *float64
	Mean      *float64
	Min       *float64
	State     *float64
	Sum       *float64
}

// Request is the full parameter set for StatisticsDuringPeriod.
type Request struct {
	Start         float64
	End           *float64
	StatisticIDs  []string
	Period        Period
	Types         Types
	UnitOverrides map[units.Class]string // caller's {unit_class: unit} preference
	LiveUnits     map[string]string      // statistic_id -> live entity's current attribute unit
}

// Engine is the query engine. It holds no mutable state of its own;
// every call is served from storage plus the read-only metadata cache.
type Engine struct {
	store *storage.Store
	meta  *metadata.Manager
	units *units.Registry
	loc   *time.Location
}

func New(store *storage.Store, meta *metadata.Manager, unitReg *units.Registry, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{store: store, meta: meta, units: unitReg, loc: loc}
}

// StatisticsDuringPeriod implements spec.md §4.5's main query: for
// every requested statistic_id, read the period's table (or reduce the
// long-term table into local-timezone buckets for day/week/month),
// stitch in a continuity row when the range's first row is missing,
// and convert units on read.
func (e *Engine) StatisticsDuringPeriod(ctx context.Context, req Request) (map[string][]StatRow, error) {
	metaRows := e.meta.GetMany(metadata.GetManyFilter{StatisticIDs: req.StatisticIDs})
	sp := req.Period.storagePeriod()

	out := make(map[string][]StatRow, len(metaRows))
	var bucketer *Bucketer
	if req.Period.reduced() {
		bucketer = NewBucketer(e.loc, string(req.Period))
	}

	for sid, meta := range metaRows {
		rows, err := storage.SelectRange(ctx, e.store.DB, e.store.Dialect, sp, []int64{meta.MetadataID}, req.Start, req.End)
		if err != nil {
			return nil, fmt.Errorf("query: select range for %q: %w", sid, err)
		}
		if len(rows) == 0 || rows[0].StartTS != req.Start {
			if last, ok, err := storage.SelectLastBefore(ctx, e.store.DB, e.store.Dialect, sp, meta.MetadataID, req.Start); err != nil {
				return nil, fmt.Errorf("query: continuity lookup for %q: %w", sid, err)
			} else if ok {
				rows = append([]storage.Row{last}, rows...)
			}
		}

		var bucketed []StatRow
		if bucketer != nil {
			bucketed = reduceRows(rows, bucketer)
		} else {
			bucketed = passThroughRows(rows, sp.Duration())
		}

		out[sid] = e.convertAndFilter(bucketed, meta, req.UnitOverrides, req.LiveUnits[sid], req.Types)
	}
	return out, nil
}

func passThroughRows(rows []storage.Row, duration float64) []StatRow {
	out := make([]StatRow, len(rows))
	for i, r := range rows {
		out[i] = StatRow{
			Start: r.StartTS, End: r.StartTS + duration,
			LastReset: r.LastResetTS, Mean: r.Mean, Min: r.Min, Max: r.Max, State: r.State, Sum: r.Sum,
		}
	}
	return out
}

// reduceRows groups rows into buckets using bucketer's local-timezone
// boundaries (spec.md §4.5): mean is the arithmetic mean of present
// means, min/max are the min/max of present values, and last_reset,
// state, sum come from the last row in the bucket — bucket order
// follows first-seen order, which matches input rows' ascending
// start_ts (storage.SelectRange's ORDER BY).
func reduceRows(rows []storage.Row, bucketer *Bucketer) []StatRow {
	type bucket struct {
		start, end float64
		rows       []storage.Row
	}
	var order []float64
	byStart := make(map[float64]*bucket)
	for _, r := range rows {
		start, end := bucketer.BoundsFor(r.StartTS)
		b, ok := byStart[start]
		if !ok {
			b = &bucket{start: start, end: end}
			byStart[start] = b
			order = append(order, start)
		}
		b.rows = append(b.rows, r)
	}

	out := make([]StatRow, 0, len(order))
	for _, start := range order {
		b := byStart[start]
		out = append(out, reduceBucket(b.start, b.end, b.rows))
	}
	return out
}

func reduceBucket(start, end float64, rows []storage.Row) StatRow {
	var meanSum float64
	var meanCount int
	var minVal, maxVal float64
	var haveMin, haveMax bool
	for _, r := range rows {
		if r.Mean != nil {
			meanSum += *r.Mean
			meanCount++
		}
		if r.Min != nil && (!haveMin || *r.Min < minVal) {
			minVal, haveMin = *r.Min, true
		}
		if r.Max != nil && (!haveMax || *r.Max > maxVal) {
			maxVal, haveMax = *r.Max, true
		}
	}
	last := rows[len(rows)-1]
	out := StatRow{Start: start, End: end, LastReset: last.LastResetTS, State: last.State, Sum: last.Sum}
	if meanCount > 0 {
		mean := meanSum / float64(meanCount)
		out.Mean = &mean
	}
	if haveMin {
		v := minVal
		out.Min = &v
	}
	if haveMax {
		v := maxVal
		out.Max = &v
	}
	return out
}

// convertAndFilter resolves the display unit once per statistic (spec.md
// §4.1/§4.5) and applies it to every bucket, then zeroes out any field
// the caller's Types didn't request.
func (e *Engine) convertAndFilter(rows []StatRow, meta storage.MetaRow, overrides map[units.Class]string, liveUnit string, types Types) []StatRow {
	storedUnit := ""
	if meta.Descriptor.UnitOfMeasurement != nil {
		storedUnit = *meta.Descriptor.UnitOfMeasurement
	}
	displayUnit := storedUnit
	if storedUnit != "" {
		if class, ok := e.units.UnitClass(storedUnit); ok {
			override := overrides[class]
			displayUnit = e.units.ResolveDisplayUnit(storedUnit, override, liveUnit)
		}
	}

	convert := func(v *float64) *float64 {
		if v == nil || displayUnit == storedUnit || storedUnit == "" {
			return v
		}
		out, err := units.Convert(e.units, v, storedUnit, displayUnit)
		if err != nil {
			return v
		}
		return out
	}

	out := make([]StatRow, len(rows))
	for i, r := range rows {
		row := StatRow{Start: r.Start, End: r.End}
		if types.wants("last_reset") {
			row.LastReset = r.LastReset
		}
		if types.wants("max") {
			row.Max = convert(r.Max)
		}
		if types.wants("mean") {
			row.Mean = convert(r.Mean)
		}
		if types.wants("min") {
			row.Min = convert(r.Min)
		}
		if types.wants("state") {
			row.State = convert(r.State)
		}
		if types.wants("sum") {
			row.Sum = convert(r.Sum)
		}
		out[i] = row
	}
	return out
}

// LastStatistics returns the last n long-term rows per statistic_id,
// ordered start_ts descending (spec.md §4.5 last_statistics).
func (e *Engine) LastStatistics(ctx context.Context, ids []string, n int, types Types, overrides map[units.Class]string, liveUnits map[string]string) (map[string][]StatRow, error) {
	return e.lastN(ctx, storage.LongTerm, ids, n, types, overrides, liveUnits)
}

// LastShortTermStatistics is the short-term-table analogue of
// LastStatistics.
func (e *Engine) LastShortTermStatistics(ctx context.Context, ids []string, n int, types Types, overrides map[units.Class]string, liveUnits map[string]string) (map[string][]StatRow, error) {
	return e.lastN(ctx, storage.ShortTerm, ids, n, types, overrides, liveUnits)
}

func (e *Engine) lastN(ctx context.Context, sp storage.Period, ids []string, n int, types Types, overrides map[units.Class]string, liveUnits map[string]string) (map[string][]StatRow, error) {
	metaRows := e.meta.GetMany(metadata.GetManyFilter{StatisticIDs: ids})
	metadataIDs := make([]int64, 0, len(metaRows))
	byID := make(map[int64]string, len(metaRows))
	for sid, m := range metaRows {
		metadataIDs = append(metadataIDs, m.MetadataID)
		byID[m.MetadataID] = sid
	}
	rowsByMetadata, err := storage.SelectLastN(ctx, e.store.DB, e.store.Dialect, sp, metadataIDs, n)
	if err != nil {
		return nil, fmt.Errorf("query: last %d rows: %w", n, err)
	}
	out := make(map[string][]StatRow, len(rowsByMetadata))
	for metadataID, rows := range rowsByMetadata {
		sid := byID[metadataID]
		bucketed := passThroughRows(rows, sp.Duration())
		out[sid] = e.convertAndFilter(bucketed, metaRows[sid], overrides, liveUnits[sid], types)
	}
	return out, nil
}

// LatestShortTermStatistics picks, for each requested statistic_id, the
// single row with the max start_ts using one grouped query (spec.md
// §4.5).
func (e *Engine) LatestShortTermStatistics(ctx context.Context, ids []string, types Types, overrides map[units.Class]string, liveUnits map[string]string) (map[string]StatRow, error) {
	metaRows := e.meta.GetMany(metadata.GetManyFilter{StatisticIDs: ids})
	metadataIDs := make([]int64, 0, len(metaRows))
	byID := make(map[int64]string, len(metaRows))
	for sid, m := range metaRows {
		metadataIDs = append(metadataIDs, m.MetadataID)
		byID[m.MetadataID] = sid
	}
	rows, err := storage.SelectLatestPerMetadata(ctx, e.store.DB, e.store.Dialect, storage.ShortTerm, metadataIDs)
	if err != nil {
		return nil, fmt.Errorf("query: latest short-term: %w", err)
	}
	out := make(map[string]StatRow, len(rows))
	for metadataID, r := range rows {
		sid := byID[metadataID]
		bucketed := passThroughRows([]storage.Row{r}, storage.ShortTerm.Duration())
		converted := e.convertAndFilter(bucketed, metaRows[sid], overrides, liveUnits[sid], types)
		out[sid] = converted[0]
	}
	return out, nil
}

// ListStatisticIDs and GetMetadata are served purely from the metadata
// cache (spec.md §5: "the public list_statistic_ids fast-path serves
// purely from cache without touching the DB").
func (e *Engine) ListStatisticIDs(filter metadata.GetManyFilter) map[string]storage.Descriptor {
	return e.meta.ListStatisticIDs(filter)
}

func (e *Engine) GetMetadata(statisticID string) (storage.MetaRow, bool) {
	return e.meta.Get(statisticID)
}
