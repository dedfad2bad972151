package query

import (
	"context"
	"fmt"
	"math"

	"homestats/internal/storage"
	"homestats/internal/units"
)

// Aggregate is the result of StatisticDuringPeriod: a single aggregate
// value over an arbitrary [start, end) range for one statistic.
type Aggregate struct {
	Max    *float64
	Min    *float64
	Mean   *float64
	Change *float64
}

const hourSeconds = 3600

// StatisticDuringPeriod implements spec.md §4.5's single-statistic,
// single-range query. An arbitrary [start, end) is split into head
// (short-term, up to the next hour boundary), main (long-term, whole
// hours), and tail (short-term, from the last whole hour to end). When
// the whole range sits inside one hour, only tail is used.
func (e *Engine) StatisticDuringPeriod(ctx context.Context, statisticID string, start, end float64, types Types, overrides map[units.Class]string, liveUnit string) (Aggregate, error) {
	meta, ok := e.meta.Get(statisticID)
	if !ok {
		return Aggregate{}, fmt.Errorf("query: unknown statistic_id %q", statisticID)
	}

	var head, main, tail []storage.Row
	var err error

	if sameHour(start, end) {
		tail, err = storage.SelectRange(ctx, e.store.DB, e.store.Dialect, storage.ShortTerm, []int64{meta.MetadataID}, start, &end)
		if err != nil {
			return Aggregate{}, fmt.Errorf("query: tail-only range: %w", err)
		}
	} else {
		headEnd := math.Ceil(start/hourSeconds) * hourSeconds
		tailStart := math.Floor(end/hourSeconds) * hourSeconds

		if headEnd > start {
			head, err = storage.SelectRange(ctx, e.store.DB, e.store.Dialect, storage.ShortTerm, []int64{meta.MetadataID}, start, &headEnd)
			if err != nil {
				return Aggregate{}, fmt.Errorf("query: head range: %w", err)
			}
		}
		if tailStart > headEnd {
			main, err = storage.SelectRange(ctx, e.store.DB, e.store.Dialect, storage.LongTerm, []int64{meta.MetadataID}, headEnd, &tailStart)
			if err != nil {
				return Aggregate{}, fmt.Errorf("query: main range: %w", err)
			}
		}
		if end > tailStart {
			tail, err = storage.SelectRange(ctx, e.store.DB, e.store.Dialect, storage.ShortTerm, []int64{meta.MetadataID}, tailStart, &end)
			if err != nil {
				return Aggregate{}, fmt.Errorf("query: tail range: %w", err)
			}
		}
	}

	agg := Aggregate{}
	if types.wants("max") {
		if v, ok := maxOf(head, main, tail); ok {
			agg.Max = &v
		}
	}
	if types.wants("min") {
		if v, ok := minOf(head, main, tail); ok {
			agg.Min = &v
		}
	}
	if types.wants("mean") {
		if v, ok := timeWeightedMean(head, main, tail); ok {
			agg.Mean = &v
		}
	}
	if types.wants("sum") {
		v := e.change(ctx, meta.MetadataID, start, head, main, tail)
		agg.Change = &v
	}

	return e.convertAggregate(agg, meta, overrides, liveUnit), nil
}

func sameHour(start, end float64) bool {
	if end <= start {
		return true
	}
	return math.Floor(start/hourSeconds) == math.Floor((end-1e-6)/hourSeconds)
}

func maxOf(groups ...[]storage.Row) (float64, bool) {
	var out float64
	found := false
	for _, g := range groups {
		for _, r := range g {
			if r.Max == nil {
				continue
			}
			if !found || *r.Max > out {
				out, found = *r.Max, true
			}
		}
	}
	return out, found
}

func minOf(groups ...[]storage.Row) (float64, bool) {
	var out float64
	found := false
	for _, g := range groups {
		for _, r := range g {
			if r.Min == nil {
				continue
			}
			if !found || *r.Min < out {
				out, found = *r.Min, true
			}
		}
	}
	return out, found
}

// timeWeightedMean computes Σ avg_i·dur_i / Σ dur_i across the three
// sub-ranges (spec.md §4.5, §8): each sub-range's duration is the
// count of rows that actually carried a mean value times its table's
// fixed bucket width, not the nominal sub-range length.
func timeWeightedMean(head, main, tail []storage.Row) (float64, bool) {
	var weightedSum, totalDuration float64
	add := func(rows []storage.Row, tableDuration float64) {
		var sum float64
		var count int
		for _, r := range rows {
			if r.Mean == nil {
				continue
			}
			sum += *r.Mean
			count++
		}
		if count == 0 {
			return
		}
		avg := sum / float64(count)
		duration := float64(count) * tableDuration
		weightedSum += avg * duration
		totalDuration += duration
	}
	add(head, storage.ShortTerm.Duration())
	add(main, storage.LongTerm.Duration())
	add(tail, storage.ShortTerm.Duration())
	if totalDuration == 0 {
		return 0, false
	}
	return weightedSum / totalDuration, true
}

// change computes newest_sum - oldest_sum (spec.md §4.5, §8). newest_sum
// scans tail, then main, then head (most-recent-first) for the first
// non-null sum. oldest_sum prefers the short-term row immediately
// preceding start (the range's true opening balance); if none exists,
// it falls back to the first non-null sum found scanning head, then
// main, then tail in chronological order; if the range has no sum
// anywhere, oldest_sum is 0 (spec.md §4.5: "if the scan crosses the
// oldest-ever row, oldest_sum = 0").
func (e *Engine) change(ctx context.Context, metadataID int64, start float64, head, main, tail []storage.Row) float64 {
	newest, ok := lastSum(tail)
	if !ok {
		newest, ok = lastSum(main)
	}
	if !ok {
		newest, ok = lastSum(head)
	}
	if !ok {
		newest = 0
	}

	var oldest float64
	if prior, found, err := storage.SelectLastBefore(ctx, e.store.DB, e.store.Dialect, storage.ShortTerm, metadataID, start); err == nil && found && prior.Sum != nil {
		oldest = *prior.Sum
	} else if v, ok := firstSum(head); ok {
		oldest = v
	} else if v, ok := firstSum(main); ok {
		oldest = v
	} else if v, ok := firstSum(tail); ok {
		oldest = v
	} else {
		oldest = 0
	}

	return newest - oldest
}

func lastSum(rows []storage.Row) (float64, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Sum != nil {
			return *rows[i].Sum, true
		}
	}
	return 0, false
}

func firstSum(rows []storage.Row) (float64, bool) {
	for _, r := range rows {
		if r.Sum != nil {
			return *r.Sum, true
		}
	}
	return 0, false
}

func (e *Engine) convertAggregate(agg Aggregate, meta storage.MetaRow, overrides map[units.Class]string, liveUnit string) Aggregate {
	storedUnit := ""
	if meta.Descriptor.UnitOfMeasurement != nil {
		storedUnit = *meta.Descriptor.UnitOfMeasurement
	}
	if storedUnit == "" {
		return agg
	}
	class, ok := e.units.UnitClass(storedUnit)
	if !ok {
		return agg
	}
	displayUnit := e.units.ResolveDisplayUnit(storedUnit, overrides[class], liveUnit)
	if displayUnit == storedUnit {
		return agg
	}
	convert := func(v *float64) *float64 {
		out, err := units.Convert(e.units, v, storedUnit, displayUnit)
		if err != nil {
			return v
		}
		return out
	}
	agg.Max = convert(agg.Max)
	agg.Min = convert(agg.Min)
	agg.Mean = convert(agg.Mean)
	agg.Change = convert(agg.Change)
	return agg
}
