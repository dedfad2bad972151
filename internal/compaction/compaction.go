// Package compaction implements the engine's compaction engine
// (spec.md component C4): 5-minute compaction from platform inputs,
// and the :55 hourly rollup into long-term rows.
package compaction

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"homestats/internal/eventbus"
	"homestats/internal/logging"
	"homestats/internal/metadata"
	"homestats/internal/platform"
	"homestats/internal/storage"
)

// Engine drives both compaction phases.
type Engine struct {
	store     *storage.Store
	meta      *metadata.Manager
	platforms *platform.Registry
	bus       *eventbus.Bus
	log       logging.StatsLogger
}

func New(store *storage.Store, meta *metadata.Manager, platforms *platform.Registry, bus *eventbus.Bus, log logging.StatsLogger) *Engine {
	return &Engine{store: store, meta: meta, platforms: platforms, bus: bus, log: log}
}

// Run5Minute executes one 5-minute compaction window starting at
// start (spec.md §4.4). start must be minute-aligned (0,5,...,55) with
// zero seconds; callers enforce this via storage.ShortTerm.Aligned.
func (e *Engine) Run5Minute(ctx context.Context, start float64, fireEvents bool) ([]string, error) {
	if !storage.ShortTerm.Aligned(start) {
		return nil, fmt.Errorf("compaction: start %v is not 5-minute aligned", start)
	}

	exists, err := storage.RunMarkerExists(ctx, e.store.DB, e.store.Dialect, start)
	if err != nil {
		return nil, fmt.Errorf("compaction: check run marker: %w", err)
	}
	if exists {
		return nil, nil
	}

	end := start + storage.ShortTerm.Duration()
	results, err := e.platforms.CompileAll(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("compaction: compile statistics: %w", err)
	}

	var changed []string
	var rolledUp bool
	isHourEnd := int64(start)%3600 == 3300 // minute 55

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, res := range results {
			for _, stat := range res.Stats {
				modified, metadataID, err := e.meta.UpdateOrAdd(ctx, tx, stat.Meta)
				if err != nil {
					return fmt.Errorf("compaction: update_or_add %q: %w", stat.Meta.StatisticID, err)
				}
				if modified != nil {
					changed = append(changed, *modified)
				}
				row := stat.Row
				row.MetadataID = metadataID
				row.StartTS = start
				if err := storage.InsertRow(ctx, tx, e.store.Dialect, storage.ShortTerm, row); err != nil {
					return fmt.Errorf("compaction: insert short-term row for %q: %w", stat.Meta.StatisticID, err)
				}
			}
		}

		if isHourEnd {
			hourStart := start - 3300
			hourChanged, err := e.runHourlyRollupTx(ctx, tx, hourStart)
			if err != nil {
				return err
			}
			changed = append(changed, hourChanged...)
			rolledUp = true
		}

		return storage.InsertRunMarker(ctx, tx, e.store.Dialect, start)
	})
	if err != nil {
		return nil, err
	}

	for _, id := range changed {
		if err := e.meta.RefreshOne(ctx, id); err != nil {
			e.log.Warn("compaction: failed to refresh metadata cache", zap.Error(err), zap.String("statistic_id", id))
		}
	}

	if fireEvents && e.bus != nil {
		e.bus.Publish(eventbus.Event{Name: eventbus.Event5MinStatisticsGenerated, StartTS: start, StatisticIDs: dedupe(changed)})
		if rolledUp {
			e.bus.Publish(eventbus.Event{Name: eventbus.EventHourlyStatisticsGenerated, StartTS: start - 3300, StatisticIDs: dedupe(changed)})
		}
	}

	return dedupe(changed), nil
}

// RunHourlyRollup computes and writes the long-term row for the hour
// [hourStart, hourStart+1h) from its twelve short-term rows, inside
// its own transaction. Exposed for catch-up/backfill callers that did
// not just run the :55 short-term insert in the same transaction.
func (e *Engine) RunHourlyRollup(ctx context.Context, hourStart float64) ([]string, error) {
	if !storage.LongTerm.Aligned(hourStart) {
		return nil, fmt.Errorf("compaction: hourStart %v is not hour-aligned", hourStart)
	}
	var changed []string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = e.runHourlyRollupTx(ctx, tx, hourStart)
		return err
	})
	return changed, err
}

func (e *Engine) runHourlyRollupTx(ctx context.Context, tx *sql.Tx, hourStart float64) ([]string, error) {
	hourEnd := hourStart + storage.LongTerm.Duration()
	ids, err := storage.DistinctMetadataIDsInRange(ctx, tx, e.store.Dialect, storage.ShortTerm, hourStart, hourEnd)
	if err != nil {
		return nil, fmt.Errorf("compaction: list metadata ids for hour: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := storage.SelectRange(ctx, tx, e.store.Dialect, storage.ShortTerm, ids, hourStart, &hourEnd)
	if err != nil {
		return nil, fmt.Errorf("compaction: select short-term rows for hour: %w", err)
	}

	byMetadata := make(map[int64][]storage.Row)
	for _, r := range rows {
		byMetadata[r.MetadataID] = append(byMetadata[r.MetadataID], r)
	}

	for _, id := range ids {
		group := byMetadata[id]
		if len(group) == 0 {
			continue
		}
		longRow := rollupGroup(id, hourStart, group)
		if err := storage.UpsertRow(ctx, tx, e.store.Dialect, storage.LongTerm, longRow); err != nil {
			return nil, fmt.Errorf("compaction: write long-term row for metadata %d: %w", id, err)
		}
	}
	return nil, nil
}

// rollupGroup computes one hour's long-term row from its short-term
// rows (spec.md §4.4 "Hourly rollup"). mean/min/max come from every
// row that has a mean; sum/state/last_reset come from the row with
// the greatest start_ts (ties broken by scan order, which follows
// storage.SelectRange's ORDER BY start_ts, and in practice never
// arise because (metadata_id, start_ts) is unique). A metadata_id with
// sum but no mean rows in the hour still gets a long-term row, with
// mean/min/max left null (spec.md §9's "sum-only row shape").
func rollupGroup(metadataID int64, hourStart float64, rows []storage.Row) storage.Row {
	sorted := append([]storage.Row(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTS < sorted[j].StartTS })

	var meanSum, minVal, maxVal float64
	var meanCount int
	var haveMin, haveMax bool
	for _, r := range sorted {
		if r.Mean != nil {
			meanSum += *r.Mean
			meanCount++
		}
		if r.Min != nil {
			if !haveMin || *r.Min < minVal {
				minVal = *r.Min
			}
			haveMin = true
		}
		if r.Max != nil {
			if !haveMax || *r.Max > maxVal {
				maxVal = *r.Max
			}
			haveMax = true
		}
	}

	latest := sorted[len(sorted)-1]

	out := storage.Row{
		MetadataID: metadataID,
		StartTS:    hourStart,
		CreatedTS:  hourStart,
		Sum:        latest.Sum,
		State:      latest.State,
		LastResetTS: latest.LastResetTS,
	}
	if meanCount > 0 {
		mean := meanSum / float64(meanCount)
		out.Mean = &mean
		min := minVal
		max := maxVal
		out.Min = &min
		out.Max = &max
	}
	return out
}

// CatchUp implements spec.md §4.4's "Missing statistics catch-up":
// determine the most recent aligned 5-minute boundary strictly before
// now, then replay every 5-minute window from
// max(now-keepDuration, lastRun+5min) forward to that boundary.
// Progress is logged every 12h of simulated time or whenever a run
// changed any descriptor, matching the original's "commit every 12h of
// simulated time" cadence. Returns the number of windows compacted.
func (e *Engine) CatchUp(ctx context.Context, now float64, keepDuration float64) (int, error) {
	lastPeriod := storage.ShortTerm.AlignDown(now)
	if lastPeriod >= now {
		lastPeriod -= storage.ShortTerm.Duration()
	}

	lastRun, ok, err := storage.LatestRunMarker(ctx, e.store.DB, e.store.Dialect)
	if err != nil {
		return 0, fmt.Errorf("compaction: catch-up: read last run marker: %w", err)
	}

	start := now - keepDuration
	if ok && lastRun+storage.ShortTerm.Duration() > start {
		start = lastRun + storage.ShortTerm.Duration()
	}
	start = storage.ShortTerm.AlignDown(start)

	const progressWindow = 12 * 3600 // 12h of simulated time
	lastProgressLog := start
	ran := 0

	for t := start; t <= lastPeriod; t += storage.ShortTerm.Duration() {
		changed, err := e.Run5Minute(ctx, t, false)
		if err != nil {
			return ran, fmt.Errorf("compaction: catch-up: run5minute(%v): %w", t, err)
		}
		ran++
		if len(changed) > 0 || t-lastProgressLog >= progressWindow {
			e.log.Info("compaction: catch-up progress",
				zap.Float64("start_ts", t), zap.Int("changed_descriptors", len(changed)))
			lastProgressLog = t
		}
	}
	return ran, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
