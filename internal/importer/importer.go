// Package importer implements the statistics engine's import/adjust
// engine (spec component C6): external/internal statistic import,
// sum adjustment, unit-change rewrites, and the legacy duplicate-row
// repair entry point used by the task queue runtime.
package importer

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"homestats/internal/metadata"
	"homestats/internal/storage"
	"homestats/internal/taskqueue"
	"homestats/internal/units"
)

// externalStatisticIDPattern is spec.md §4.6's external statistic_id
// grammar: "^(?!.+__)(?!_)[\da-z_]+(?<!_):(?!_)[\da-z_]+(?<!_)$".
// Go's regexp (RE2) has no lookaround, so the negative-lookaround
// constraints (no leading/trailing underscore on either side of ':',
// no "__" anywhere) are checked by hand in validateExternalID.
var externalStatisticIDPattern = regexp.MustCompile(`^[\da-z_]+:[\da-z_]+$`)

// internalStatisticIDPattern mirrors a Home Assistant entity id:
// <domain>.<object>.
var internalStatisticIDPattern = regexp.MustCompile(`^[a-z_][\da-z_]*\.[a-z_][\da-z_]*$`)

// Engine is the import/adjust engine. Row-mutating methods are called
// by the task queue runtime inside its single writer transaction;
// validation that rejects a submission happens before any write.
type Engine struct {
	store *storage.Store
	meta  *metadata.Manager
	units *units.Registry
}

func New(store *storage.Store, meta *metadata.Manager, unitReg *units.Registry) *Engine {
	return &Engine{store: store, meta: meta, units: unitReg}
}

// RowInput is one row of an import payload. Absent pointer fields mean
// "not supplied" and, per spec.md §4.6 update-in-place semantics,
// overwrite an existing row's corresponding column with NULL.
type RowInput struct {
	StartTS     float64
	LastResetTS *float64
	Mean        *float64
	Min         *float64
	Max         *float64
	State       *float64
	Sum         *float64
}

// ImportRequest is the validated shape import() and
// add_external_statistics() share (spec.md §4.6, §6).
type ImportRequest struct {
	Descriptor storage.Descriptor
	Rows       []RowInput
	Internal   bool // true for import(), false for add_external_statistics()
}

// validationError wraps taskqueue.ValidationError so importer doesn't
// need to depend on taskqueue for anything beyond this one type.
func validationError(field, msg string) error {
	return &taskqueue.ValidationError{Field: field, Message: msg}
}

// Validate checks an ImportRequest against spec.md §4.6's rules
// without touching storage: hour-aligned timestamps,
// statistic_id/source grammar for internal vs. external imports, and
// metadata shape consistency between has_mean/has_sum and the rows
// supplied (SPEC_FULL.md §4's async_add_external_statistics detail).
func (e *Engine) Validate(req ImportRequest) error {
	d := req.Descriptor
	if req.Internal {
		if !internalStatisticIDPattern.MatchString(d.StatisticID) {
			return validationError("statistic_id", fmt.Sprintf("%q is not a valid entity id (<domain>.<object>)", d.StatisticID))
		}
		if d.Source != "recorder" {
			return validationError("source", "internal imports must have source \"recorder\"")
		}
	} else {
		if err := validateExternalID(d.StatisticID); err != nil {
			return err
		}
		prefix := d.StatisticID[:strings.IndexByte(d.StatisticID, ':')]
		if d.Source != prefix {
			return validationError("source", fmt.Sprintf("source %q must equal the statistic_id's %q prefix", d.Source, prefix))
		}
	}

	if err := validateRowShape(d, req.Rows); err != nil {
		return err
	}

	for _, r := range req.Rows {
		if !storage.LongTerm.Aligned(r.StartTS) {
			return validationError("start", "import rows must be hour-aligned (minute=0, second=0, microsecond=0)")
		}
		if r.LastResetTS != nil && !isFinite(*r.LastResetTS) {
			return validationError("last_reset", "last_reset must be a finite UTC timestamp")
		}
	}
	return nil
}

func isFinite(v float64) bool { return v == v && v < 1e18 && v > -1e18 }

// validateExternalID hand-checks the lookaround constraints RE2 can't
// express: no leading/trailing underscore flanking the ':' on either
// side, and no "__" run anywhere in the id.
func validateExternalID(id string) error {
	if !externalStatisticIDPattern.MatchString(id) {
		return validationError("statistic_id", fmt.Sprintf("%q does not match <domain>:<object>", id))
	}
	if strings.Contains(id, "__") {
		return validationError("statistic_id", fmt.Sprintf("%q must not contain a double underscore", id))
	}
	parts := strings.SplitN(id, ":", 2)
	domain, object := parts[0], parts[1]
	if strings.HasPrefix(domain, "_") || strings.HasSuffix(domain, "_") {
		return validationError("statistic_id", fmt.Sprintf("%q: domain must not start or end with '_'", id))
	}
	if strings.HasPrefix(object, "_") || strings.HasSuffix(object, "_") {
		return validationError("statistic_id", fmt.Sprintf("%q: object must not start or end with '_'", id))
	}
	return nil
}

// validateRowShape checks the rows supplied are consistent with the
// descriptor's has_mean/has_sum flags before any write happens
// (SPEC_FULL.md §4, ported from the original's metadata-shape check in
// async_add_external_statistics).
func validateRowShape(d storage.Descriptor, rows []RowInput) error {
	for _, r := range rows {
		if !d.HasMean && (r.Mean != nil || r.Min != nil || r.Max != nil) {
			return validationError("mean", "row supplies mean/min/max but descriptor has_mean=false")
		}
		if !d.HasSum && (r.Sum != nil || r.State != nil || r.LastResetTS != nil) {
			return validationError("sum", "row supplies sum/state/last_reset but descriptor has_sum=false")
		}
	}
	return nil
}

// Import writes a validated ImportRequest: update-or-add the
// descriptor, then upsert every row (update-in-place including nulling
// out previously-set columns omitted from this import, per spec.md
// §4.6). Must run inside the caller's single writer transaction.
func (e *Engine) Import(ctx context.Context, tx *sql.Tx, req ImportRequest) error {
	if err := e.Validate(req); err != nil {
		return err
	}
	_, metadataID, err := e.meta.UpdateOrAdd(ctx, tx, req.Descriptor)
	if err != nil {
		return fmt.Errorf("importer: update_or_add %q: %w", req.Descriptor.StatisticID, err)
	}
	for _, r := range req.Rows {
		row := storage.Row{
			MetadataID: metadataID, StartTS: r.StartTS, CreatedTS: r.StartTS,
			LastResetTS: r.LastResetTS, Mean: r.Mean, Min: r.Min, Max: r.Max, State: r.State, Sum: r.Sum,
		}
		if err := storage.UpsertRow(ctx, tx, e.store.Dialect, storage.LongTerm, row); err != nil {
			return fmt.Errorf("importer: upsert row at %v for %q: %w", r.StartTS, req.Descriptor.StatisticID, err)
		}
	}
	return nil
}

// AdjustSum converts delta from displayUnit to the statistic's stored
// unit and adds it to every row's sum column with start_ts >= startTime
// in both tables (spec.md §4.6 adjust sum; the long-term boundary is
// startTime truncated to the hour).
func (e *Engine) AdjustSum(ctx context.Context, tx *sql.Tx, statisticID string, startTime, delta float64, displayUnit string) error {
	meta, ok := e.meta.Get(statisticID)
	if !ok {
		return validationError("statistic_id", fmt.Sprintf("unknown statistic_id %q", statisticID))
	}
	storedUnit := ""
	if meta.Descriptor.UnitOfMeasurement != nil {
		storedUnit = *meta.Descriptor.UnitOfMeasurement
	}
	storedDelta := delta
	if displayUnit != "" && storedUnit != "" && displayUnit != storedUnit {
		converted, err := e.units.ConvertValue(delta, displayUnit, storedUnit)
		if err != nil {
			return validationError("unit", err.Error())
		}
		storedDelta = converted
	}

	hourBoundary := float64(int64(startTime/3600)) * 3600
	if err := storage.UpdateSum(ctx, tx, e.store.Dialect, storage.ShortTerm, meta.MetadataID, startTime, storedDelta); err != nil {
		return fmt.Errorf("importer: adjust short-term sum for %q: %w", statisticID, err)
	}
	if err := storage.UpdateSum(ctx, tx, e.store.Dialect, storage.LongTerm, meta.MetadataID, hourBoundary, storedDelta); err != nil {
		return fmt.Errorf("importer: adjust long-term sum for %q: %w", statisticID, err)
	}
	return nil
}

// ChangeUnit verifies oldUnit matches the stored unit, then rewrites
// every stored value through the converter and updates the descriptor
// (spec.md §4.6 change unit).
func (e *Engine) ChangeUnit(ctx context.Context, tx *sql.Tx, statisticID, oldUnit, newUnit string) error {
	meta, ok := e.meta.Get(statisticID)
	if !ok {
		return validationError("statistic_id", fmt.Sprintf("unknown statistic_id %q", statisticID))
	}
	storedUnit := ""
	if meta.Descriptor.UnitOfMeasurement != nil {
		storedUnit = *meta.Descriptor.UnitOfMeasurement
	}
	if storedUnit != oldUnit {
		return validationError("old_unit", fmt.Sprintf("stored unit is %q, not %q", storedUnit, oldUnit))
	}
	if !e.units.CanConvert(oldUnit, newUnit) {
		return validationError("new_unit", fmt.Sprintf("cannot convert %q to %q", oldUnit, newUnit))
	}

	convert := func(v float64) float64 {
		out, _ := e.units.ConvertValue(v, oldUnit, newUnit)
		return out
	}
	if err := storage.RewriteUnitValues(ctx, tx, e.store.Dialect, storage.ShortTerm, meta.MetadataID, convert); err != nil {
		return fmt.Errorf("importer: rewrite short-term values for %q: %w", statisticID, err)
	}
	if err := storage.RewriteUnitValues(ctx, tx, e.store.Dialect, storage.LongTerm, meta.MetadataID, convert); err != nil {
		return fmt.Errorf("importer: rewrite long-term values for %q: %w", statisticID, err)
	}

	newDescriptor := meta.Descriptor
	unit := newUnit
	newDescriptor.UnitOfMeasurement = &unit
	if _, _, err := e.meta.UpdateOrAdd(ctx, tx, newDescriptor); err != nil {
		return fmt.Errorf("importer: update descriptor unit for %q: %w", statisticID, err)
	}
	return nil
}

// ClearStatistics deletes every row and the meta row for the given
// statistic_ids (spec.md §6 clear_statistics). This is exposed at the
// Engine level (not just metadata.Manager.Delete) because it is one of
// the task-submission API's top-level operations.
func (e *Engine) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	return e.meta.Delete(ctx, statisticIDs)
}

// UpdateStatisticsMetadata handles the task-submission API's
// update_statistics_metadata (spec.md §6): optionally renames the
// statistic_id and/or changes its unit.
func (e *Engine) UpdateStatisticsMetadata(ctx context.Context, tx *sql.Tx, statisticID string, newID, newUnit *string) error {
	meta, ok := e.meta.Get(statisticID)
	if !ok {
		return validationError("statistic_id", fmt.Sprintf("unknown statistic_id %q", statisticID))
	}
	if newUnit != nil {
		oldUnit := ""
		if meta.Descriptor.UnitOfMeasurement != nil {
			oldUnit = *meta.Descriptor.UnitOfMeasurement
		}
		if err := e.ChangeUnit(ctx, tx, statisticID, oldUnit, *newUnit); err != nil {
			return err
		}
	}
	if newID != nil && *newID != statisticID {
		if err := e.meta.UpdateStatisticID(ctx, meta.Descriptor.Source, statisticID, *newID); err != nil {
			return fmt.Errorf("importer: rename %q -> %q: %w", statisticID, *newID, err)
		}
	}
	return nil
}

// RepairDuplicates runs both the row-level and metadata-level legacy
// duplicate repairs (spec.md §4.6; SPEC_FULL.md §4 extends it to
// statistics_meta itself).
func (e *Engine) RepairDuplicates(ctx context.Context, backupDir string) error {
	for _, period := range []storage.Period{storage.ShortTerm, storage.LongTerm} {
		if _, _, err := storage.RepairDuplicateRows(ctx, e.store.DB, e.store.Dialect, period, backupDir); err != nil {
			return fmt.Errorf("importer: repair duplicate rows (%v): %w", period, err)
		}
	}
	if _, err := e.meta.RepairDuplicateIDs(ctx); err != nil {
		return fmt.Errorf("importer: repair duplicate metadata ids: %w", err)
	}
	return nil
}
