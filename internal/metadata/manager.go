// Package metadata implements the statistics engine's metadata manager
// (spec component C2): a cached catalog of statistic_id ->
// (metadata_id, descriptor) shared read-only across query callers,
// mutated only under an exclusive writer lock within the same
// transaction scope as the underlying row write (spec.md §4.2, §5).
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"homestats/internal/storage"
)

// Manager is the process-wide metadata cache and its storage-backed
// mutators. The cache itself mirrors the teacher's HistoryCache shape
// (sync.RWMutex + map) but keyed by statistic_id with no TTL: entries
// are invalidated precisely on write, not by expiry, because
// correctness here (readers never observing a deleted metadata_id)
// matters more than staleness tolerance.
type Manager struct {
	store *storage.Store

	mu     sync.RWMutex
	byID   map[string]storage.MetaRow // statistic_id -> row
	mirror ReadThroughMirror
}

// ReadThroughMirror is an optional external cache tier, warmed on Load
// and invalidated by RefreshOne, UpdateUnitOfMeasurement,
// UpdateStatisticID and Delete. GetMany and ListStatisticIDs never read
// it; they answer from the in-process map.
// homestats' only implementation is the Redis mirror in redis_mirror.go;
// it is never used for cross-node coordination (Non-goal: no
// distribution across nodes), only as an optional local accelerator.
type ReadThroughMirror interface {
	Warm(ctx context.Context, rows []storage.MetaRow)
	Invalidate(ctx context.Context, statisticIDs ...string)
}

type noopMirror struct{}

func (noopMirror) Warm(context.Context, []storage.MetaRow) {}
func (noopMirror) Invalidate(context.Context, ...string)   {}

func New(store *storage.Store) *Manager {
	return &Manager{store: store, byID: make(map[string]storage.MetaRow), mirror: noopMirror{}}
}

// SetMirror installs an optional read-through mirror.
func (m *Manager) SetMirror(mirror ReadThroughMirror) {
	if mirror == nil {
		mirror = noopMirror{}
	}
	m.mirror = mirror
}

// Load populates the cache from storage. Called once at startup.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := storage.SelectAllMeta(ctx, m.store.DB)
	if err != nil {
		return fmt.Errorf("metadata: load: %w", err)
	}
	m.mu.Lock()
	m.byID = make(map[string]storage.MetaRow, len(rows))
	for _, r := range rows {
		m.byID[r.Descriptor.StatisticID] = r
	}
	m.mu.Unlock()
	m.mirror.Warm(ctx, rows)
	return nil
}

// Reset drops the entire in-process cache. It stays empty until Load,
// UpdateOrAdd or RefreshOne fills it; Get and GetMany read only the
// in-process map.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.byID = make(map[string]storage.MetaRow)
	m.mu.Unlock()
}

// Get returns the (metadata_id, descriptor) for one statistic_id.
func (m *Manager) Get(statisticID string) (storage.MetaRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.byID[statisticID]
	return row, ok
}

// GetManyFilter narrows GetMany's result set.
type GetManyFilter struct {
	StatisticIDs []string // nil/empty means "all"
	TypeFilter   string   // "mean" or "sum", empty means "any"
	SourceFilter string   // empty means "any"
}

// GetMany returns every cached descriptor matching filter. This is the
// "fast path" named in spec.md §5: it never touches the database when
// the cache is already warm.
func (m *Manager) GetMany(filter GetManyFilter) map[string]storage.MetaRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(filter.StatisticIDs))
	for _, id := range filter.StatisticIDs {
		wanted[id] = true
	}

	out := make(map[string]storage.MetaRow)
	for id, row := range m.byID {
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		if filter.SourceFilter != "" && row.Descriptor.Source != filter.SourceFilter {
			continue
		}
		switch filter.TypeFilter {
		case "mean":
			if !row.Descriptor.HasMean {
				continue
			}
		case "sum":
			if !row.Descriptor.HasSum {
				continue
			}
		}
		out[id] = row
	}
	return out
}

// ListStatisticIDs is an alias for GetMany kept distinct at the API
// boundary (spec.md §6 list_statistic_ids) but identical in behavior:
// it is served purely from cache.
func (m *Manager) ListStatisticIDs(filter GetManyFilter) map[string]storage.Descriptor {
	rows := m.GetMany(filter)
	out := make(map[string]storage.Descriptor, len(rows))
	for id, r := range rows {
		out[id] = r.Descriptor
	}
	return out
}

// UpdateOrAdd compares d against the stored descriptor (if any) and
// replaces in place if any field differs, else inserts. It must run
// inside the same transaction as the row write that prompted it
// (spec.md §4.4 step 3), so the caller passes the *sql.Tx explicitly.
// Returns (modifiedStatisticID, metadataID): modifiedStatisticID is
// the statistic_id when the unit changed, so callers can invalidate
// dependent caches (spec.md §4.2).
func (m *Manager) UpdateOrAdd(ctx context.Context, tx *sql.Tx, d storage.Descriptor) (modified *string, metadataID int64, err error) {
	m.mu.RLock()
	existing, ok := m.byID[d.StatisticID]
	m.mu.RUnlock()

	if !ok {
		id, err := storage.InsertMeta(ctx, tx, m.store.Dialect, d)
		if err != nil {
			return nil, 0, fmt.Errorf("metadata: insert %q: %w", d.StatisticID, err)
		}
		m.mu.Lock()
		m.byID[d.StatisticID] = storage.MetaRow{MetadataID: id, Descriptor: d}
		m.mu.Unlock()
		return nil, id, nil
	}

	if descriptorsEqual(existing.Descriptor, d) {
		return nil, existing.MetadataID, nil
	}

	unitChanged := !stringPtrEqual(existing.Descriptor.UnitOfMeasurement, d.UnitOfMeasurement)
	if err := storage.UpdateMeta(ctx, tx, m.store.Dialect, existing.MetadataID, d); err != nil {
		return nil, 0, fmt.Errorf("metadata: update %q: %w", d.StatisticID, err)
	}
	m.mu.Lock()
	m.byID[d.StatisticID] = storage.MetaRow{MetadataID: existing.MetadataID, Descriptor: d}
	m.mu.Unlock()

	if unitChanged {
		id := d.StatisticID
		modified = &id
	}
	return modified, existing.MetadataID, nil
}

// RefreshOne re-reads a single statistic_id from storage into the
// cache. Used by compaction (spec.md §4.4 step 6: "callers refresh the
// metadata cache for those ids in a fresh transaction").
func (m *Manager) RefreshOne(ctx context.Context, statisticID string) error {
	rows, err := storage.SelectMetaByIDs(ctx, m.store.DB, m.store.Dialect, []string{statisticID})
	if err != nil {
		return fmt.Errorf("metadata: refresh %q: %w", statisticID, err)
	}
	m.mu.Lock()
	if len(rows) == 0 {
		delete(m.byID, statisticID)
	} else {
		m.byID[statisticID] = rows[0]
	}
	m.mu.Unlock()
	m.mirror.Invalidate(ctx, statisticID)
	return nil
}

// UpdateUnitOfMeasurement changes the stored unit for a statistic_id.
func (m *Manager) UpdateUnitOfMeasurement(ctx context.Context, statisticID string, unit *string) error {
	m.mu.RLock()
	row, ok := m.byID[statisticID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata: unknown statistic_id %q", statisticID)
	}
	if err := storage.UpdateMetaUnit(ctx, m.store.DB, m.store.Dialect, row.MetadataID, unit); err != nil {
		return fmt.Errorf("metadata: update unit for %q: %w", statisticID, err)
	}
	row.Descriptor.UnitOfMeasurement = unit
	m.mu.Lock()
	m.byID[statisticID] = row
	m.mu.Unlock()
	m.mirror.Invalidate(ctx, statisticID)
	return nil
}

// UpdateStatisticID renames a statistic, validating the domain prefix
// matches (spec.md §6 update_statistics_metadata).
func (m *Manager) UpdateStatisticID(ctx context.Context, domain, oldID, newID string) error {
	m.mu.RLock()
	row, ok := m.byID[oldID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata: unknown statistic_id %q", oldID)
	}
	if row.Descriptor.Source != domain {
		return fmt.Errorf("metadata: %q is not owned by domain %q", oldID, domain)
	}
	if err := storage.UpdateMetaStatisticID(ctx, m.store.DB, m.store.Dialect, oldID, newID); err != nil {
		return fmt.Errorf("metadata: rename %q -> %q: %w", oldID, newID, err)
	}
	row.Descriptor.StatisticID = newID
	m.mu.Lock()
	delete(m.byID, oldID)
	m.byID[newID] = row
	m.mu.Unlock()
	m.mirror.Invalidate(ctx, oldID, newID)
	return nil
}

// Delete removes descriptors (and, via storage.ClearStatistics, every
// row referencing them) for the given statistic_ids.
func (m *Manager) Delete(ctx context.Context, statisticIDs []string) error {
	m.mu.RLock()
	ids := make([]int64, 0, len(statisticIDs))
	for _, sid := range statisticIDs {
		if row, ok := m.byID[sid]; ok {
			ids = append(ids, row.MetadataID)
		}
	}
	m.mu.RUnlock()

	if err := storage.ClearStatistics(ctx, m.store.DB, m.store.Dialect, ids); err != nil {
		return fmt.Errorf("metadata: delete: %w", err)
	}

	m.mu.Lock()
	for _, sid := range statisticIDs {
		delete(m.byID, sid)
	}
	m.mu.Unlock()
	m.mirror.Invalidate(ctx, statisticIDs...)
	return nil
}

// RepairDuplicateIDs sweeps statistics_meta itself for statistic_ids
// that appear more than once (SPEC_FULL.md §4, parallel to the
// row-level duplicate repair in spec.md §4.6), keeping the lowest id
// and deleting the rest along with their orphaned rows.
func (m *Manager) RepairDuplicateIDs(ctx context.Context) (repaired int, err error) {
	groups, err := storage.FindDuplicateMeta(ctx, m.store.DB)
	if err != nil {
		return 0, fmt.Errorf("metadata: find duplicate ids: %w", err)
	}
	var dropIDs []int64
	for _, g := range groups {
		dropIDs = append(dropIDs, g.DropIDs...)
		repaired += len(g.DropIDs)
	}
	if len(dropIDs) == 0 {
		return 0, nil
	}
	if err := storage.ClearStatistics(ctx, m.store.DB, m.store.Dialect, dropIDs); err != nil {
		return 0, fmt.Errorf("metadata: repair duplicate ids: %w", err)
	}
	return repaired, m.Load(ctx)
}

func descriptorsEqual(a, b storage.Descriptor) bool {
	return a.Source == b.Source &&
		stringPtrEqual(a.UnitOfMeasurement, b.UnitOfMeasurement) &&
		stringPtrEqual(a.Name, b.Name) &&
		a.HasMean == b.HasMean &&
		a.HasSum == b.HasSum
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Snapshot returns a stable, sorted copy of the cache for diagnostics.
func (m *Manager) Snapshot() []storage.MetaRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.MetaRow, 0, len(m.byID))
	for _, r := range m.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.StatisticID < out[j].Descriptor.StatisticID })
	return out
}
