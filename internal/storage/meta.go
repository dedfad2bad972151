package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertMeta inserts a new descriptor and returns its metadata_id.
func InsertMeta(ctx context.Context, ex Execer, dialect Dialect, d Descriptor) (int64, error) {
	switch dialect {
	case Postgres:
		query := Rebind(dialect, `INSERT INTO statistics_meta
			(statistic_id, source, unit_of_measurement, name, has_mean, has_sum)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
		var id int64
		err := ex.QueryRowContext(ctx, query, d.StatisticID, d.Source, d.UnitOfMeasurement, d.Name, d.HasMean, d.HasSum).Scan(&id)
		return id, err
	default:
		query := Rebind(dialect, `INSERT INTO statistics_meta
			(statistic_id, source, unit_of_measurement, name, has_mean, has_sum)
			VALUES (?, ?, ?, ?, ?, ?)`)
		res, err := ex.ExecContext(ctx, query, d.StatisticID, d.Source, d.UnitOfMeasurement, d.Name, d.HasMean, d.HasSum)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		return id, err
	}
}

// UpdateMeta overwrites every mutable field of an existing descriptor.
func UpdateMeta(ctx context.Context, ex Execer, dialect Dialect, metadataID int64, d Descriptor) error {
	query := Rebind(dialect, `UPDATE statistics_meta SET
		source = ?, unit_of_measurement = ?, name = ?, has_mean = ?, has_sum = ?
		WHERE id = ?`)
	_, err := ex.ExecContext(ctx, query, d.Source, d.UnitOfMeasurement, d.Name, d.HasMean, d.HasSum, metadataID)
	return err
}

// UpdateMetaUnit updates only the unit_of_measurement column (spec.md
// §4.2 update_unit_of_measurement).
func UpdateMetaUnit(ctx context.Context, ex Execer, dialect Dialect, metadataID int64, unit *string) error {
	query := Rebind(dialect, `UPDATE statistics_meta SET unit_of_measurement = ? WHERE id = ?`)
	_, err := ex.ExecContext(ctx, query, unit, metadataID)
	return err
}

// UpdateMetaStatisticID renames a statistic_id (spec.md §4.2
// update_statistic_id).
func UpdateMetaStatisticID(ctx context.Context, ex Execer, dialect Dialect, oldID, newID string) error {
	query := Rebind(dialect, `UPDATE statistics_meta SET statistic_id = ? WHERE statistic_id = ?`)
	_, err := ex.ExecContext(ctx, query, newID, oldID)
	return err
}

// DeleteMeta removes descriptors by metadata_id.
func DeleteMeta(ctx context.Context, ex Execer, dialect Dialect, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	query, args := inClause(dialect, `DELETE FROM statistics_meta WHERE id IN (%s)`, metadataIDs)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// SelectAllMeta loads every descriptor, used to (re)populate the
// in-process metadata cache on startup (spec.md §4.2 load()).
func SelectAllMeta(ctx context.Context, ex Execer) ([]MetaRow, error) {
	rows, err := ex.QueryContext(ctx, `SELECT id, statistic_id, source, unit_of_measurement, name, has_mean, has_sum FROM statistics_meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetaRows(rows)
}

// SelectMetaByIDs loads descriptors for specific statistic_ids.
func SelectMetaByIDs(ctx context.Context, ex Execer, dialect Dialect, statisticIDs []string) ([]MetaRow, error) {
	if len(statisticIDs) == 0 {
		return SelectAllMeta(ctx, ex)
	}
	query, args := inClauseStrings(dialect, `SELECT id, statistic_id, source, unit_of_measurement, name, has_mean, has_sum
		FROM statistics_meta WHERE statistic_id IN (%s)`, statisticIDs)
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetaRows(rows)
}

func scanMetaRows(rows *sql.Rows) ([]MetaRow, error) {
	var out []MetaRow
	for rows.Next() {
		var m MetaRow
		if err := rows.Scan(&m.MetadataID, &m.Descriptor.StatisticID, &m.Descriptor.Source,
			&m.Descriptor.UnitOfMeasurement, &m.Descriptor.Name, &m.Descriptor.HasMean, &m.Descriptor.HasSum); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DuplicateMetaGroup is a set of metadata rows sharing one statistic_id,
// found by the legacy metadata duplicate-id repair (spec.md §4.6
// extended by SPEC_FULL.md §4 to the meta table itself).
type DuplicateMetaGroup struct {
	StatisticID string
	KeepID      int64
	DropIDs     []int64
}

// FindDuplicateMeta scans statistics_meta for statistic_ids that
// appear more than once, keeping the lowest id.
func FindDuplicateMeta(ctx context.Context, ex Execer) ([]DuplicateMetaGroup, error) {
	rows, err := ex.QueryContext(ctx, `SELECT statistic_id, id FROM statistics_meta ORDER BY statistic_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string][]int64)
	for rows.Next() {
		var sid string
		var id int64
		if err := rows.Scan(&sid, &id); err != nil {
			return nil, err
		}
		byID[sid] = append(byID[sid], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups []DuplicateMetaGroup
	for sid, ids := range byID {
		if len(ids) < 2 {
			continue
		}
		groups = append(groups, DuplicateMetaGroup{StatisticID: sid, KeepID: ids[0], DropIDs: ids[1:]})
	}
	return groups, nil
}

func inClause(dialect Dialect, template string, ids []int64) (string, []any) {
	phs := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		phs[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(template, join(phs, ","))
	return Rebind(dialect, query), args
}

func inClauseStrings(dialect Dialect, template string, vals []string) (string, []any) {
	phs := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		phs[i] = "?"
		args[i] = v
	}
	query := fmt.Sprintf(template, join(phs, ","))
	return Rebind(dialect, query), args
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
