package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// SelectRange returns every row for the given metadata_ids with
// start_ts in [start, end). end of nil means unbounded.
func SelectRange(ctx context.Context, ex Execer, dialect Dialect, period Period, metadataIDs []int64, start float64, end *float64) ([]Row, error) {
	if len(metadataIDs) == 0 {
		return nil, nil
	}
	table := TableName(period)
	phs := make([]string, len(metadataIDs))
	args := make([]any, 0, len(metadataIDs)+2)
	for i, id := range metadataIDs {
		phs[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum
		FROM %s WHERE metadata_id IN (%s) AND start_ts >= ?`, table, join(phs, ","))
	args = append(args, start)
	if end != nil {
		query += " AND start_ts < ?"
		args = append(args, *end)
	}
	query += " ORDER BY metadata_id, start_ts"

	rows, err := ex.QueryContext(ctx, Rebind(dialect, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// SelectLastBefore returns the most recent row with start_ts < before
// for a single metadata_id, or (Row{}, false, nil) if none exists.
// Used by the query engine's "continuity" lookup (spec.md §4.5).
func SelectLastBefore(ctx context.Context, ex Execer, dialect Dialect, period Period, metadataID int64, before float64) (Row, bool, error) {
	table := TableName(period)
	query := Rebind(dialect, fmt.Sprintf(`SELECT metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum
		FROM %s WHERE metadata_id = ? AND start_ts < ? ORDER BY start_ts DESC LIMIT 1`, table))
	row := ex.QueryRowContext(ctx, query, metadataID, before)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return r, true, nil
}

// SelectLastN returns the most recent n rows per metadata_id, ordered
// start_ts descending (spec.md §4.5 last_statistics /
// last_short_term_statistics).
func SelectLastN(ctx context.Context, ex Execer, dialect Dialect, period Period, metadataIDs []int64, n int) (map[int64][]Row, error) {
	out := make(map[int64][]Row, len(metadataIDs))
	table := TableName(period)
	for _, id := range metadataIDs {
		query := Rebind(dialect, fmt.Sprintf(`SELECT metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum
			FROM %s WHERE metadata_id = ? ORDER BY start_ts DESC LIMIT ?`, table))
		rows, err := ex.QueryContext(ctx, query, id, n)
		if err != nil {
			return nil, err
		}
		rs, err := scanRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[id] = rs
	}
	return out, nil
}

// SelectLatestPerMetadata picks, for each metadata_id, the single row
// with the max(start_ts) using one grouped query (spec.md §4.5
// latest_short_term_statistics: "a single grouped query that picks
// max(start_ts) per metadata_id").
func SelectLatestPerMetadata(ctx context.Context, ex Execer, dialect Dialect, period Period, metadataIDs []int64) (map[int64]Row, error) {
	if len(metadataIDs) == 0 {
		return nil, nil
	}
	table := TableName(period)
	phs := make([]string, len(metadataIDs))
	args := make([]any, len(metadataIDs))
	for i, id := range metadataIDs {
		phs[i] = "?"
		args[i] = id
	}
	query := Rebind(dialect, fmt.Sprintf(`SELECT s.metadata_id, s.start_ts, s.created_ts, s.last_reset_ts, s.mean, s.min, s.max, s.state, s.sum
		FROM %s s
		INNER JOIN (
			SELECT metadata_id, MAX(start_ts) AS max_start
			FROM %s WHERE metadata_id IN (%s) GROUP BY metadata_id
		) latest ON s.metadata_id = latest.metadata_id AND s.start_ts = latest.max_start`,
		table, table, join(phs, ",")))
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rs, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Row, len(rs))
	for _, r := range rs {
		out[r.MetadataID] = r
	}
	return out, nil
}

// DistinctMetadataIDsInRange returns every metadata_id with at least
// one row in [start, end) for period, used by hourly rollup to find
// which series need a long-term row (spec.md §4.4).
func DistinctMetadataIDsInRange(ctx context.Context, ex Execer, dialect Dialect, period Period, start, end float64) ([]int64, error) {
	table := TableName(period)
	query := Rebind(dialect, fmt.Sprintf(`SELECT DISTINCT metadata_id FROM %s WHERE start_ts >= ? AND start_ts < ? ORDER BY metadata_id`, table))
	rows, err := ex.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.MetadataID, &r.StartTS, &r.CreatedTS, &r.LastResetTS, &r.Mean, &r.Min, &r.Max, &r.State, &r.Sum); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRow(row *sql.Row) (Row, error) {
	var r Row
	err := row.Scan(&r.MetadataID, &r.StartTS, &r.CreatedTS, &r.LastResetTS, &r.Mean, &r.Min, &r.Max, &r.State, &r.Sum)
	return r, err
}

// UpdateSum adds delta to the sum column of every row with
// start_ts >= boundary for one metadata_id (spec.md §4.6 adjust sum).
func UpdateSum(ctx context.Context, ex Execer, dialect Dialect, period Period, metadataID int64, boundary, delta float64) error {
	table := TableName(period)
	query := Rebind(dialect, fmt.Sprintf(`UPDATE %s SET sum = sum + ? WHERE metadata_id = ? AND start_ts >= ? AND sum IS NOT NULL`, table))
	_, err := ex.ExecContext(ctx, query, delta, metadataID, boundary)
	return err
}

// RewriteUnitValues rewrites mean/min/max/state/sum for every row of a
// metadata_id through convert (spec.md §4.6 change unit). convert must
// be pure and side-effect free; it is called once per non-null value.
func RewriteUnitValues(ctx context.Context, ex Execer, dialect Dialect, period Period, metadataID int64, convert func(float64) float64) error {
	table := TableName(period)
	rows, err := ex.QueryContext(ctx, Rebind(dialect, fmt.Sprintf(`SELECT id, mean, min, max, state, sum FROM %s WHERE metadata_id = ?`, table)), metadataID)
	if err != nil {
		return err
	}
	type patch struct {
		id                       int64
		mean, min, max, st, sum  *float64
	}
	var patches []patch
	for rows.Next() {
		var p patch
		if err := rows.Scan(&p.id, &p.mean, &p.min, &p.max, &p.st, &p.sum); err != nil {
			rows.Close()
			return err
		}
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	applied := func(v *float64) *float64 {
		if v == nil {
			return nil
		}
		out := convert(*v)
		return &out
	}
	update := Rebind(dialect, fmt.Sprintf(`UPDATE %s SET mean=?, min=?, max=?, state=?, sum=? WHERE id=?`, table))
	for _, p := range patches {
		if _, err := ex.ExecContext(ctx, update, applied(p.mean), applied(p.min), applied(p.max), applied(p.st), applied(p.sum), p.id); err != nil {
			return err
		}
	}
	return nil
}

// ClearStatistics deletes every row in both row tables and the meta
// row for the given metadata_ids (spec.md §6 clear_statistics, SPEC_FULL.md §4).
func ClearStatistics(ctx context.Context, ex Execer, dialect Dialect, metadataIDs []int64) error {
	if len(metadataIDs) == 0 {
		return nil
	}
	for _, table := range []string{"statistics_short_term", "statistics"} {
		query, args := inClause(dialect, fmt.Sprintf(`DELETE FROM %s WHERE metadata_id IN (%%s)`, table), metadataIDs)
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return DeleteMeta(ctx, ex, dialect, metadataIDs)
}
