package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"
)

// chunkSize caps deletes per statement at one below SQLite's
// bind-variable limit (spec.md §4.6 duplicate repair).
const chunkSize = 998

// DuplicateRowGroup is a set of rows sharing (metadata_id, start_ts).
type DuplicateRowGroup struct {
	MetadataID int64
	StartTS    float64
	KeepID     int64
	Rows       []rowWithID
}

type rowWithID struct {
	ID  int64
	Row Row
}

// FindDuplicateRows scans period's table for (metadata_id, start_ts)
// collisions, grouping by key and keeping the lowest id.
func FindDuplicateRows(ctx context.Context, ex Execer, period Period) ([]DuplicateRowGroup, error) {
	table := TableName(period)
	rows, err := ex.QueryContext(ctx, fmt.Sprintf(`SELECT id, metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum
		FROM %s ORDER BY metadata_id, start_ts, id`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type key struct {
		metadataID int64
		startTS    float64
	}
	byKey := make(map[key][]rowWithID)
	var order []key
	for rows.Next() {
		var id int64
		var r Row
		if err := rows.Scan(&id, &r.MetadataID, &r.StartTS, &r.CreatedTS, &r.LastResetTS, &r.Mean, &r.Min, &r.Max, &r.State, &r.Sum); err != nil {
			return nil, err
		}
		k := key{r.MetadataID, r.StartTS}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], rowWithID{ID: id, Row: r})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups []DuplicateRowGroup
	for _, k := range order {
		entries := byKey[k]
		if len(entries) < 2 {
			continue
		}
		groups = append(groups, DuplicateRowGroup{
			MetadataID: k.metadataID,
			StartTS:    k.startTS,
			KeepID:     entries[0].ID,
			Rows:       entries,
		})
	}
	return groups, nil
}

// RepairDuplicateRows deletes every duplicate beyond the lowest id in
// each group, in chunks of chunkSize, and writes a JSON backup file of
// any duplicate whose payload differed from the kept row (spec.md
// §4.6, scenario 6 of spec.md §8).
func RepairDuplicateRows(ctx context.Context, db *sql.DB, dialect Dialect, period Period, backupDir string) (deleted int, backupPath string, err error) {
	groups, err := FindDuplicateRows(ctx, db, period)
	if err != nil {
		return 0, "", err
	}
	if len(groups) == 0 {
		return 0, "", nil
	}

	var toDelete []int64
	var mismatched []map[string]any
	for _, g := range groups {
		keep := g.Rows[0]
		for _, dup := range g.Rows[1:] {
			toDelete = append(toDelete, dup.ID)
			if !reflect.DeepEqual(keep.Row, dup.Row) {
				mismatched = append(mismatched, map[string]any{
					"metadata_id": g.MetadataID,
					"start_ts":    g.StartTS,
					"kept_id":     keep.ID,
					"dropped_id":  dup.ID,
					"kept":        keep.Row,
					"dropped":     dup.Row,
				})
			}
		}
	}

	if len(mismatched) > 0 {
		backupPath = filepath.Join(backupDir, fmt.Sprintf("duplicate_rows_%s_%d.json", TableName(period), time.Now().Unix()))
		data, err := json.MarshalIndent(mismatched, "", "  ")
		if err != nil {
			return 0, "", fmt.Errorf("storage: marshal duplicate backup: %w", err)
		}
		if err := os.WriteFile(backupPath, data, 0o644); err != nil {
			return 0, "", fmt.Errorf("storage: write duplicate backup: %w", err)
		}
	}

	table := TableName(period)
	for i := 0; i < len(toDelete); i += chunkSize {
		end := i + chunkSize
		if end > len(toDelete) {
			end = len(toDelete)
		}
		chunk := toDelete[i:end]
		query, args := inClause(dialect, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%%s)`, table), chunk)
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return deleted, backupPath, err
		}
		deleted += len(chunk)
	}
	return deleted, backupPath, nil
}
