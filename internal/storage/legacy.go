package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// legacyColumns names the pre-float-epoch datetime columns the
// original recorder schema stored before its own "timestamp" schema
// migration (spec.md §6: "a legacy-schema migration converts an older
// datetime representation, blanking the old columns"). A database
// created by Store.Init never has these; they only appear on a
// pre-existing database file/dump the engine is pointed at.
var legacyColumns = []struct{ old, new string }{
	{"start", "start_ts"},
	{"created", "created_ts"},
	{"last_reset", "last_reset_ts"},
}

// HasLegacyTimestampColumns reports whether table still carries the
// old datetime-typed columns alongside (or instead of) the float
// epoch columns Store.Init creates.
func (s *Store) HasLegacyTimestampColumns(ctx context.Context, table string) (bool, error) {
	existing, err := s.columnSet(ctx, table)
	if err != nil {
		return false, err
	}
	for _, c := range legacyColumns {
		if existing[c.old] {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) columnSet(ctx context.Context, table string) (map[string]bool, error) {
	out := make(map[string]bool)
	switch s.Dialect {
	case SQLite:
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
		if err != nil {
			return nil, fmt.Errorf("storage: pragma table_info(%s): %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, colType string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
				return nil, err
			}
			out[name] = true
		}
		return out, rows.Err()
	default:
		rows, err := s.DB.QueryContext(ctx,
			Rebind(s.Dialect, `SELECT column_name FROM information_schema.columns WHERE table_name = ?`), table)
		if err != nil {
			return nil, fmt.Errorf("storage: information_schema.columns(%s): %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			out[name] = true
		}
		return out, rows.Err()
	}
}

// MigrateLegacyTimestamps converts table's old datetime columns into
// the float epoch columns the rest of the engine reads and blanks the
// old columns (spec.md §6). On SQLite the whole table is converted
// unconditionally by one UPDATE and the old columns are then blanked
// by a second whole-table UPDATE; on MySQL/PostgreSQL rows are
// converted and blanked in the same UPDATE, in batches of 250,000 at
// a time so the migration
// doesn't hold one giant transaction against a live table.
func (s *Store) MigrateLegacyTimestamps(ctx context.Context, table string) (int64, error) {
	has, err := s.HasLegacyTimestampColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, nil
	}

	epoch := func(dialect Dialect, col string) string {
		switch dialect {
		case SQLite:
			return fmt.Sprintf("strftime('%%s', %s)", col)
		case Postgres:
			return fmt.Sprintf("EXTRACT(EPOCH FROM %s)", col)
		default: // MySQL
			return fmt.Sprintf("UNIX_TIMESTAMP(%s)", col)
		}
	}

	setClauses := make([]string, 0, len(legacyColumns))
	blankClauses := make([]string, 0, len(legacyColumns))
	for _, c := range legacyColumns {
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", c.new, epoch(s.Dialect, c.old)))
		blankClauses = append(blankClauses, fmt.Sprintf("%s = NULL", c.old))
	}

	if s.Dialect == SQLite {
		query := fmt.Sprintf(`UPDATE %s SET %s`, table, join(setClauses, ", "))
		res, err := s.DB.ExecContext(ctx, query)
		if err != nil {
			return 0, fmt.Errorf("storage: migrate legacy timestamps on %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		blank := fmt.Sprintf(`UPDATE %s SET %s`, table, join(blankClauses, ", "))
		if _, err := s.DB.ExecContext(ctx, blank); err != nil {
			return n, fmt.Errorf("storage: blank legacy columns on %s: %w", table, err)
		}
		return n, nil
	}

	// The old column is blanked in the same UPDATE as the conversion, not
	// in a trailing pass: a batch is selected by "old IS NOT NULL", so a
	// row must drop out of that predicate as soon as it's converted or
	// the batch never shrinks (Postgres: same ≤batchSize rows re-selected
	// forever) or the un-migrated remainder gets its timestamps wiped by
	// a naive trailing blank (MySQL: RowsAffected goes to 0 once the
	// no-op second pass re-writes identical values, ending the loop
	// early).
	allClauses := make([]string, 0, len(setClauses)+len(blankClauses))
	allClauses = append(allClauses, setClauses...)
	allClauses = append(allClauses, blankClauses...)
	setAndBlank := join(allClauses, ", ")

	const batchSize = 250_000
	var total int64
	for {
		query := batchMigrateQuery(s.Dialect, table, setAndBlank)
		res, err := s.DB.ExecContext(ctx, query, batchSize)
		if err != nil {
			return total, fmt.Errorf("storage: migrate legacy timestamps on %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// batchMigrateQuery builds one batch's UPDATE statement: setAndBlank
// must carry both the epoch conversion and the old-column blank, so a
// converted row drops out of the "old IS NOT NULL" candidate predicate
// on the very next batch. MySQL refuses to select from the table it is
// updating directly, so its candidate scan is wrapped in a derived
// table; other dialects select the candidate ids directly and go
// through Rebind for the placeholder style.
func batchMigrateQuery(dialect Dialect, table, setAndBlank string) string {
	if dialect == MySQL {
		return fmt.Sprintf(
			`UPDATE %s SET %s WHERE id IN (SELECT id FROM (SELECT id FROM %s WHERE %s IS NOT NULL LIMIT ?) AS batch)`,
			table, setAndBlank, table, legacyColumns[0].old)
	}
	return Rebind(dialect, fmt.Sprintf(
		`UPDATE %s SET %s WHERE id IN (SELECT id FROM %s WHERE %s IS NOT NULL LIMIT ?)`,
		table, setAndBlank, table, legacyColumns[0].old))
}
