// Package schema implements the engine's schema validator (spec
// component C7): startup probes that detect a database that cannot
// hold the engine's data faithfully, and the ALTER TABLE corrections
// for the flags they raise.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"homestats/internal/storage"
)

// Flag names a schema defect a probe detected, e.g.
// "statistics_meta.4-byte UTF-8" or "statistics.double precision".
type Flag string

const (
	utf8Suffix      = "4-byte UTF-8"
	precisionSuffix = "double precision"
	timestampSuffix = "µs precision"
)

// Validator runs the probes of spec.md §4.7 and the corrections of
// correct_db_schema.
type Validator struct {
	store *storage.Store
}

func New(store *storage.Store) *Validator {
	return &Validator{store: store}
}

// Validate runs every applicable probe inside a single read-only
// transaction that is rolled back regardless of outcome, so probe
// writes never persist. Only probes relevant to the store's dialect
// run; SQLite has neither the utf8mb3 legacy nor the float-truncation
// issues MySQL/PostgreSQL can have.
func (v *Validator) Validate(ctx context.Context) ([]Flag, error) {
	var flags []Flag
	err := v.store.WithReadOnlyTx(ctx, func(tx *sql.Tx) error {
		if v.store.Dialect == storage.MySQL {
			if flag, err := v.probeUTF8Width(ctx, tx); err != nil {
				return err
			} else if flag != "" {
				flags = append(flags, flag)
			}
		}
		if v.store.Dialect == storage.MySQL || v.store.Dialect == storage.Postgres {
			for _, table := range []string{"statistics", "statistics_short_term"} {
				if flag, err := v.probeFloatPrecision(ctx, tx, table); err != nil {
					return err
				} else if flag != "" {
					flags = append(flags, flag)
				}
			}
			for _, table := range []string{"statistics", "statistics_short_term"} {
				if flag, err := v.probeTimestampPrecision(ctx, tx, table); err != nil {
					return err
				} else if flag != "" {
					flags = append(flags, flag)
				}
			}
		}
		return nil
	})
	return flags, err
}

// probeUTF8Width inserts a statistics_meta row carrying a 4-byte
// codepoint (outside the Basic Multilingual Plane) in statistic_id.
// A utf8mb3 column rejects it with MySQL error 1366; a utf8mb4 column
// accepts it cleanly.
func (v *Validator) probeUTF8Width(ctx context.Context, tx *sql.Tx) (Flag, error) {
	probeID := "schema_probe:\U0001F4A9" // U+1F4A9, a 4-byte UTF-8 codepoint
	_, err := tx.ExecContext(ctx,
		`INSERT INTO statistics_meta (statistic_id, source, unit_of_measurement, has_mean, has_sum) VALUES (?, 'probe', NULL, 0, 0)`,
		probeID)
	if err == nil {
		return "", nil
	}
	if strings.Contains(err.Error(), "1366") {
		return Flag("statistics_meta." + utf8Suffix), nil
	}
	return "", fmt.Errorf("schema: utf8 probe: %w", err)
}

// probeFloatPrecision inserts a row with a value that only survives a
// true DOUBLE PRECISION (or equivalent) column, then reads it back; a
// FLOAT/REAL column rounds it and the comparison fails.
func (v *Validator) probeFloatPrecision(ctx context.Context, tx *sql.Tx, table string) (Flag, error) {
	const probeValue = 1.000000000000001
	probeMetadataID := int64(-1)
	probeStart := probeTimestamp()

	query := storage.Rebind(v.store.Dialect, fmt.Sprintf(
		`INSERT INTO %s (metadata_id, start_ts, created_ts, mean) VALUES (?, ?, ?, ?)`, table))
	if _, err := tx.ExecContext(ctx, query, probeMetadataID, probeStart, probeStart, probeValue); err != nil {
		return "", fmt.Errorf("schema: float precision probe insert on %s: %w", table, err)
	}

	var readBack float64
	selectQuery := storage.Rebind(v.store.Dialect, fmt.Sprintf(
		`SELECT mean FROM %s WHERE metadata_id = ? AND start_ts = ?`, table))
	if err := tx.QueryRowContext(ctx, selectQuery, probeMetadataID, probeStart).Scan(&readBack); err != nil {
		return "", fmt.Errorf("schema: float precision probe read on %s: %w", table, err)
	}
	if readBack != probeValue {
		return Flag(table + "." + precisionSuffix), nil
	}
	return "", nil
}

// probeTimestampPrecision inserts a row whose start_ts carries a
// microsecond component in a far-future year chosen to avoid
// collision with legitimate data, reads it back, and flags loss of
// sub-second precision. At year-2999 magnitude a float64 mantissa
// can't actually resolve 1µs, so this only catches coarser
// (whole-second or worse) truncation; it mirrors the reference probe's
// shape rather than improving on it.
func (v *Validator) probeTimestampPrecision(ctx context.Context, tx *sql.Tx, table string) (Flag, error) {
	probeMetadataID := int64(-2)
	future := time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)
	probeStart := float64(future.Unix()) + 0.000001

	query := storage.Rebind(v.store.Dialect, fmt.Sprintf(
		`INSERT INTO %s (metadata_id, start_ts, created_ts) VALUES (?, ?, ?)`, table))
	if _, err := tx.ExecContext(ctx, query, probeMetadataID, probeStart, probeStart); err != nil {
		return "", fmt.Errorf("schema: timestamp precision probe insert on %s: %w", table, err)
	}

	var readBack float64
	selectQuery := storage.Rebind(v.store.Dialect, fmt.Sprintf(
		`SELECT start_ts FROM %s WHERE metadata_id = ?`, table))
	if err := tx.QueryRowContext(ctx, selectQuery, probeMetadataID).Scan(&readBack); err != nil {
		return "", fmt.Errorf("schema: timestamp precision probe read on %s: %w", table, err)
	}
	if readBack != probeStart {
		return Flag(table + "." + timestampSuffix), nil
	}
	return "", nil
}

func probeTimestamp() float64 {
	return float64(time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
}

// Correct applies correct_db_schema: for each flag, run the
// dialect-appropriate ALTER TABLE fix. Runs outside any transaction
// (DDL in MySQL/PostgreSQL implicitly commits, so there is nothing to
// gain from wrapping it).
func (v *Validator) Correct(ctx context.Context, flags []Flag) error {
	for _, flag := range flags {
		table, kind, ok := splitFlag(flag)
		if !ok {
			continue
		}
		var stmt string
		switch {
		case kind == utf8Suffix:
			stmt = fmt.Sprintf(`ALTER TABLE %s CONVERT TO CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci LOCK=EXCLUSIVE`, table)
		case kind == precisionSuffix:
			stmt = alterToDoublePrecision(v.store.Dialect, table)
		case kind == timestampSuffix:
			stmt = alterToDoublePrecision(v.store.Dialect, table)
		default:
			continue
		}
		if stmt == "" {
			continue
		}
		if _, err := v.store.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: correct %q: %w", flag, err)
		}
	}
	return nil
}

func splitFlag(flag Flag) (table, kind string, ok bool) {
	s := string(flag)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// alterToDoublePrecision returns the dialect-appropriate ALTER COLUMN
// statement widening a table's float columns to true double
// precision. MySQL's legacy FLOAT columns need an explicit MODIFY per
// column; PostgreSQL's REAL columns need ALTER COLUMN ... TYPE.
func alterToDoublePrecision(dialect storage.Dialect, table string) string {
	columns := []string{"mean", "min", "max", "state", "sum"}
	switch dialect {
	case storage.MySQL:
		parts := make([]string, len(columns))
		for i, c := range columns {
			parts[i] = fmt.Sprintf("MODIFY %s DOUBLE", c)
		}
		return fmt.Sprintf("ALTER TABLE %s %s", table, strings.Join(parts, ", "))
	case storage.Postgres:
		parts := make([]string, len(columns))
		for i, c := range columns {
			parts[i] = fmt.Sprintf("ALTER COLUMN %s TYPE DOUBLE PRECISION", c)
		}
		return fmt.Sprintf("ALTER TABLE %s %s", table, strings.Join(parts, ", "))
	default:
		return ""
	}
}
