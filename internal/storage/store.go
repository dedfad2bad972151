package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Store wraps a *sql.DB with the four statistics tables and the
// dialect-aware DDL needed to create them. All write access outside of
// this package's migration helpers goes through a single
// *sql.Tx handed to the caller by WithTx, matching spec.md §5's
// single-writer model (the taskqueue package owns the goroutine that
// calls WithTx).
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{DB: db, Dialect: dialect}
}

// Init creates the four tables and their indices if they don't exist.
// Column types are kept portable across the three dialects: epoch
// timestamps as DOUBLE PRECISION/REAL, ids as BIGINT/INTEGER.
func (s *Store) Init(ctx context.Context) error {
	var floatType, idType, autoIncrement string
	switch s.Dialect {
	case SQLite:
		floatType, idType, autoIncrement = "REAL", "INTEGER", "AUTOINCREMENT"
	case Postgres:
		floatType, idType, autoIncrement = "DOUBLE PRECISION", "BIGINT GENERATED ALWAYS AS IDENTITY", ""
	case MySQL:
		floatType, idType, autoIncrement = "DOUBLE", "BIGINT", "AUTO_INCREMENT"
	}

	pk := "id " + idType + " PRIMARY KEY " + autoIncrement
	if s.Dialect == Postgres {
		pk = "id " + idType + " PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS statistics_meta (
			%s,
			statistic_id VARCHAR(255) NOT NULL,
			source VARCHAR(32) NOT NULL,
			unit_of_measurement VARCHAR(255),
			name VARCHAR(255),
			has_mean BOOLEAN NOT NULL,
			has_sum BOOLEAN NOT NULL,
			UNIQUE(statistic_id)
		)`, pk),
		s.rowTableDDL("statistics_short_term", pk, floatType),
		s.rowTableDDL("statistics", pk, floatType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS statistics_runs (
			%s,
			start %s NOT NULL,
			UNIQUE(start)
		)`, pk, floatType),
		`CREATE INDEX IF NOT EXISTS ix_statistics_short_term_metadata_id_start_ts ON statistics_short_term(metadata_id, start_ts)`,
		`CREATE INDEX IF NOT EXISTS ix_statistics_metadata_id_start_ts ON statistics(metadata_id, start_ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) rowTableDDL(table, pk, floatType string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s,
		metadata_id BIGINT NOT NULL,
		start_ts %s NOT NULL,
		created_ts %s NOT NULL,
		last_reset_ts %s,
		mean %s,
		min %s,
		max %s,
		state %s,
		sum %s,
		UNIQUE(metadata_id, start_ts)
	)`, table, pk, floatType, floatType, floatType, floatType, floatType, floatType, floatType, floatType)
}

// TableName returns the persisted table name for a period.
func TableName(p Period) string {
	if p == ShortTerm {
		return "statistics_short_term"
	}
	return "statistics"
}

// Execer is satisfied by both *sql.DB and *sql.Tx, letting CRUD
// helpers run inside or outside an explicit transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// WithReadOnlyTx runs fn inside a transaction that is always rolled
// back, regardless of fn's outcome. Used by the schema validator
// (spec.md §4.7): "probes run at startup in a read-only session whose
// outer scope always rolls back."
func (s *Store) WithReadOnlyTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin probe tx: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// Rebind rewrites a query written with '?' placeholders into the
// dialect's native placeholder syntax. SQLite and MySQL accept '?'
// directly; Postgres requires positional '$1'..'$n'.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertRow inserts a single statistics row. Callers that must survive
// a unique-constraint collision should check storage.IsUniqueViolation
// on the returned error (spec.md §7(b)).
func InsertRow(ctx context.Context, ex Execer, dialect Dialect, period Period, row Row) error {
	table := TableName(period)
	query := Rebind(dialect, fmt.Sprintf(`INSERT INTO %s
		(metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
	_, err := ex.ExecContext(ctx, query,
		row.MetadataID, row.StartTS, row.CreatedTS, row.LastResetTS,
		row.Mean, row.Min, row.Max, row.State, row.Sum)
	return err
}

// UpsertRow inserts a row, or if (metadata_id, start_ts) already
// exists, overwrites every scalar column — the "update in place"
// semantics import uses (spec.md §4.6).
func UpsertRow(ctx context.Context, ex Execer, dialect Dialect, period Period, row Row) error {
	table := TableName(period)
	var query string
	switch dialect {
	case SQLite, Postgres:
		query = Rebind(dialect, fmt.Sprintf(`INSERT INTO %s
			(metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(metadata_id, start_ts) DO UPDATE SET
				created_ts=excluded.created_ts, last_reset_ts=excluded.last_reset_ts,
				mean=excluded.mean, min=excluded.min, max=excluded.max,
				state=excluded.state, sum=excluded.sum`, table))
	case MySQL:
		query = fmt.Sprintf(`INSERT INTO %s
			(metadata_id, start_ts, created_ts, last_reset_ts, mean, min, max, state, sum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				created_ts=VALUES(created_ts), last_reset_ts=VALUES(last_reset_ts),
				mean=VALUES(mean), min=VALUES(min), max=VALUES(max),
				state=VALUES(state), sum=VALUES(sum)`, table)
	}
	_, err := ex.ExecContext(ctx, query,
		row.MetadataID, row.StartTS, row.CreatedTS, row.LastResetTS,
		row.Mean, row.Min, row.Max, row.State, row.Sum)
	return err
}

// RunMarkerExists reports whether a compaction run for start already
// completed (spec.md §4.4 step 1).
func RunMarkerExists(ctx context.Context, ex Execer, dialect Dialect, start float64) (bool, error) {
	var id int64
	query := Rebind(dialect, `SELECT id FROM statistics_runs WHERE start = ?`)
	err := ex.QueryRowContext(ctx, query, start).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertRunMarker records a completed 5-minute compaction run.
func InsertRunMarker(ctx context.Context, ex Execer, dialect Dialect, start float64) error {
	query := Rebind(dialect, `INSERT INTO statistics_runs (start) VALUES (?)`)
	_, err := ex.ExecContext(ctx, query, start)
	return err
}

// LatestRunMarker returns the start_ts of the most recently completed
// 5-minute compaction run, and false if none has ever run. Used by
// the catch-up sweep (spec.md §4.4 "Missing statistics catch-up") to
// find where to resume from.
func LatestRunMarker(ctx context.Context, ex Execer, dialect Dialect) (float64, bool, error) {
	var start float64
	query := `SELECT start FROM statistics_runs ORDER BY start DESC LIMIT 1`
	err := ex.QueryRowContext(ctx, query).Scan(&start)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return start, true, nil
}
