package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect names the three relational back ends the engine supports.
// The engine itself is dialect-agnostic except where spec.md §4.7/§6
// calls for dialect-specific probes and migrations.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ErrInMemoryDatabase is returned by Open when given a SQLite
// in-memory DSN. spec.md §6: "an in-memory SQLite URL is rejected at
// construction."
var ErrInMemoryDatabase = fmt.Errorf("storage: in-memory sqlite databases are not supported")

// Open validates dsn and opens a *sql.DB for the given dialect. Only
// the SQLite path touches the database here (its PRAGMA setup); the
// Postgres and MySQL handles connect lazily on first use.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case SQLite:
		if isInMemoryDSN(dsn) {
			return nil, ErrInMemoryDatabase
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("storage: enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
		}
		return db, nil
	case Postgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		return db, nil
	case MySQL:
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("storage: open mysql: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unknown dialect %q", dialect)
	}
}

func isInMemoryDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return dsn == "" ||
		strings.Contains(lower, ":memory:") ||
		strings.Contains(lower, "mode=memory")
}

// IsUniqueViolation recognizes the dialect-specific unique-constraint
// signature named in spec.md §7(b): SQLite's text message, Postgres
// SQLSTATE 23505, MySQL error 1062.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// modernc.org/sqlite's error type doesn't implement errors.Is/As
	// against a stable sentinel across versions; spec.md §7(b) names
	// the text signature explicitly, so fall back to it for SQLite.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY must be unique")
}

// IsTransient recognizes errors the task queue runtime should retry
// (spec.md §7(c)): connection resets, deadlocks, serialization
// failures. This is deliberately conservative — unrecognized errors
// are not retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "08006", "08003", "08000":
			return true
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 2006, 2013:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection reset")
}
