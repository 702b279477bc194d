// SPDX-License-Identifier: Apache-2.0

// Package sqldb implements storage.Store on database/sql via sqlx, with
// SQLite (modernc.org/sqlite) and PostgreSQL (pgx stdlib) backends and
// embedded goose migrations.
package sqldb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"
)

// DB implements storage.Store.
type DB struct {
	db     *sqlx.DB
	driver string
}

var _ storage.Store = (*DB)(nil)

// Open connects to the database named by databaseURL, applies pending
// migrations, and returns the store. Supported URL schemes:
//
//	sqlite:<path>           (":memory:" for an in-memory database)
//	postgres://...          (also postgresql://)
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	driver, dsn, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if driver == driverSQLite {
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent handlers.
		db.SetMaxOpenConns(1)
	}

	s := &DB{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func parseDatabaseURL(databaseURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite:"):
		path := strings.TrimPrefix(databaseURL, "sqlite:")
		if path == "" {
			return "", "", errors.New("sqlite database path is empty")
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
		return driverSQLite, dsn, nil
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return driverPostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported database URL scheme: %q", databaseURL)
	}
}

func (s *DB) migrate(ctx context.Context) error {
	var (
		dialect database.Dialect
		dir     string
	)
	switch s.driver {
	case driverSQLite:
		dialect, dir = database.DialectSQLite3, "migrations/sqlite"
	case driverPostgres:
		dialect, dir = database.DialectPostgres, "migrations/postgres"
	default:
		return fmt.Errorf("no migrations for driver %q", s.driver)
	}

	migrationFS, err := fs.Sub(embedMigrations, dir)
	if err != nil {
		return fmt.Errorf("creating migration sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, s.db.DB, migrationFS)
	if err != nil {
		return fmt.Errorf("creating goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *DB) Close() error {
	return s.db.Close()
}

// isUniqueViolation detects a uniqueness-constraint error from either
// backend.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sqlx.Tx) { _ = tx.Rollback() }
