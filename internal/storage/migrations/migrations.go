// Package migrations applies the embedded queue schema with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var files embed.FS

// Dialect selects the migration set and database driver.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Migrator wraps a migrate instance bound to one database handle. It takes
// ownership of the handle: Close closes it.
type Migrator struct {
	m *migrate.Migrate
}

// New builds a Migrator for db. Postgres handles must come from the pgx stdlib
// driver.
func New(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("migrations: db is required")
	}
	var (
		driver database.Driver
		err    error
		name   string
	)
	switch dialect {
	case SQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
		name = "sqlite3"
	case Postgres:
		driver, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
		name = "pgx5"
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s migrate driver: %w", dialect, err)
	}
	src, err := iofs.New(files, "sql/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Down rolls back steps migrations (at least one).
func (m *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	if err := m.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// Version returns the applied version; 0 when nothing was ever applied.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and the database handle.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil {
		return fmt.Errorf("close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration database: %w", dbErr)
	}
	return nil
}

// VersionQuery reads the applied version straight from the migrate bookkeeping
// table. Stores use it to report their schema version without a Migrator.
const VersionQuery = `SELECT version, dirty FROM schema_migrations LIMIT 1`
