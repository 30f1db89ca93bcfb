package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/storage/memory"
	"github.com/JakeFAU/crawlqueue/internal/storage/migrations"
	pgstore "github.com/JakeFAU/crawlqueue/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/crawlqueue/internal/storage/sqlite"
)

// ErrNoSchema is returned when migrations are requested for the memory backend.
var ErrNoSchema = errors.New("memory backend has no schema to migrate")

// Backend bundles the item store and audit log of one storage backend.
type Backend struct {
	Name  string
	Store queue.Store
	Audit queue.AuditLog

	sqlite *sqlitestore.Store
	pool   *pgxpool.Pool
}

// OpenBackend connects the configured store. With AutoMigrate set the schema
// is brought up to date before the backend is returned.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{Name: cfg.Backend}
	switch cfg.Backend {
	case config.BackendMemory:
		b.Store = memory.NewItemStore()
		b.Audit = memory.NewAuditLog()
		logger.Info("using in-memory store")
		return b, nil
	case config.BackendSQLite:
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: cfg.SQLite.Path, BusyTimeout: cfg.SQLite.BusyTimeout})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		b.sqlite = s
		b.Store = s
		b.Audit = sqlitestore.NewAuditLog(s.DB())
		logger.Info("using sqlite store", zap.String("path", cfg.SQLite.Path))
	case config.BackendPostgres:
		p, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool init failed: %w", err)
		}
		store, err := pgstore.NewItemStoreWithPool(p)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		b.pool = p
		b.Store = store
		b.Audit = pgstore.NewAuditLogWithPool(p)
		logger.Info("using postgres store",
			zap.Int32("max_conns", cfg.Postgres.MaxConns),
			zap.Int32("min_conns", cfg.Postgres.MinConns),
		)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if cfg.AutoMigrate {
		if err := b.migrateUp(); err != nil {
			_ = b.Close()
			return nil, err
		}
		logger.Info("schema migrated", zap.Uint("version", queue.SchemaVersion))
	}
	return b, nil
}

func (b *Backend) migrateUp() error {
	switch {
	case b.sqlite != nil:
		if err := b.sqlite.Migrate(); err != nil {
			return fmt.Errorf("sqlite migrate failed: %w", err)
		}
	case b.pool != nil:
		if err := pgstore.Migrate(b.pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	return nil
}

// Migrator returns a migrator bound to the backend's database. Closing it
// closes the database handle it was given; for sqlite that is the store's own
// handle, so the backend must not be used afterwards.
func (b *Backend) Migrator() (*migrations.Migrator, error) {
	switch {
	case b.sqlite != nil:
		return migrations.New(b.sqlite.DB().DB, migrations.SQLite)
	case b.pool != nil:
		return migrations.New(stdlib.OpenDBFromPool(b.pool), migrations.Postgres)
	default:
		return nil, ErrNoSchema
	}
}

// Close releases the store.
func (b *Backend) Close() error {
	if b == nil || b.Store == nil {
		return nil
	}
	if err := b.Store.Close(); err != nil {
		return fmt.Errorf("close %s store: %w", b.Name, err)
	}
	return nil
}
