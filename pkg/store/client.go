// Package store provides the Store: the engine's single-writer SQLite
// persistence layer (spec.md §4.1). All mutations go through Store methods;
// multi-statement mutations run inside a single transaction.
package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps a SQLite connection pool configured for the engine's
// single-writer discipline (spec.md §4.1, §5): WAL journaling, and exactly
// one open connection so the "single-writer" invariant is physically
// enforced rather than only a convention observed by callers. Reads share
// that connection, so a read waits while a transaction holds it.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an already-open *sqlx.DB for callers that manage the
// connection lifecycle themselves. It runs no migrations.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle for health checks and direct queries.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// HealthStatus reports connectivity and pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	OpenConnections int    `json:"openConnections"`
	InUse           int    `json:"inUse"`
	Idle            int    `json:"idle"`
}

// Health pings the database and returns pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy"}, err
	}
	stats := s.db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
	}, nil
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
