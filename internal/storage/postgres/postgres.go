// Package postgres implements the storage interface on PostgreSQL.
//
// Connections go through database/sql with the pgx stdlib driver; queries
// use sqlx for struct scanning. The schema is managed by embedded goose
// migrations so a fresh database is ready after Migrate.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx with database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/cohortforge/sieve/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Verify Store implements storage.Storage at compile time
var _ storage.Storage = (*Store)(nil)

// Store is the PostgreSQL-backed storage implementation.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the database and verifies the connection. It does not
// run migrations; call Migrate separately so workers that share a database
// with the API server do not race on schema changes.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewFromDB wraps an existing connection. Used by tests with sqlmock.
func NewFromDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	s.logger.Info("migrations applied")
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.DownContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	s.logger.Info("migration rolled back")
	return nil
}

// MigrationStatus returns the current database version.
func (s *Store) MigrationStatus(ctx context.Context) (int64, error) {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("set migration dialect: %w", err)
	}
	v, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return 0, fmt.Errorf("migration status: %w", err)
	}
	return v, nil
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a dedicated transaction. Multi-statement store
// methods use it so they stay atomic even when the caller is not inside
// RunInTransaction.
func (s *Store) withTx(ctx context.Context, fn func(q *queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&queries{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
