// Package postgres implements the storage interfaces on PostgreSQL with
// PostGIS. Buffered distance and area run on geography casts so the
// 20-meter adjacency threshold is computed in meters regardless of
// latitude; intersection tests run on the stored geometry.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/storage"
)

// undefinedTable is the SQLSTATE lib/pq reports when a relation is
// missing; the municipalities table is allowed to be absent.
const undefinedTable = "42P01"

// Store is the PostGIS-backed implementation of storage.Store.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	projects       *ProjectStore
	moratoriums    *MoratoriumStore
	municipalities *MunicipalityStore
	audit          *AuditLog
}

// Open connects to the database and wires the per-entity stores.
func Open(cfg storage.Config, log *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	return NewStore(db, log), nil
}

// NewStore wraps an existing connection pool. Used by Open and by tests
// that substitute a mocked *sql.DB.
func NewStore(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, log: log}
	s.audit = &AuditLog{db: db}
	s.projects = &ProjectStore{db: db, audit: s.audit, log: log}
	s.moratoriums = &MoratoriumStore{db: db, log: log}
	s.municipalities = &MunicipalityStore{db: db, log: log}
	return s
}

func (s *Store) Projects() storage.ProjectStore            { return s.projects }
func (s *Store) Moratoriums() storage.MoratoriumStore      { return s.moratoriums }
func (s *Store) Municipalities() storage.MunicipalityStore { return s.municipalities }
func (s *Store) Audit() storage.AuditLog                   { return s.audit }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUndefinedTable reports whether err is a missing-relation failure.
func isUndefinedTable(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return string(pqErr.Code) == undefinedTable
	}
	return false
}
