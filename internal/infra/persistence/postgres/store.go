// Package postgres stores the session record in a shared PostgreSQL database,
// for hosts that run several client processes against one identity.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"adcontrol/internal/persistence/core"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ core.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/adcontrol?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store keeps one row per record key in session_record.
type Store struct {
	db  *sql.DB
	key string
}

// NewStore opens the database at dsn (defaultDSN when empty) and ensures the table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewStoreWithDB(ctx, db)
}

// NewStoreWithDB wraps an existing handle; tests pass the stub driver here.
func NewStoreWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS session_record (
		key TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure session_record table: %w", err)
	}
	return &Store{db: db, key: core.RecordKey}, nil
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverPostgres }

// Load implements core.Store.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM session_record WHERE key = $1`, s.key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("select session record: %w", err)
	}
	return payload, nil
}

// Save implements core.Store.
func (s *Store) Save(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_record(key, payload) VALUES($1, $2) ON CONFLICT(key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		s.key, payload)
	if err != nil {
		return fmt.Errorf("upsert session record: %w", err)
	}
	return nil
}

// Delete implements core.Store.
func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_record WHERE key = $1`, s.key); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

// DB exposes the handle for integration hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
