// Package core defines the durable record abstraction behind the token session.
// Drivers under internal/infra/persistence implement Store; the parent package
// selects one from the environment.
package core

import (
	"context"
	"errors"
)

// Driver identifies a concrete record store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // process memory (tests, ephemeral hosts)
	DriverFile     Driver = "file"     // single JSON file (default)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite database
	DriverPostgres Driver = "postgres" // shared PostgreSQL server
)

// RecordKey names the single record holding the serialized session.
const RecordKey = "adcontrol.standalone.session.v1"

// Store persists one opaque record. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored payload or ErrNoRecord.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the payload.
	Save(ctx context.Context, payload []byte) error
	// Delete removes the payload. Deleting a missing record is not an error.
	Delete(ctx context.Context) error
	// Driver reports the backend.
	Driver() Driver
}

// ErrNoRecord is returned by Load when nothing has been saved.
var ErrNoRecord = errors.New("persistence: no record")
