// Package persistence re-exports the record store abstractions and opens the
// configured driver.
package persistence

import "adcontrol/internal/persistence/core"

type (
	// Driver identifies a record store backend.
	Driver = core.Driver
	// Store persists the serialized session record.
	Store = core.Store
)

const (
	DriverMemory   = core.DriverMemory
	DriverFile     = core.DriverFile
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres
	RecordKey      = core.RecordKey
)

// ErrNoRecord is returned by Load when nothing has been saved.
var ErrNoRecord = core.ErrNoRecord
