package persistence

import (
	"context"
	"fmt"
	"os"

	"adcontrol/internal/infra/persistence/file"
	"adcontrol/internal/infra/persistence/memory"
	"adcontrol/internal/infra/persistence/postgres"
	"adcontrol/internal/infra/persistence/sqlite"
)

// Options selects and configures a record store driver.
type Options struct {
	Driver      Driver
	FilePath    string
	SQLitePath  string
	PostgresDSN string
}

// OptionsFromEnv reads the driver selection from environment variables.
//
//	ADCONTROL_SESSION_DRIVER: memory|file|sqlite|postgres (default file)
//	ADCONTROL_SESSION_FILE: record path when driver=file
//	ADCONTROL_SQLITE_PATH: database path when driver=sqlite (default ./adcontrol.db)
//	ADCONTROL_POSTGRES_DSN: DSN when driver=postgres
func OptionsFromEnv() Options {
	return Options{
		Driver:      Driver(os.Getenv("ADCONTROL_SESSION_DRIVER")),
		FilePath:    os.Getenv("ADCONTROL_SESSION_FILE"),
		SQLitePath:  os.Getenv("ADCONTROL_SQLITE_PATH"),
		PostgresDSN: os.Getenv("ADCONTROL_POSTGRES_DSN"),
	}
}

// Open constructs the store named by opts.Driver. An empty driver means file.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFile
	}
	switch driver {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverFile:
		return file.New(opts.FilePath), nil
	case DriverSQLite:
		return sqlite.NewStore(ctx, opts.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown session driver %s", driver)
	}
}
