package blob

import (
	"context"
	"fmt"
	"os"

	"adcontrol/internal/infra/blob/fs"
	memorystore "adcontrol/internal/infra/blob/memory"
	infraS3 "adcontrol/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// Open selects a blob.Store implementation using environment variables.
//
//	ADCONTROL_BLOB_DRIVER: memory|fs|s3 (default memory)
//	ADCONTROL_BLOB_FS_ROOT: directory root when driver=fs (default a temp dir)
//	ADCONTROL_BLOB_S3_*: see infra/blob/s3
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("ADCONTROL_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverMemory)
	}
	switch Driver(driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("ADCONTROL_BLOB_FS_ROOT"))
	case DriverS3:
		return infraS3.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns an in-memory blob.Store.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem constructs a filesystem-backed blob.Store rooted at root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewS3 constructs an S3-backed blob.Store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return infraS3.New(ctx, cfg) }

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
