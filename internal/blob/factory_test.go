package blob

import (
	"bytes"
	"context"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	t.Setenv("ADCONTROL_BLOB_DRIVER", "")
	s, err := Open(ctx)
	if err != nil || s.Driver() != DriverMemory {
		t.Fatalf("expected memory default, got %v %v", s, err)
	}

	t.Setenv("ADCONTROL_BLOB_DRIVER", "fs")
	t.Setenv("ADCONTROL_BLOB_FS_ROOT", t.TempDir())
	s, err = Open(ctx)
	if err != nil || s.Driver() != DriverFilesystem {
		t.Fatalf("expected fs driver, got %v %v", s, err)
	}

	t.Setenv("ADCONTROL_BLOB_DRIVER", "s3")
	t.Setenv("ADCONTROL_BLOB_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected s3 driver to require a bucket")
	}

	t.Setenv("ADCONTROL_BLOB_DRIVER", "gcs")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestDriversShareLocatorContract(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, s := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		if _, err := s.Put(ctx, "order/1/x", bytes.NewReader([]byte("img")), PutOptions{ContentType: "image/png"}); err != nil {
			t.Fatalf("%s put: %v", s.Driver(), err)
		}
		loc, err := s.Locate(ctx, "order/1/x")
		if err != nil || loc == "" {
			t.Fatalf("%s locate: %q %v", s.Driver(), loc, err)
		}
		if ok, err := s.Delete(ctx, "order/1/x"); err != nil || !ok {
			t.Fatalf("%s delete: %v %v", s.Driver(), ok, err)
		}
	}
}
