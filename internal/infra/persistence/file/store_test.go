package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"adcontrol/internal/persistence/core"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "session.json")
	store := New(path)
	if store.Driver() != core.DriverFile || store.Path() != path {
		t.Fatalf("unexpected driver/path %s %s", store.Driver(), store.Path())
	}
	if _, err := store.Load(ctx); !errors.Is(err, core.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
	if err := store.Save(ctx, []byte(`{"accessToken":"a"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, []byte(`{"accessToken":"b"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := New(path).Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"accessToken":"b"}` {
		t.Fatalf("unexpected payload %s", got)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("expected 0600, got %o", perm)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be cleaned up, got %d entries", len(entries))
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, core.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord after delete, got %v", err)
	}
}

func TestDefaultPathHonoursXDGStateHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)
	want := filepath.Join(dir, "adcontrol", "session.json")
	if got := DefaultPath(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := New("").Path(); got != want {
		t.Fatalf("expected New to use default path, got %s", got)
	}
}
