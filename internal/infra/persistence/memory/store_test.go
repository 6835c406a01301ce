package memory

import (
	"context"
	"errors"
	"testing"

	"adcontrol/internal/persistence/core"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	if _, err := store.Load(ctx); !errors.Is(err, core.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
	payload := []byte(`{"accessToken":"a"}`)
	if err := store.Save(ctx, payload); err != nil {
		t.Fatalf("save: %v", err)
	}
	payload[2] = 'X'
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"accessToken":"a"}` {
		t.Fatalf("store must copy payloads, got %s", got)
	}
	got[0] = '!'
	again, _ := store.Load(ctx)
	if again[0] != '{' {
		t.Fatalf("load must return a copy")
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, core.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord after delete, got %v", err)
	}
	if store.Saves() != 1 {
		t.Fatalf("expected 1 save, got %d", store.Saves())
	}
}

func TestMemoryStoreEmptyPayloadIsARecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.Save(ctx, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %q", got)
	}
}
