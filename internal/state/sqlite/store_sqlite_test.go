package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreCreatesParentDirAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "exec:order:a", "{}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "exec:order:b", "{}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "ops:audit:1", "{}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.CountPrefix(ctx, "exec:order:")
	if err != nil {
		t.Fatalf("count prefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 order receipts, got %d", n)
	}
}
