package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := "requests/abc/soa/v1.pdf"
	if err := store.Put(ctx, key, []byte("document")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "document" {
		t.Fatalf("unexpected content %q", data)
	}
	if _, err := store.Get(ctx, "requests/missing"); err == nil {
		t.Fatal("missing key must fail")
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("traversal key must be rejected")
	}
	if err := store.Put(ctx, "/absolute", []byte("x")); err == nil {
		t.Fatal("absolute key must be rejected")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape")); !os.IsNotExist(err) {
		t.Fatal("nothing may be written outside the root")
	}
}

func TestMemStoreCopiesData(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	payload := []byte("original")
	if err := store.Put(ctx, "k", payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	payload[0] = 'X'
	data, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "original" {
		t.Fatalf("store must keep its own copy, got %q", data)
	}
}
