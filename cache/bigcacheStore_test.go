package cache

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBigcacheStore() *BigcacheStore {
	return NewBigcacheStore(zerolog.New(io.Discard), 64, 10*time.Minute)
}

func TestBigcachePutGet(t *testing.T) {
	store := newTestBigcacheStore()

	entry := testEntry("/data/lga-boundaries.geojson")
	if err := store.Put("vicmap-runtime-v1", entry); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got, err := store.Get("vicmap-runtime-v1", entry.Key)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(got.Body) != string(entry.Body) {
		t.Errorf("Expected body %s, got %s", entry.Body, got.Body)
	}

	_, err = store.Get("vicmap-static-v1", entry.Key)
	if err != ErrCacheMiss {
		t.Errorf("Expected %v, got %v", ErrCacheMiss, err)
	}
}

func TestBigcacheOverwrite(t *testing.T) {
	store := newTestBigcacheStore()

	entry := testEntry("/data/ambulance.geojson")
	if err := store.Put("vicmap-runtime-v1", entry); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	refreshed := testEntry(entry.Key)
	refreshed.Body = []byte(`{"type":"FeatureCollection","features":[{}]}`)
	if err := store.Put("vicmap-runtime-v1", refreshed); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got, err := store.Get("vicmap-runtime-v1", entry.Key)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(got.Body) != string(refreshed.Body) {
		t.Errorf("Expected refreshed body, got %s", got.Body)
	}
}

func TestBigcacheDropNamespace(t *testing.T) {
	store := newTestBigcacheStore()

	if err := store.Put("vicmap-static-v1", testEntry("/index.html")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.Put("vicmap-static-v2", testEntry("/index.html")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if err := store.DropNamespace("vicmap-static-v1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	names, err := store.Namespaces()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(names) != 1 || names[0] != "vicmap-static-v2" {
		t.Errorf("Expected [vicmap-static-v2], got %v", names)
	}

	if _, err := store.Get("vicmap-static-v1", "/index.html"); err != ErrCacheMiss {
		t.Errorf("Expected %v, got %v", ErrCacheMiss, err)
	}
	if _, err := store.Get("vicmap-static-v2", "/index.html"); err != nil {
		t.Errorf("Expected surviving namespace to keep its entries, got %v", err)
	}

	// Dropping an unknown namespace is a no-op.
	if err := store.DropNamespace("vicmap-static-v0"); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestBigcacheValidation(t *testing.T) {
	store := newTestBigcacheStore()

	if err := store.Put("vicmap-runtime-v1", nil); err != ErrEntryNil {
		t.Errorf("Expected %v, got %v", ErrEntryNil, err)
	}
	if _, err := store.Get("vicmap-runtime-v1", ""); err != ErrInvalidKey {
		t.Errorf("Expected %v, got %v", ErrInvalidKey, err)
	}
	if err := store.Delete("vicmap-runtime-v1", "/absent"); err != ErrCacheMiss {
		t.Errorf("Expected %v, got %v", ErrCacheMiss, err)
	}
}
