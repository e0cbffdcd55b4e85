package bunkv

import (
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// openTestDB opens a fresh Database rooted at a temp directory and
// registers a cleanup that closes it.
func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesDefaultCollection(t *testing.T) {
	db := openTestDB(t)
	cols := db.ListCollections()
	if len(cols) != 1 {
		t.Fatalf("expected exactly the default collection, got %d", len(cols))
	}
	if cols[0].Name != defaultCollectionName || cols[0].Handle != DefaultCollectionHandle {
		t.Fatalf("unexpected default collection: %+v", cols[0])
	}
}

func TestCreateCollectionModes(t *testing.T) {
	db := openTestDB(t)

	h1, err := db.CreateCollection("widgets", ModalityBlob, CreateOnly, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.CreateCollection("widgets", ModalityBlob, CreateOnly, nil); err != errs.ErrAlreadyPresent {
		t.Fatalf("expected ErrAlreadyPresent, got %v", err)
	}
	h2, err := db.CreateCollection("widgets", ModalityBlob, OpenOrCreate, nil)
	if err != nil || h2 != h1 {
		t.Fatalf("OpenOrCreate should return the existing handle, got %v %v", h2, err)
	}
	if _, err := db.CreateCollection("widgets", ModalityGraph, OpenOnly, nil); err != errs.ErrWrongModality {
		t.Fatalf("expected ErrWrongModality, got %v", err)
	}
	if _, err := db.CreateCollection("missing", ModalityBlob, OpenOnly, nil); err != errs.ErrCollectionNotFound {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestDropCollectionHandleAndContents(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("gone", ModalityBlob, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.DropCollection("gone", DropHandleAndContents); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := db.resolve("gone", ModalityBlob); err != errs.ErrCollectionNotFound {
		t.Fatalf("expected collection to be gone, got %v", err)
	}
}

func TestDropDefaultCollectionHandleIsProtected(t *testing.T) {
	db := openTestDB(t)
	if err := db.DropCollection(defaultCollectionName, DropHandleAndContents); err != errs.ErrDefaultCollectionProtected {
		t.Fatalf("expected ErrDefaultCollectionProtected, got %v", err)
	}
	if _, err := db.resolve(defaultCollectionName, ModalityBlob); err != nil {
		t.Fatalf("default collection should still exist after a refused drop: %v", err)
	}
}

func TestDropDefaultCollectionValuesOnlyClears(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.BlobWrite(nil, defaultCollectionName, Broadcast(int64(1)), Dense([][]byte{[]byte("v")}), 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.DropCollection(defaultCollectionName, DropValuesOnly); err != nil {
		t.Fatalf("drop values-only: %v", err)
	}
	_, outcomes, err := db.BlobRead(nil, defaultCollectionName, Broadcast(int64(1)), 1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected row cleared by values-only drop, got %v", outcomes[0].Err)
	}
	// The collection itself must still be usable afterward.
	if _, err := db.BlobWrite(nil, defaultCollectionName, Broadcast(int64(2)), Dense([][]byte{[]byte("v2")}), 1); err != nil {
		t.Fatalf("write after clear: %v", err)
	}
}

func TestDropCollectionKeysAndValues(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("widgets", ModalityBlob, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.BlobWrite(nil, "widgets", Broadcast(int64(1)), Dense([][]byte{[]byte("v")}), 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.DropCollection("widgets", DropKeysAndValues); err != nil {
		t.Fatalf("drop keys-and-values: %v", err)
	}
	if _, err := db.resolve("widgets", ModalityBlob); err != nil {
		t.Fatalf("collection should survive keys-and-values drop, got %v", err)
	}
	_, outcomes, err := db.BlobRead(nil, "widgets", Broadcast(int64(1)), 1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected row cleared, got %v", outcomes[0].Err)
	}
}

func TestBufferPoolStatsReportsCollectionByName(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("widgets", ModalityBlob, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	count := 50
	keys := make([]int64, count)
	vals := make([][]byte, count)
	for i := range keys {
		keys[i] = int64(i)
		vals[i] = []byte("value")
	}
	if _, err := db.BlobWrite(nil, "widgets", Dense(keys), Dense(vals), count); err != nil {
		t.Fatalf("write: %v", err)
	}

	stats := db.BufferPoolStats()
	found := false
	for _, r := range stats {
		if r.Name == "widgets" {
			found = true
			if r.Cached == 0 {
				t.Fatalf("expected widgets to have cached pages, got %+v", r)
			}
		}
	}
	if !found {
		t.Fatalf("expected a residency entry for widgets, got %v", stats)
	}
}
