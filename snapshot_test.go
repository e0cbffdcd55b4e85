package bunkv

import (
	"bytes"
	"math"
	"sort"
	"testing"
)

func TestExportImportCollectionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("blobs", ModalityBlob, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	keys := []int64{1, 2, 3}
	vals := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if _, err := db.BlobWrite(nil, "blobs", Dense(keys), Dense(vals), len(keys)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	if err := db.ExportCollection("blobs", &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty export")
	}

	if _, err := db.CreateCollection("blobs2", ModalityBlob, CreateOnly, nil); err != nil {
		t.Fatalf("create target: %v", err)
	}
	n, err := db.ImportCollection("blobs2", &buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != len(keys) {
		t.Fatalf("expected %d imported rows, got %d", len(keys), n)
	}

	entries, err := db.BlobScan("blobs2", math.MinInt64, math.MaxInt64)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	if len(entries) != len(keys) {
		t.Fatalf("expected %d rows in imported collection, got %d", len(keys), len(entries))
	}
	for i, e := range entries {
		if e.Key != keys[i] || string(e.Value) != string(vals[i]) {
			t.Fatalf("row %d: got (%d, %q) want (%d, %q)", i, e.Key, e.Value, keys[i], vals[i])
		}
	}
}

func TestExportUnknownCollectionFails(t *testing.T) {
	db := openTestDB(t)
	var buf bytes.Buffer
	if err := db.ExportCollection("nope", &buf); err == nil {
		t.Fatal("expected export of unknown collection to fail")
	}
}
