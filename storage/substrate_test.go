package storage

import (
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
	"github.com/kartikbazzad/bunbase/bunkv/mvcc"
)

func newTestSubstrate(t *testing.T) (*Substrate, uint64) {
	t.Helper()
	dir := t.TempDir()
	pager, err := NewPager(dir+"/data.db", nil)
	if err != nil {
		t.Fatalf("NewPager failed: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	bp := NewBufferPool(64, pager)
	t.Cleanup(func() { bp.Close() })

	sub := NewSubstrate(bp)
	if _, err := sub.CreateCollection(1); err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	return sub, 1
}

func TestSubstrateApplyAndGet(t *testing.T) {
	sub, handle := newTestSubstrate(t)
	row := transaction.RowKey{Collection: handle, Key: 42}

	if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("hello")}}, 1); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	value, found, err := sub.Get(row)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(value) != "hello" {
		t.Fatalf("expected hello, got %q found=%v", value, found)
	}

	gen, exists, err := sub.CurrentGeneration(row)
	if err != nil {
		t.Fatalf("CurrentGeneration failed: %v", err)
	}
	if !exists || gen != 1 {
		t.Fatalf("expected generation 1, got %d exists=%v", gen, exists)
	}
}

func TestSubstrateNegativeKeyOrdering(t *testing.T) {
	sub, handle := newTestSubstrate(t)

	keys := []int64{5, -3, 0, -100, 42}
	for _, k := range keys {
		row := transaction.RowKey{Collection: handle, Key: k}
		if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("v")}}, 1); err != nil {
			t.Fatalf("Apply(%d) failed: %v", k, err)
		}
	}

	entries, err := sub.Scan(handle, -200, 200, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(entries) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Key >= entries[i].Key {
			t.Fatalf("scan not ordered: %v", entries)
		}
	}
}

func TestSubstrateTombstoneHidesValue(t *testing.T) {
	sub, handle := newTestSubstrate(t)
	row := transaction.RowKey{Collection: handle, Key: 1}

	if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("v1")}}, 1); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := sub.Apply([]transaction.WriteOp{{Row: row, Tombstone: true}}, 2); err != nil {
		t.Fatalf("tombstone apply failed: %v", err)
	}

	_, found, err := sub.Get(row)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if found {
		t.Fatal("expected deleted row to be absent")
	}

	size, err := sub.Size(handle)
	if err != nil {
		t.Fatalf("size failed: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected size 0 after delete, got %d", size)
	}
}

func TestSubstrateSnapshotIsolation(t *testing.T) {
	sub, handle := newTestSubstrate(t)
	row := transaction.RowKey{Collection: handle, Key: 7}

	vm := mvcc.NewVersionManager()
	sm := mvcc.NewSnapshotManager(vm)

	if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("v1")}}, 10); err != nil {
		t.Fatalf("apply v1 failed: %v", err)
	}

	snap := sm.BeginSnapshot(1, mvcc.RepeatableRead)
	snap.Generation = 10

	if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("v2")}}, 20); err != nil {
		t.Fatalf("apply v2 failed: %v", err)
	}

	value, found, err := sub.ReadAt(row, snap)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !found || string(value) != "v1" {
		t.Fatalf("expected snapshot to see v1, got %q found=%v", value, found)
	}

	headValue, found, err := sub.Get(row)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(headValue) != "v2" {
		t.Fatalf("expected HEAD to see v2, got %q", headValue)
	}
}

func TestSubstrateGC(t *testing.T) {
	sub, handle := newTestSubstrate(t)
	row := transaction.RowKey{Collection: handle, Key: 1}

	for gen := mvcc.Generation(1); gen <= 5; gen++ {
		if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte{byte(gen)}}}, gen); err != nil {
			t.Fatalf("apply gen %d failed: %v", gen, err)
		}
	}

	cs := sub.collections[handle]
	if cs.chains[1] == nil {
		t.Fatal("expected retained old versions before GC")
	}

	sub.GC(5)

	if c := mvcc.CountVersions(cs.chains[1]); c != 0 {
		t.Fatalf("expected chain fully collected, got %d entries", c)
	}
}

func TestSubstrateDropCollection(t *testing.T) {
	sub, handle := newTestSubstrate(t)
	if err := sub.DropCollection(handle); err != nil {
		t.Fatalf("DropCollection failed: %v", err)
	}
	row := transaction.RowKey{Collection: handle, Key: 1}
	if _, _, err := sub.Get(row); err == nil {
		t.Fatal("expected error reading from dropped collection")
	}
}

func TestSubstrateClearCollectionKeepsHandleRegistered(t *testing.T) {
	sub, handle := newTestSubstrate(t)
	row := transaction.RowKey{Collection: handle, Key: 1}
	if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("v1")}}, 1); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if _, err := sub.ClearCollection(handle); err != nil {
		t.Fatalf("ClearCollection failed: %v", err)
	}

	if _, found, err := sub.Get(row); err != nil || found {
		t.Fatalf("expected row gone after clear, found=%v err=%v", found, err)
	}
	size, err := sub.Size(handle)
	if err != nil {
		t.Fatalf("size failed: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected size 0 after clear, got %d", size)
	}

	// Handle must still be usable: a fresh write lands cleanly.
	if err := sub.Apply([]transaction.WriteOp{{Row: row, Value: []byte("v2")}}, 2); err != nil {
		t.Fatalf("apply after clear failed: %v", err)
	}
	value, found, err := sub.Get(row)
	if err != nil || !found || string(value) != "v2" {
		t.Fatalf("expected v2 after clear and rewrite, got %q found=%v err=%v", value, found, err)
	}
}
