package storage

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/internal/keyenc"
	"github.com/kartikbazzad/bunbase/bunkv/internal/util"
)

func newOwnershipTestPool(t *testing.T) *BufferPool {
	t.Helper()
	dir := t.TempDir()
	pager, err := NewPager(dir+"/data.db", nil)
	if err != nil {
		t.Fatalf("NewPager failed: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	bp := NewBufferPool(64, pager)
	t.Cleanup(func() { bp.Close() })
	return bp
}

func TestBPlusTreeVerifyOwnershipAcceptsItsOwnTree(t *testing.T) {
	bp := newOwnershipTestPool(t)
	tree, err := NewBPlusTree(bp, 7)
	if err != nil {
		t.Fatalf("NewBPlusTree failed: %v", err)
	}

	for i := int64(0); i < 300; i++ {
		if err := tree.Insert(keyenc.EncodeInt64(i), []byte("v")); err != nil {
			t.Fatalf("Insert(%d) failed: %v", i, err)
		}
	}

	if err := tree.VerifyOwnership(); err != nil {
		t.Fatalf("VerifyOwnership on a tree's own pages failed: %v", err)
	}
}

func TestBPlusTreeDetectsCrossCollectionPage(t *testing.T) {
	bp := newOwnershipTestPool(t)
	tree, err := NewBPlusTree(bp, 7)
	if err != nil {
		t.Fatalf("NewBPlusTree failed: %v", err)
	}
	if err := tree.Insert(keyenc.EncodeInt64(1), []byte("v")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Same root page, wrong handle - simulates a tree handle surviving
	// a ClearCollection/DropCollection that stamped new pages elsewhere.
	imposter := &BPlusTree{bp: bp, rootID: tree.rootID, order: 64, handle: 9}

	if _, err := imposter.Search(keyenc.EncodeInt64(1)); !errors.Is(err, util.ErrPageCollectionMismatch) {
		t.Fatalf("expected ErrPageCollectionMismatch from Search, got %v", err)
	}
	if err := imposter.VerifyOwnership(); !errors.Is(err, util.ErrPageCollectionMismatch) {
		t.Fatalf("expected ErrPageCollectionMismatch from VerifyOwnership, got %v", err)
	}
}

func TestLoadBPlusTreeRejectsWrongHandle(t *testing.T) {
	bp := newOwnershipTestPool(t)
	tree, err := NewBPlusTree(bp, 7)
	if err != nil {
		t.Fatalf("NewBPlusTree failed: %v", err)
	}

	if _, err := LoadBPlusTree(bp, tree.rootID, 9); !errors.Is(err, util.ErrPageCollectionMismatch) {
		t.Fatalf("expected ErrPageCollectionMismatch, got %v", err)
	}
	if _, err := LoadBPlusTree(bp, tree.rootID, 7); err != nil {
		t.Fatalf("LoadBPlusTree with the right handle should succeed: %v", err)
	}
}

func TestBufferPoolResidencyByCollection(t *testing.T) {
	bp := newOwnershipTestPool(t)

	// Capacity 64: fill it past capacity with two collections' pages so
	// some get evicted, then check residency accounts for both.
	for i := 0; i < 40; i++ {
		page, err := bp.NewPage(PageTypeLeaf, 1)
		if err != nil {
			t.Fatalf("NewPage(handle=1) failed: %v", err)
		}
		bp.UnpinPage(page.ID, false)
	}
	for i := 0; i < 40; i++ {
		page, err := bp.NewPage(PageTypeLeaf, 2)
		if err != nil {
			t.Fatalf("NewPage(handle=2) failed: %v", err)
		}
		bp.UnpinPage(page.ID, false)
	}

	residency := bp.ResidencyByCollection()
	r1, ok1 := residency[1]
	r2, ok2 := residency[2]
	if !ok1 || !ok2 {
		t.Fatalf("expected residency entries for both collections, got %v", residency)
	}
	if r1.Evicted == 0 && r2.Evicted == 0 {
		t.Fatalf("expected some eviction to have occurred past capacity 64, got %+v / %+v", r1, r2)
	}
	if r1.Cached+r2.Cached > 64 {
		t.Fatalf("cached pages exceed pool capacity: %d + %d", r1.Cached, r2.Cached)
	}
}
