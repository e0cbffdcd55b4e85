package bunkv

import (
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

func TestTxnCommitIsVisibleAfterward(t *testing.T) {
	db := openTestDB(t)
	handle := CollectionHandle(DefaultCollectionHandle)

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(1)), Dense([][]byte{[]byte("a")}), 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	vals, outcomes, err := db.ReadBatch(nil, handle, Broadcast(int64(1)), 1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != nil || string(vals[0]) != "a" {
		t.Fatalf("expected committed value, got %q err=%v", vals[0], outcomes[0].Err)
	}
}

func TestTxnAbandonDiscardsWrites(t *testing.T) {
	db := openTestDB(t)
	handle := CollectionHandle(DefaultCollectionHandle)

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(2)), Dense([][]byte{[]byte("b")}), 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := txn.Abandon(); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	_, outcomes, err := db.ReadBatch(nil, handle, Broadcast(int64(2)), 1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected abandoned write to be invisible, got err=%v", outcomes[0].Err)
	}
}

func TestTxnDoubleCommitFails(t *testing.T) {
	db := openTestDB(t)
	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := txn.Commit(); err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument on reused handle, got %v", err)
	}
}

func TestTxnResetAllowsReuse(t *testing.T) {
	db := openTestDB(t)
	handle := CollectionHandle(DefaultCollectionHandle)

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(3)), Dense([][]byte{[]byte("c")}), 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := txn.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(4)), Dense([][]byte{[]byte("d")}), 1); err != nil {
		t.Fatalf("write after reset: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit after reset: %v", err)
	}
}

func TestTxnStageThenCommit(t *testing.T) {
	db := openTestDB(t)
	handle := CollectionHandle(DefaultCollectionHandle)

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(5)), Dense([][]byte{[]byte("e")}), 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := txn.Stage(); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit after stage: %v", err)
	}
}

func TestMultipleBatchedCallsJoinOneTxn(t *testing.T) {
	db := openTestDB(t)
	handle := CollectionHandle(DefaultCollectionHandle)

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(10)), Dense([][]byte{[]byte("x")}), 1); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := db.WriteBatch(txn, handle, Broadcast(int64(11)), Dense([][]byte{[]byte("y")}), 1); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	// Before commit, a separate read-only call must not see the
	// in-flight writes.
	_, outcomes, err := db.ReadBatch(nil, handle, Broadcast(int64(10)), 1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected uncommitted write to be invisible outside txn, got %v", outcomes[0].Err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	vals, outcomes, err := db.ReadBatch(nil, handle, Dense([]int64{10, 11}), 2, nil)
	if err != nil {
		t.Fatalf("read after commit: %v", err)
	}
	if outcomes[0].Err != nil || outcomes[1].Err != nil {
		t.Fatalf("unexpected errors after commit: %v %v", outcomes[0].Err, outcomes[1].Err)
	}
	if string(vals[0]) != "x" || string(vals[1]) != "y" {
		t.Fatalf("unexpected values: %q %q", vals[0], vals[1])
	}
}
