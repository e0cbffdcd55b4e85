package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunkv/internal/wal"
	"github.com/kartikbazzad/bunbase/bunkv/mvcc"
)

// memStore is a minimal in-memory StoreView used only to exercise the
// transaction manager's validation and apply paths in isolation from the
// real paged substrate.
type memStore struct {
	mu    sync.Mutex
	rows  map[RowKey][]byte
	gens  map[RowKey]mvcc.Generation
	exist map[RowKey]bool
}

func newMemStore() *memStore {
	return &memStore{
		rows:  make(map[RowKey][]byte),
		gens:  make(map[RowKey]mvcc.Generation),
		exist: make(map[RowKey]bool),
	}
}

func (s *memStore) CurrentGeneration(row RowKey) (mvcc.Generation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[row], s.exist[row], nil
}

func (s *memStore) Get(row RowKey) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rows[row]
	return v, ok, nil
}

func (s *memStore) Apply(ops []WriteOp, gen mvcc.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Tombstone {
			delete(s.rows, op.Row)
			s.exist[op.Row] = false
		} else {
			s.rows[op.Row] = op.Value
			s.exist[op.Row] = true
		}
		s.gens[op.Row] = gen
	}
	return nil
}

func newTestManager(t *testing.T) (*TransactionManager, *memStore) {
	t.Helper()
	tmpdir := t.TempDir()
	vm := mvcc.NewVersionManager()
	sm := mvcc.NewSnapshotManager(vm)
	walWriter, err := wal.NewWAL(tmpdir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	t.Cleanup(func() { walWriter.Close() })

	tm := NewTransactionManager(sm, walWriter)
	store := newMemStore()
	tm.BindStore(store)
	t.Cleanup(func() { tm.Close() })
	return tm, store
}

func row(key int64) RowKey {
	return RowKey{Collection: 0, Key: key}
}

func TestTransactionBeginCommit(t *testing.T) {
	tm, _ := newTestManager(t)

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if txn.ID == 0 {
		t.Error("transaction ID should be non-zero")
	}
	if txn.Status != StatusActive {
		t.Error("new transaction should be active")
	}

	if err := tm.Write(txn, row(1), []byte("value1")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := tm.Write(txn, row(2), []byte("value2")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	if len(txn.WriteSet) != 2 {
		t.Errorf("expected 2 writes, got %d", len(txn.WriteSet))
	}

	if err := tm.Commit(txn); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if txn.Status != StatusCommitted {
		t.Error("transaction should be committed")
	}

	if count := tm.GetActiveTransactionCount(); count != 0 {
		t.Errorf("expected 0 active transactions, got %d", count)
	}
}

func TestTransactionRollback(t *testing.T) {
	tm, store := newTestManager(t)

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	if err := tm.Write(txn, row(1), []byte("value1")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	if err := tm.Rollback(txn); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}
	if txn.Status != StatusAborted {
		t.Error("transaction should be aborted")
	}
	if _, exists, _ := store.CurrentGeneration(row(1)); exists {
		t.Error("rolled-back write should never reach the store")
	}
}

func TestCommitConflictDetection(t *testing.T) {
	tm, store := newTestManager(t)

	// Seed the store with an existing row at generation 1.
	if err := store.Apply([]WriteOp{{Row: row(1), Value: []byte("v0")}}, 1); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	txnA, _ := tm.Begin(mvcc.Serializable)
	txnB, _ := tm.Begin(mvcc.Serializable)

	if _, err := tm.Read(txnA, row(1)); err != nil {
		t.Fatalf("txnA read failed: %v", err)
	}
	if _, err := tm.Read(txnB, row(1)); err != nil {
		t.Fatalf("txnB read failed: %v", err)
	}

	if err := tm.Write(txnA, row(1), []byte("a")); err != nil {
		t.Fatalf("txnA write failed: %v", err)
	}
	if err := tm.Commit(txnA); err != nil {
		t.Fatalf("txnA commit should succeed: %v", err)
	}

	if err := tm.Write(txnB, row(1), []byte("b")); err != nil {
		t.Fatalf("txnB write failed: %v", err)
	}
	if err := tm.Commit(txnB); err != ErrConflict {
		t.Fatalf("txnB commit should conflict, got %v", err)
	}
	if txnB.Status != StatusAborted {
		t.Error("conflicting transaction should be aborted")
	}
}

func TestDoNotWatchSkipsConflict(t *testing.T) {
	tm, store := newTestManager(t)

	if err := store.Apply([]WriteOp{{Row: row(1), Value: []byte("v0")}}, 1); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	txnA, _ := tm.Begin(mvcc.Serializable)
	txnB, _ := tm.Begin(mvcc.Serializable)

	if _, err := tm.Read(txnB, row(1)); err != nil {
		t.Fatalf("txnB read failed: %v", err)
	}
	txnB.SetDoNotWatch(row(1), true)

	if err := tm.Write(txnA, row(1), []byte("a")); err != nil {
		t.Fatalf("txnA write failed: %v", err)
	}
	if err := tm.Commit(txnA); err != nil {
		t.Fatalf("txnA commit should succeed: %v", err)
	}

	if err := tm.Write(txnB, row(2), []byte("b")); err != nil {
		t.Fatalf("txnB write failed: %v", err)
	}
	if err := tm.Commit(txnB); err != nil {
		t.Fatalf("txnB commit should not conflict with do-not-watch set: %v", err)
	}
}

func TestConcurrentTransactions(t *testing.T) {
	tm, _ := newTestManager(t)

	numTxns := 10
	done := make(chan bool, numTxns)
	errs := make(chan error, numTxns)

	for i := 0; i < numTxns; i++ {
		go func(id int) {
			txn, err := tm.Begin(mvcc.ReadCommitted)
			if err != nil {
				errs <- err
				done <- false
				return
			}
			if err := tm.Write(txn, row(int64(id)), []byte("value")); err != nil {
				errs <- err
				done <- false
				return
			}
			time.Sleep(time.Millisecond)
			if err := tm.Commit(txn); err != nil {
				errs <- err
				done <- false
				return
			}
			done <- true
		}(i)
	}

	successCount := 0
	for i := 0; i < numTxns; i++ {
		select {
		case success := <-done:
			if success {
				successCount++
			}
		case err := <-errs:
			t.Errorf("transaction error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for transactions")
		}
	}

	if successCount != numTxns {
		t.Errorf("expected %d successful transactions, got %d", numTxns, successCount)
	}
	if count := tm.GetActiveTransactionCount(); count != 0 {
		t.Errorf("expected 0 active transactions, got %d", count)
	}
}

func TestIsolationLevels(t *testing.T) {
	tm, _ := newTestManager(t)

	levels := []mvcc.IsolationLevel{
		mvcc.ReadUncommitted,
		mvcc.ReadCommitted,
		mvcc.RepeatableRead,
		mvcc.Serializable,
	}

	for _, level := range levels {
		txn, err := tm.Begin(level)
		if err != nil {
			t.Errorf("failed to begin transaction with level %d: %v", level, err)
			continue
		}
		if txn.IsolationLevel != level {
			t.Errorf("expected isolation level %d, got %d", level, txn.IsolationLevel)
		}
		tm.Rollback(txn)
	}
}

func TestReadOwnWrites(t *testing.T) {
	tm, _ := newTestManager(t)

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	value := []byte("test_value")
	if err := tm.Write(txn, row(42), value); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	readValue, err := tm.Read(txn, row(42))
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(readValue) != string(value) {
		t.Errorf("expected to read %s, got %s", value, readValue)
	}

	tm.Rollback(txn)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	tm, _ := newTestManager(t)

	txn, err := tm.BeginReadOnly(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("failed to begin read-only transaction: %v", err)
	}
	if err := tm.Write(txn, row(1), []byte("x")); err != ErrReadOnly {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
	tm.Rollback(txn)
}

func TestStageThenCommit(t *testing.T) {
	tm, _ := newTestManager(t)

	txn, err := tm.Begin(mvcc.ReadCommitted)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := tm.Write(txn, row(7), []byte("staged")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := tm.Stage(txn); err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	if err := tm.Commit(txn); err != nil {
		t.Fatalf("failed to commit after stage: %v", err)
	}
}

func TestResetReusesTransaction(t *testing.T) {
	tm, _ := newTestManager(t)

	txn, err := tm.Begin(mvcc.Serializable)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	tm.Write(txn, row(1), []byte("a"))
	tm.Rollback(txn)

	if err := tm.Reset(txn); err != nil {
		t.Fatalf("failed to reset transaction: %v", err)
	}
	if txn.Status != StatusActive {
		t.Error("reset transaction should be active again")
	}
	if len(txn.WriteSet) != 0 {
		t.Error("reset transaction should have an empty write set")
	}
	if err := tm.Commit(txn); err != nil {
		t.Fatalf("commit after reset failed: %v", err)
	}
}

func BenchmarkTransactionCommit(b *testing.B) {
	tmpdir := b.TempDir()
	vm := mvcc.NewVersionManager()
	sm := mvcc.NewSnapshotManager(vm)
	walWriter, _ := wal.NewWAL(tmpdir)
	defer walWriter.Close()

	tm := NewTransactionManager(sm, walWriter)
	tm.BindStore(newMemStore())
	defer tm.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		txn, _ := tm.Begin(mvcc.ReadCommitted)
		tm.Write(txn, row(int64(i)), []byte("value"))
		tm.Commit(txn)
	}
}
