// Package transaction implements bunkv's optimistic transaction manager.
//
// A transaction opens a snapshot at BEGIN, buffers every write and delete
// in-memory, and only takes the exclusive commit lock at COMMIT time to
// validate that nothing it read or is about to overwrite has moved since
// it observed it. This mirrors bundoc's MVCC design one layer up: instead
// of versioning document bytes directly, it versions (collection handle,
// int64 key) rows addressed through the storage substrate.
package transaction

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/bunbase/bunkv/internal/keyenc"
	"github.com/kartikbazzad/bunbase/bunkv/internal/wal"
	"github.com/kartikbazzad/bunbase/bunkv/mvcc"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RowKey addresses a single row in the substrate: a collection handle
// plus the int64 key within it.
type RowKey struct {
	Collection uint64
	Key        int64
}

func (r RowKey) bytes() []byte {
	return keyenc.EncodeRowKey(r.Collection, r.Key)
}

var (
	// ErrNotActive is returned by any operation attempted on a
	// transaction that has already committed or aborted.
	ErrNotActive = errors.New("transaction: not active")
	// ErrReadOnly is returned when Write or Delete is called on a
	// transaction opened read-only (a plain snapshot read).
	ErrReadOnly = errors.New("transaction: read-only")
	// ErrConflict is returned by Commit when optimistic validation
	// finds that a row the transaction read or is writing has been
	// committed over by someone else since the transaction's snapshot
	// was taken.
	ErrConflict = errors.New("transaction: write-write conflict")
)

// StoreView is the narrow view of the storage substrate the transaction
// manager needs: the current generation stamped on a row (for conflict
// detection), a point read, and an atomic multi-row apply used at commit
// time. Database wires its *storage.Substrate in as the implementation;
// the transaction manager itself has no storage-layer dependency.
type StoreView interface {
	// CurrentGeneration returns the generation of the version currently
	// visible at HEAD for row, and whether the row exists at all.
	CurrentGeneration(row RowKey) (mvcc.Generation, bool, error)
	// Get returns the current value at HEAD for row.
	Get(row RowKey) ([]byte, bool, error)
	// Apply commits a batch of writes/deletes under the single
	// generation gen supplied by the caller.
	Apply(ops []WriteOp, gen mvcc.Generation) error
}

// WriteOp is one row mutation within a transaction's write set.
type WriteOp struct {
	Row       RowKey
	Value     []byte
	Tombstone bool
}

// Transaction is a single optimistic transaction: a snapshot plus
// buffered reads and writes that have not yet been validated against the
// store.
type Transaction struct {
	ID             uint64
	Snapshot       *mvcc.Snapshot
	IsolationLevel mvcc.IsolationLevel
	ReadOnly       bool
	Status         Status

	// ReadSet records the generation observed for every row read through
	// this transaction, so Commit can detect that someone else wrote a
	// newer version since. DoNotWatch removes a row from this check,
	// implementing the "do-not-watch" flag: a caller that knows a row is
	// hot and doesn't need serializable protection on it can opt out.
	ReadSet    map[RowKey]mvcc.Generation
	WriteSet   map[RowKey][]byte
	DeleteSet  map[RowKey]struct{}
	DoNotWatch map[RowKey]bool

	staged bool
	mu     sync.Mutex
}

func (t *Transaction) watch(row RowKey) bool {
	return !t.DoNotWatch[row]
}

// SetDoNotWatch excludes row from the commit-time read-set check. The
// transaction still reads and writes it normally; a concurrent write to
// a row it only read will not abort it, but a row in its write or
// delete set is still checked for conflicting writes.
func (t *Transaction) SetDoNotWatch(row RowKey, doNotWatch bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if doNotWatch {
		t.DoNotWatch[row] = true
	} else {
		delete(t.DoNotWatch, row)
	}
}

// TransactionManager begins, validates and commits transactions against
// a StoreView, logging every write to the WAL for crash recovery.
type TransactionManager struct {
	snapshotMgr *mvcc.SnapshotManager
	wal         *wal.WAL
	groupCommit *wal.GroupCommitter
	store       StoreView

	nextTxnID atomic.Uint64
	commitMu  sync.Mutex // global writer lock, held only during validate+apply

	mu     sync.RWMutex
	active map[uint64]*Transaction
	closed bool
}

// NewTransactionManager creates a transaction manager. store may be nil
// at construction time for tests that only exercise WAL logging and
// conflict bookkeeping (see manager_test.go); Database always supplies a
// real *storage.Substrate-backed StoreView.
func NewTransactionManager(sm *mvcc.SnapshotManager, walWriter *wal.WAL) *TransactionManager {
	tm := &TransactionManager{
		snapshotMgr: sm,
		wal:         walWriter,
		active:      make(map[uint64]*Transaction),
	}
	// A commit's durability wait goes through the shared group
	// committer rather than calling wal.Sync directly, so concurrent
	// commits under load coalesce onto one fsync instead of one each.
	if walWriter != nil {
		tm.groupCommit = wal.NewGroupCommitter(walWriter)
	}
	return tm
}

// BindStore attaches the storage-layer view used for reads and commit
// validation. Database calls this once during Open, after both the
// transaction manager and the substrate have been constructed.
func (tm *TransactionManager) BindStore(store StoreView) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.store = store
}

// Begin opens a new transaction at the given isolation level.
func (tm *TransactionManager) Begin(level mvcc.IsolationLevel) (*Transaction, error) {
	return tm.begin(level, false)
}

// BeginReadOnly opens a transaction that may only read; Write and Delete
// return ErrReadOnly. Used for long-lived scans that want a stable
// snapshot without paying for write-set bookkeeping.
func (tm *TransactionManager) BeginReadOnly(level mvcc.IsolationLevel) (*Transaction, error) {
	return tm.begin(level, true)
}

func (tm *TransactionManager) begin(level mvcc.IsolationLevel, readOnly bool) (*Transaction, error) {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return nil, fmt.Errorf("transaction manager is closed")
	}
	txnID := tm.nextTxnID.Add(1)
	txn := &Transaction{
		ID:             txnID,
		Snapshot:       tm.snapshotMgr.BeginSnapshot(txnID, level),
		IsolationLevel: level,
		ReadOnly:       readOnly,
		Status:         StatusActive,
		ReadSet:        make(map[RowKey]mvcc.Generation),
		WriteSet:       make(map[RowKey][]byte),
		DeleteSet:      make(map[RowKey]struct{}),
		DoNotWatch:     make(map[RowKey]bool),
	}
	tm.active[txnID] = txn
	tm.mu.Unlock()
	return txn, nil
}

// Read returns the value visible to txn for row: its own uncommitted
// write if present, the deletion tombstone if it deleted the row, else
// the store's current value at HEAD. The store read is not limited to
// txn's snapshot generation, so a row committed by another transaction
// after txn began is returned at its newer value. Any row read through
// the store is added to the read set, with its HEAD generation, for
// commit-time validation.
func (tm *TransactionManager) Read(txn *Transaction, row RowKey) ([]byte, error) {
	txn.mu.Lock()
	if txn.Status != StatusActive {
		txn.mu.Unlock()
		return nil, ErrNotActive
	}
	if v, ok := txn.WriteSet[row]; ok {
		txn.mu.Unlock()
		return v, nil
	}
	if _, deleted := txn.DeleteSet[row]; deleted {
		txn.mu.Unlock()
		return nil, fmt.Errorf("transaction: row deleted")
	}
	txn.mu.Unlock()

	if tm.store == nil {
		return nil, fmt.Errorf("transaction manager has no bound store")
	}

	value, found, err := tm.store.Get(row)
	if err != nil {
		return nil, err
	}
	gen, _, err := tm.store.CurrentGeneration(row)
	if err != nil {
		return nil, err
	}

	txn.mu.Lock()
	txn.ReadSet[row] = gen
	txn.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("transaction: row not found")
	}
	return value, nil
}

// Write buffers a value for row in the transaction's write set. Nothing
// is made visible outside the transaction until Commit succeeds.
func (tm *TransactionManager) Write(txn *Transaction, row RowKey, value []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.Status != StatusActive {
		return ErrNotActive
	}
	if txn.ReadOnly {
		return ErrReadOnly
	}
	delete(txn.DeleteSet, row)
	txn.WriteSet[row] = value
	return nil
}

// Delete buffers a tombstone for row in the transaction's delete set.
func (tm *TransactionManager) Delete(txn *Transaction, row RowKey) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.Status != StatusActive {
		return ErrNotActive
	}
	if txn.ReadOnly {
		return ErrReadOnly
	}
	delete(txn.WriteSet, row)
	txn.DeleteSet[row] = struct{}{}
	return nil
}

// Stage appends the transaction's write and delete sets to the WAL
// immediately, ahead of Commit's validation step. The appended records
// are not synced, and recovery replays a transaction's records only if
// its commit record follows them, so writes staged by a transaction that
// never commits are not replayed after a crash. Stage performs no
// conflict validation itself.
func (tm *TransactionManager) Stage(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.Status != StatusActive {
		return ErrNotActive
	}
	if tm.wal == nil {
		txn.staged = true
		return nil
	}
	for row, value := range txn.WriteSet {
		rec := &wal.Record{
			TxnID:      txn.ID,
			Type:       wal.RecordTypeUpdate,
			Collection: row.Collection,
			Key:        row.bytes(),
			Value:      value,
		}
		if _, err := tm.wal.Append(rec); err != nil {
			return fmt.Errorf("stage: %w", err)
		}
	}
	for row := range txn.DeleteSet {
		rec := &wal.Record{
			TxnID:      txn.ID,
			Type:       wal.RecordTypeDelete,
			Collection: row.Collection,
			Key:        row.bytes(),
		}
		if _, err := tm.wal.Append(rec); err != nil {
			return fmt.Errorf("stage: %w", err)
		}
	}
	txn.staged = true
	return nil
}

// Commit validates and applies the transaction.
//
// Validation (performed while holding the manager's commit lock, so no
// other transaction can commit concurrently):
//  1. Every row in the read set must still be at the generation observed
//     when it was read, unless the row carries a do-not-watch flag.
//  2. Every row in the write set or delete set must not have been
//     written by someone else since the transaction's snapshot opened.
//  3. If both checks pass, every write and delete is applied atomically
//     under one freshly allocated generation.
//  4. The commit lock is released and the transaction's snapshot is
//     retired.
//
// Any validation failure aborts the transaction and returns ErrConflict.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	if txn.Status != StatusActive {
		txn.mu.Unlock()
		return ErrNotActive
	}
	if len(txn.WriteSet) == 0 && len(txn.DeleteSet) == 0 {
		txn.Status = StatusCommitted
		txn.mu.Unlock()
		tm.finish(txn)
		return nil
	}
	readSet := make(map[RowKey]mvcc.Generation, len(txn.ReadSet))
	for k, v := range txn.ReadSet {
		readSet[k] = v
	}
	watch := make(map[RowKey]bool, len(txn.DoNotWatch))
	for k, v := range txn.DoNotWatch {
		watch[k] = v
	}
	ops := make([]WriteOp, 0, len(txn.WriteSet)+len(txn.DeleteSet))
	for row, value := range txn.WriteSet {
		ops = append(ops, WriteOp{Row: row, Value: value})
	}
	for row := range txn.DeleteSet {
		ops = append(ops, WriteOp{Row: row, Tombstone: true})
	}
	snapshotGen := txn.Snapshot.Generation
	txn.mu.Unlock()

	if tm.store == nil {
		return fmt.Errorf("transaction manager has no bound store")
	}

	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	// Step 1: read-set generation check.
	for row, observedGen := range readSet {
		if watch[row] {
			continue
		}
		currentGen, _, err := tm.store.CurrentGeneration(row)
		if err != nil {
			tm.abort(txn)
			return fmt.Errorf("commit: %w", err)
		}
		if currentGen != observedGen {
			tm.abort(txn)
			return ErrConflict
		}
	}

	// Step 2: write/delete-set generation check — nobody may have
	// committed a newer version of a row this transaction is about to
	// overwrite since its snapshot was taken.
	for _, op := range ops {
		currentGen, exists, err := tm.store.CurrentGeneration(op.Row)
		if err != nil {
			tm.abort(txn)
			return fmt.Errorf("commit: %w", err)
		}
		if exists && currentGen > snapshotGen {
			tm.abort(txn)
			return ErrConflict
		}
	}

	// Step 3: apply.
	commitGen := tm.snapshotMgr.NewGeneration()
	if err := tm.logCommit(txn, ops); err != nil {
		tm.abort(txn)
		return fmt.Errorf("commit: %w", err)
	}
	if err := tm.store.Apply(ops, commitGen); err != nil {
		tm.abort(txn)
		return fmt.Errorf("commit: %w", err)
	}

	// Step 4: release.
	txn.mu.Lock()
	txn.Status = StatusCommitted
	txn.mu.Unlock()
	tm.finish(txn)
	return nil
}

func (tm *TransactionManager) logCommit(txn *Transaction, ops []WriteOp) error {
	if tm.wal == nil {
		return nil
	}
	for _, op := range ops {
		rtype := wal.RecordTypeUpdate
		if op.Tombstone {
			rtype = wal.RecordTypeDelete
		}
		rec := &wal.Record{
			TxnID:      txn.ID,
			Type:       rtype,
			Collection: op.Row.Collection,
			Key:        op.Row.bytes(),
			Value:      op.Value,
		}
		if _, err := tm.wal.Append(rec); err != nil {
			return err
		}
	}
	commitRec := &wal.Record{TxnID: txn.ID, Type: wal.RecordTypeCommit}
	lsn, err := tm.wal.Append(commitRec)
	if err != nil {
		return err
	}
	if tm.groupCommit != nil {
		return tm.groupCommit.Commit(lsn)
	}
	return tm.wal.Sync()
}

func (tm *TransactionManager) abort(txn *Transaction) {
	txn.mu.Lock()
	txn.Status = StatusAborted
	txn.mu.Unlock()
	tm.finish(txn)
}

func (tm *TransactionManager) finish(txn *Transaction) {
	tm.snapshotMgr.CommitTransaction(txn.ID)
	tm.snapshotMgr.ReleaseSnapshot(txn.Snapshot)
	tm.mu.Lock()
	delete(tm.active, txn.ID)
	tm.mu.Unlock()
}

// Rollback is a synonym for Abandon kept for callers used to bundoc's
// original naming.
func (tm *TransactionManager) Rollback(txn *Transaction) error {
	return tm.Abandon(txn)
}

// Abandon discards all of a transaction's buffered reads and writes
// without validating or applying anything.
func (tm *TransactionManager) Abandon(txn *Transaction) error {
	txn.mu.Lock()
	if txn.Status != StatusActive {
		txn.mu.Unlock()
		return ErrNotActive
	}
	txn.mu.Unlock()

	if tm.wal != nil {
		_, _ = tm.wal.Append(&wal.Record{TxnID: txn.ID, Type: wal.RecordTypeAbort})
	}

	tm.snapshotMgr.AbortTransaction(txn.ID)
	tm.snapshotMgr.ReleaseSnapshot(txn.Snapshot)

	txn.mu.Lock()
	txn.Status = StatusAborted
	txn.mu.Unlock()

	tm.mu.Lock()
	delete(tm.active, txn.ID)
	tm.mu.Unlock()
	return nil
}

// Reset reuses a finished transaction object for a fresh attempt: it
// clears every buffered read/write/delete and opens a new snapshot under
// the same transaction ID, so a caller retrying after ErrConflict does
// not need to re-acquire handles or re-derive its isolation level.
func (tm *TransactionManager) Reset(txn *Transaction) error {
	txn.mu.Lock()
	if txn.Status == StatusActive {
		txn.mu.Unlock()
		return fmt.Errorf("transaction: cannot reset an active transaction")
	}
	level := txn.IsolationLevel
	readOnly := txn.ReadOnly
	txn.mu.Unlock()

	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return fmt.Errorf("transaction manager is closed")
	}
	tm.mu.Unlock()

	txn.mu.Lock()
	txn.Snapshot = tm.snapshotMgr.BeginSnapshot(txn.ID, level)
	txn.Status = StatusActive
	txn.ReadOnly = readOnly
	txn.ReadSet = make(map[RowKey]mvcc.Generation)
	txn.WriteSet = make(map[RowKey][]byte)
	txn.DeleteSet = make(map[RowKey]struct{})
	txn.DoNotWatch = make(map[RowKey]bool)
	txn.staged = false
	txn.mu.Unlock()

	tm.mu.Lock()
	tm.active[txn.ID] = txn
	tm.mu.Unlock()
	return nil
}

// GetActiveTransactionCount returns the number of transactions currently
// open (neither committed nor aborted).
func (tm *TransactionManager) GetActiveTransactionCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.active)
}

// CommitStats reports the group committer's batching effectiveness, or
// the zero value if no WAL is bound to this manager.
func (tm *TransactionManager) CommitStats() wal.CommitStats {
	if tm.groupCommit == nil {
		return wal.CommitStats{}
	}
	return tm.groupCommit.Stats()
}

// Close stops accepting new transactions. Transactions already active
// are left to finish; Close does not abort them.
func (tm *TransactionManager) Close() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.closed = true
	if tm.groupCommit != nil {
		tm.groupCommit.Stop()
	}
	return nil
}
