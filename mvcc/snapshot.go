package mvcc

import (
	"sync"
)

// IsolationLevel defines how a transaction's reads are isolated from
// concurrent writers. bunkv's Database opens every transaction, read-only
// ones included, at Serializable through internal/transaction, but the
// full lattice is kept here since the underlying visibility algorithm is
// identical for ReadCommitted, RepeatableRead and Serializable
// (ReadUncommitted skips the active/aborted writer checks).
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota // dirty reads allowed, used for diagnostics only
	ReadCommitted                         // HEAD reads: newest committed version
	RepeatableRead                        // snapshot transactions
	Serializable                          // snapshot transactions plus optimistic commit validation
)

// Snapshot is a consistent view of the store taken at a specific
// generation. Transactions hold one for their lifetime; HEAD reads take
// and release one per call.
type Snapshot struct {
	Generation     Generation     // logical time the snapshot was opened
	MaxTxnID       uint64         // highest transaction ID allocated when the snapshot opened
	ActiveTxns     []uint64       // transactions that were still open when the snapshot opened
	AbortedTxns    []uint64       // transactions known aborted when the snapshot opened
	IsolationLevel IsolationLevel // isolation level requested by the snapshot's owner
	mu             sync.RWMutex
}

// SnapshotManager tracks live snapshots and the transaction ID space so
// it can answer "what is the oldest generation any snapshot still needs"
// for garbage collection, and "was this writer active/aborted when a
// given snapshot opened" for visibility.
type SnapshotManager struct {
	versionMgr      *VersionManager
	activeSnapshots map[Generation]*Snapshot
	abortedTxns     map[uint64]bool
	activeTxns      map[uint64]bool
	maxTxnID        uint64
	mu              sync.RWMutex
}

// NewSnapshotManager creates a snapshot manager bound to a VersionManager.
func NewSnapshotManager(vm *VersionManager) *SnapshotManager {
	return &SnapshotManager{
		versionMgr:      vm,
		activeSnapshots: make(map[Generation]*Snapshot),
		abortedTxns:     make(map[uint64]bool),
		activeTxns:      make(map[uint64]bool),
	}
}

// BeginSnapshot opens a new snapshot for txnID at the isolation level
// requested, capturing which other transactions are currently active or
// aborted.
func (sm *SnapshotManager) BeginSnapshot(txnID uint64, level IsolationLevel) *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if txnID > sm.maxTxnID {
		sm.maxTxnID = txnID
	}

	gen := sm.versionMgr.NewGeneration()

	activeTxns := make([]uint64, 0, len(sm.activeTxns))
	for txn := range sm.activeTxns {
		activeTxns = append(activeTxns, txn)
	}

	abortedTxns := make([]uint64, 0, len(sm.abortedTxns))
	for txn := range sm.abortedTxns {
		abortedTxns = append(abortedTxns, txn)
	}

	snapshot := &Snapshot{
		Generation:     gen,
		MaxTxnID:       sm.maxTxnID,
		ActiveTxns:     activeTxns,
		AbortedTxns:    abortedTxns,
		IsolationLevel: level,
	}

	sm.activeSnapshots[gen] = snapshot
	sm.activeTxns[txnID] = true

	return snapshot
}

// CommitTransaction marks txnID committed. Removing it from activeTxns
// without adding it to abortedTxns makes it implicitly committed to any
// later snapshot.
func (sm *SnapshotManager) CommitTransaction(txnID uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.activeTxns, txnID)
}

// AbortTransaction marks txnID aborted.
func (sm *SnapshotManager) AbortTransaction(txnID uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.abortedTxns[txnID] = true
	delete(sm.activeTxns, txnID)
}

// ReleaseSnapshot drops a snapshot once its owner is done with it,
// allowing garbage collection to advance past its generation.
func (sm *SnapshotManager) ReleaseSnapshot(snapshot *Snapshot) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.activeSnapshots, snapshot.Generation)
}

// NewGeneration allocates a fresh generation from the underlying
// VersionManager. Exposed so that callers holding only a SnapshotManager
// (such as the transaction manager) can stamp committed writes without
// reaching into VersionManager's internals directly.
func (sm *SnapshotManager) NewGeneration() Generation {
	return sm.versionMgr.NewGeneration()
}

// GetOldestActiveGeneration returns the generation of the oldest
// snapshot still open, or the current generation if none are open. Used
// as the GC watermark: versions older than this are unreachable.
func (sm *SnapshotManager) GetOldestActiveGeneration() Generation {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if len(sm.activeSnapshots) == 0 {
		return sm.versionMgr.CurrentGeneration()
	}

	oldest := Generation(^uint64(0))
	for gen := range sm.activeSnapshots {
		if gen < oldest {
			oldest = gen
		}
	}
	return oldest
}

// contains reports whether val is present in slice. A linear scan beats a
// map lookup for the handful of concurrently active transactions typical
// of bunkv's single-process, single-writer-lock concurrency model.
func contains(slice []uint64, val uint64) bool {
	for _, item := range slice {
		if item == val {
			return true
		}
	}
	return false
}

// IsVisible reports whether version is visible under this snapshot.
//
// Rules:
//  1. A version committed after the snapshot's generation is never visible.
//  2. A version whose writer's transaction ID exceeds the snapshot's
//     MaxTxnID is never visible (it started after the snapshot opened).
//  3. Under ReadUncommitted everything else is visible.
//  4. Under ReadCommitted/RepeatableRead/Serializable, a version is
//     invisible if its writer was active or aborted when the snapshot
//     opened; otherwise it is implicitly committed and visible.
func (s *Snapshot) IsVisible(version *Version) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version.Generation > s.Generation {
		return false
	}
	if version.TxnID > s.MaxTxnID {
		return false
	}

	switch s.IsolationLevel {
	case ReadUncommitted:
		return true
	case ReadCommitted, RepeatableRead, Serializable:
		if contains(s.ActiveTxns, version.TxnID) {
			return false
		}
		if contains(s.AbortedTxns, version.TxnID) {
			return false
		}
		return true
	default:
		return false
	}
}

// GetVisibleVersion walks head to head's oldest ancestor and returns the
// first version this snapshot may see.
func (s *Snapshot) GetVisibleVersion(head *Version) *Version {
	for current := head; current != nil; current = current.Next {
		if s.IsVisible(current) {
			return current
		}
	}
	return nil
}
