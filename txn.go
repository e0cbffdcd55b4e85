package bunkv

import (
	"github.com/kartikbazzad/bunbase/bunkv/errs"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
)

// Txn is the public handle to an optimistic transaction, per §6's
// batched call shape ("an optional transaction handle"). Every
// data-path call in bunkv accepts a *Txn: pass nil and the call opens,
// commits (or rolls back), and discards its own transaction internally;
// pass a *Txn obtained from Begin/BeginReadOnly and the call's reads
// and writes join that transaction's sets instead, leaving it open for
// the caller to Stage/Commit/Abandon/Reset explicitly.
type Txn struct {
	db   *Database
	txn  *transaction.Transaction
	done bool
}

// Begin opens a read-write transaction at snapshot isolation.
func (db *Database) Begin() (*Txn, error) {
	t, err := db.begin()
	if err != nil {
		return nil, err
	}
	return &Txn{db: db, txn: t}, nil
}

// BeginReadOnly opens a read-only transaction: its write and delete sets
// are rejected by the transaction manager, but its read set still
// participates in commit validation for callers layering read-then-write
// logic across multiple Txn handles sharing a snapshot.
func (db *Database) BeginReadOnly() (*Txn, error) {
	t, err := db.beginReadOnly()
	if err != nil {
		return nil, err
	}
	return &Txn{db: db, txn: t}, nil
}

// Stage appends the transaction's buffered writes to the write-ahead log
// immediately, ahead of Commit's validation step (§12). The records are
// not synced, and recovery replays them only if the transaction later
// commits.
func (t *Txn) Stage() error {
	if t.done {
		return errs.ErrInvalidArgument
	}
	return t.db.txnMgr.Stage(t.txn)
}

// Commit validates and applies the transaction. A *Txn is single-use:
// once Commit, Abandon, or Reset has run, further calls through it (save
// Reset) return errs.ErrInvalidArgument.
func (t *Txn) Commit() error {
	if t.done {
		return errs.ErrInvalidArgument
	}
	t.done = true
	return t.db.commit(t.txn)
}

// Abandon discards the transaction's buffered work without validating
// or applying anything.
func (t *Txn) Abandon() error {
	if t.done {
		return errs.ErrInvalidArgument
	}
	t.done = true
	return t.db.rollback(t.txn)
}

// Reset reuses a finished (committed or abandoned) Txn for a fresh
// attempt under the same isolation level, the usual pattern after
// retrying an errs.ErrConflict.
func (t *Txn) Reset() error {
	if err := t.db.txnMgr.Reset(t.txn); err != nil {
		return err
	}
	t.done = false
	return nil
}

// read/write/delete satisfy graphTxn, so every modality file can treat a
// caller-supplied *Txn exactly like the internal mini-transactions
// withGraphTxn opens.
func (t *Txn) read(row transaction.RowKey) ([]byte, error) {
	return t.db.txnMgr.Read(t.txn, row)
}

func (t *Txn) write(row transaction.RowKey, value []byte) error {
	return t.db.txnMgr.Write(t.txn, row, value)
}

func (t *Txn) delete(row transaction.RowKey) error {
	return t.db.txnMgr.Delete(t.txn, row)
}
