package bunkv

import (
	"github.com/kartikbazzad/bunbase/bunkv/internal/keyenc"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
	"github.com/kartikbazzad/bunbase/bunkv/internal/wal"
)

// recoverFromWAL replays every fully committed transaction found in the
// write-ahead log into the substrate. It runs once, during Open, after
// every collection's B+Tree has been reopened at its persisted root so
// that replayed rows land in a store that already exists.
//
// wal.Recovery.Recover already discards update/delete records whose
// transaction never reached a commit marker, so every record returned
// here is redo work from a transaction that was durable before the
// process stopped.
func (db *Database) recoverFromWAL() error {
	recovery := wal.NewRecovery(db.wal)
	records, err := recovery.Recover()
	if err != nil {
		return err
	}

	byTxn := make(map[uint64][]*wal.Record)
	order := make([]uint64, 0)
	for _, rec := range records {
		if _, seen := byTxn[rec.TxnID]; !seen {
			order = append(order, rec.TxnID)
		}
		byTxn[rec.TxnID] = append(byTxn[rec.TxnID], rec)
	}

	replayedByCollection := make(map[uint64]int)
	for _, txnID := range order {
		ops := make([]transaction.WriteOp, 0, len(byTxn[txnID]))
		for _, rec := range byTxn[txnID] {
			handle, key := keyenc.DecodeRowKey(rec.Key)
			if rec.Collection != handle {
				db.log.WithField("txn_id", txnID).WithField("recorded_collection", rec.Collection).WithField("key_collection", handle).
					Warn("bunkv: WAL record's Collection field disagrees with its encoded key during recovery; trusting the key")
			}
			ops = append(ops, transaction.WriteOp{
				Row:       transaction.RowKey{Collection: handle, Key: key},
				Value:     rec.Value,
				Tombstone: rec.Type == wal.RecordTypeDelete,
			})
			replayedByCollection[handle]++
		}
		if len(ops) == 0 {
			continue
		}
		gen := db.snapshotMgr.NewGeneration()
		if err := db.substrate.Apply(ops, gen); err != nil {
			db.log.WithError(err).WithField("txn_id", txnID).Warn("bunkv: skipped unreplayable WAL transaction during recovery")
		}
	}

	if len(order) > 0 {
		db.log.WithField("transactions", len(order)).WithField("collections", len(replayedByCollection)).
			Info("bunkv: replayed committed transactions from write-ahead log")
	}
	return nil
}
