package wal

import (
	"fmt"

	"github.com/kartikbazzad/bunbase/bunkv/internal/util"
)

// Recovery handles WAL recovery after a crash
type Recovery struct {
	wal *WAL
}

// NewRecovery creates a new recovery instance
func NewRecovery(wal *WAL) *Recovery {
	return &Recovery{wal: wal}
}

// Recover reads all WAL records and returns the ones redo should replay:
// every record other than a commit or abort marker that belongs to a
// transaction that reached a commit marker before the WAL stopped
// growing. Database.recoverFromWAL groups what comes back by transaction
// ID and replays each transaction's rows, taking each row's collection
// from the handle encoded in Record.Key.
func (r *Recovery) Recover() ([]*Record, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	return r.filterValidRecords(records), nil
}

// RecoverCollection is Recover narrowed to one collection's records. It
// still has to read every segment that holds any of the transactions it
// needs commit/abort markers for - a partial transaction can interleave
// rows from several collections, so collection membership alone can't
// be used to skip segments the way WAL.ReadCollectionRecords does for a
// plain read. This is for reimporting or replaying a single collection's
// history in isolation (e.g. rebuilding one corrupted collection rather
// than a full-database recovery pass) without handing the caller every
// other collection's redo work to filter out itself.
func (r *Recovery) RecoverCollection(handle uint64) ([]*Record, error) {
	all, err := r.Recover()
	if err != nil {
		return nil, err
	}
	var filtered []*Record
	for _, rec := range all {
		if rec.Collection == handle {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// filterValidRecords filters out invalid or incomplete transactions
func (r *Recovery) filterValidRecords(records []*Record) []*Record {
	// Build transaction map to track committed transactions
	committedTxns := make(map[uint64]bool)

	// First pass: identify committed transactions
	for _, record := range records {
		if record.Type == RecordTypeCommit {
			committedTxns[record.TxnID] = true
		} else if record.Type == RecordTypeAbort {
			committedTxns[record.TxnID] = false
		}
	}

	// Second pass: collect records from committed transactions
	var validRecords []*Record
	for _, record := range records {
		// Skip commit/abort markers (not data records)
		if record.Type == RecordTypeCommit || record.Type == RecordTypeAbort {
			continue
		}

		// Only include records from committed transactions
		if committed, exists := committedTxns[record.TxnID]; exists && committed {
			validRecords = append(validRecords, record)
		}
	}

	return validRecords
}

// RecoverToLSN recovers up to a specific LSN
func (r *Recovery) RecoverToLSN(targetLSN LSN) ([]*Record, error) {
	allRecords, err := r.Recover()
	if err != nil {
		return nil, err
	}

	// Filter records up to target LSN
	var records []*Record
	for _, record := range allRecords {
		if record.LSN <= targetLSN {
			records = append(records, record)
		}
	}

	return records, nil
}

// VerifyIntegrity checks WAL integrity
func (r *Recovery) VerifyIntegrity() error {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrWALCorrupt, err)
	}

	// Check LSN monotonicity
	var prevLSN LSN
	for i, record := range records {
		if record.LSN <= prevLSN {
			return fmt.Errorf("%w: LSN not monotonic at record %d (prev=%d, current=%d)",
				util.ErrWALCorrupt, i, prevLSN, record.LSN)
		}
		prevLSN = record.LSN
	}

	return nil
}

// GetLastCommittedLSN returns the LSN of the last committed transaction
func (r *Recovery) GetLastCommittedLSN() (LSN, error) {
	records, err := r.wal.ReadAllRecords()
	if err != nil {
		return 0, err
	}

	var lastLSN LSN
	for _, record := range records {
		if record.Type == RecordTypeCommit && record.LSN > lastLSN {
			lastLSN = record.LSN
		}
	}

	return lastLSN, nil
}
