package bunkv

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
)

// missingLength is the sentinel length reported for a task whose key is
// absent or tombstoned: the maximum representable 32-bit unsigned
// value, never a length any real row can have.
const missingLength uint32 = math.MaxUint32

// ReadOptions selects which of ReadColumns' four outputs to build.
// Building an output a caller won't use (especially the byte tape, for
// a presence-only existence check) costs allocation and copying for
// nothing, so every output defaults to skipped.
type ReadOptions struct {
	WithPresence bool
	WithOffsets  bool
	WithLengths  bool
	WithValues   bool
}

// ReadColumns reads count rows from handle at a single consistent
// snapshot and returns them in the columnar shape the substrate's batch
// read contract specifies: a presence bitmap (one bit per task, set iff
// the key exists and isn't tombstoned), an offsets slice of count+1
// entries into a single contiguous value tape (trailing entry is the
// tape's total length), and a parallel lengths slice using
// missingLength as the absent-key sentinel. Any of the four may be left
// nil per opts. When ext is non-nil the reads join that transaction's
// read set instead of opening an internal one.
func (db *Database) ReadColumns(ext *Txn, handle CollectionHandle, keys Stride[int64], count int, opts ReadOptions) (presence *roaring.Bitmap, offsets []int, lengths []uint32, tape []byte, err error) {
	var txn graphTxn
	if ext != nil {
		txn = ext
	} else {
		t, terr := db.beginReadOnly()
		if terr != nil {
			return nil, nil, nil, nil, terr
		}
		defer func() { _ = db.rollback(t) }()
		txn = &txnAdapter{db: db, txn: t}
	}

	if opts.WithPresence {
		presence = roaring.New()
	}
	if opts.WithOffsets {
		offsets = make([]int, count+1)
	}
	if opts.WithLengths {
		lengths = make([]uint32, count)
	}

	var tapeParts [][]byte
	tapeLen := 0
	for i := 0; i < count; i++ {
		key := keys.At(i)
		raw, rerr := txn.read(rowKey(handle, key))
		found := rerr == nil

		if found && presence != nil {
			presence.Add(uint32(i))
		}
		if lengths != nil {
			if found {
				lengths[i] = uint32(len(raw))
			} else {
				lengths[i] = missingLength
			}
		}
		if found {
			tapeLen += len(raw)
		}
		if opts.WithValues && found {
			tapeParts = append(tapeParts, raw)
		} else if opts.WithValues {
			tapeParts = append(tapeParts, nil)
		}
		if offsets != nil {
			offsets[i+1] = tapeLen
		}
	}

	if opts.WithValues {
		tape = make([]byte, 0, tapeLen)
		for _, part := range tapeParts {
			tape = append(tape, part...)
		}
	}
	return presence, offsets, lengths, tape, nil
}

// TaskOutcome is the per-task result of a batched call: a call touching
// N keys returns N TaskOutcomes (plus whatever payload the specific
// operation produces), one for every task, regardless of whether other
// tasks in the same batch failed. A batch call itself only returns a
// top-level error for something that invalidates the whole batch (a bad
// collection handle, a closed database); a single missing key or
// malformed value is reported through that task's TaskOutcome instead,
// so one bad row in a 10,000-row batch never discards the other 9,999.
type TaskOutcome struct {
	Err error
}

// rowKey builds the low-level RowKey a collection handle and int64 key
// address in the substrate and transaction layers.
func rowKey(handle CollectionHandle, key int64) transaction.RowKey {
	return transaction.RowKey{Collection: uint64(handle), Key: key}
}

// ReadBatch reads count rows from handle at a single consistent
// snapshot. keys.At(i) gives the int64 key for task i. The returned
// slice holds one value per task (nil for a task whose outcome carries
// an error or whose key was not found); values are copied out of arena.
// When ext is non-nil the reads join that transaction's read set
// instead of opening an internal one, per §6's optional transaction
// handle.
func (db *Database) ReadBatch(ext *Txn, handle CollectionHandle, keys Stride[int64], count int, arena *Arena) ([][]byte, []TaskOutcome, error) {
	var txn graphTxn
	if ext != nil {
		txn = ext
	} else {
		t, err := db.beginReadOnly()
		if err != nil {
			return nil, nil, err
		}
		defer func() { _ = db.rollback(t) }()
		txn = &txnAdapter{db: db, txn: t}
	}

	values := make([][]byte, count)
	outcomes := make([]TaskOutcome, count)

	for i := 0; i < count; i++ {
		key := keys.At(i)
		raw, rerr := txn.read(rowKey(handle, key))
		if rerr != nil {
			outcomes[i] = TaskOutcome{Err: errs.ErrNotFound}
			continue
		}
		if arena != nil {
			buf, aerr := arena.Reserve(len(raw), 1)
			if aerr != nil {
				outcomes[i] = TaskOutcome{Err: aerr}
				continue
			}
			copy(buf, raw)
			values[i] = buf
		} else {
			values[i] = raw
		}
	}
	return values, outcomes, nil
}

// WriteBatch writes count rows into handle as a single transaction.
// keys and vals may each be broadcast (Stride == 0) or dense. A task
// whose value is nil is treated as a delete of that key. Tasks with a
// negative count or other structural problem are reported through their
// TaskOutcome without blocking the rest of the batch from being staged;
// the whole batch still commits atomically — bunkv does not offer
// partial-commit batches, only partial-validation error reporting. When
// ext is non-nil the writes join that transaction instead of an
// internal one.
func (db *Database) WriteBatch(ext *Txn, handle CollectionHandle, keys Stride[int64], vals Stride[[]byte], count int) ([]TaskOutcome, error) {
	return db.withGraphTxn(ext, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, count)
		for i := 0; i < count; i++ {
			key := keys.At(i)
			val := vals.At(i)
			row := rowKey(handle, key)
			var werr error
			if val == nil {
				werr = txn.delete(row)
			} else {
				werr = txn.write(row, val)
			}
			if werr != nil {
				outcomes[i] = TaskOutcome{Err: werr}
			}
		}
		return outcomes
	})
}

// SizeBatch returns the number of live rows in each of the given
// collections.
func (db *Database) SizeBatch(handles []CollectionHandle) ([]int, error) {
	sizes := make([]int, len(handles))
	for i, h := range handles {
		n, err := db.substrate.Size(uint64(h))
		if err != nil {
			return nil, err
		}
		sizes[i] = n
	}
	return sizes, nil
}
