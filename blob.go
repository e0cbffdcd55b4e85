package bunkv

import "github.com/RoaringBitmap/roaring/v2"

// Blobs reads and writes opaque byte payloads keyed by int64, the
// thinnest of bunkv's four data models: it is the substrate's
// Read/Write/Scan/Size surface with nothing layered on top beyond
// collection-modality checking.

// BlobRead fetches count values from a blob collection at a single
// consistent snapshot, or joins txn if non-nil.
func (db *Database) BlobRead(txn *Txn, collection string, keys Stride[int64], count int, arena *Arena) ([][]byte, []TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityBlob)
	if err != nil {
		return nil, nil, err
	}
	return db.ReadBatch(txn, CollectionHandle(meta.Handle), keys, count, arena)
}

// BlobReadColumns is BlobRead's columnar form: a presence bitmap,
// count+1 offsets into a single value tape, and a parallel lengths
// column using the missing-key sentinel, selected by opts, per blob's
// pass-through over the substrate's read contract.
func (db *Database) BlobReadColumns(txn *Txn, collection string, keys Stride[int64], count int, opts ReadOptions) (presence *roaring.Bitmap, offsets []int, lengths []uint32, tape []byte, err error) {
	meta, err := db.resolve(collection, ModalityBlob)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return db.ReadColumns(txn, CollectionHandle(meta.Handle), keys, count, opts)
}

// BlobWrite writes count values into a blob collection as a single
// transaction, or joins txn if non-nil. A nil value deletes that key.
func (db *Database) BlobWrite(txn *Txn, collection string, keys Stride[int64], vals Stride[[]byte], count int) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityBlob)
	if err != nil {
		return nil, err
	}
	return db.WriteBatch(txn, CollectionHandle(meta.Handle), keys, vals, count)
}

// BlobScan returns every live (key, value) pair in [start, end] within a
// blob collection, read at HEAD.
func (db *Database) BlobScan(collection string, start, end int64) ([]Entry, error) {
	meta, err := db.resolve(collection, ModalityBlob)
	if err != nil {
		return nil, err
	}
	rows, err := db.substrate.Scan(meta.Handle, start, end, nil)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{Key: r.Key, Value: r.Value}
	}
	return entries, nil
}

// BlobSize returns the number of live rows in a blob collection.
func (db *Database) BlobSize(collection string) (int, error) {
	meta, err := db.resolve(collection, ModalityBlob)
	if err != nil {
		return 0, err
	}
	return db.substrate.Size(meta.Handle)
}

// Entry is the public (key, value) pair returned by a collection scan,
// mirroring storage.ScanEntry one layer up so callers outside the module
// never need to import the storage package directly.
type Entry struct {
	Key   int64
	Value []byte
}
