package bunkv

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// ExportCollection writes every row of collection, in key order, to w as
// a zstd-compressed stream of [i64 key][u32 length][value] records. This
// is bunkv's only persistence-adjacent surface beyond the in-process
// substrate itself: a portable, compressed snapshot of one collection's
// rows, independent of the tiered backends the core explicitly leaves
// out of scope.
func (db *Database) ExportCollection(name string, w io.Writer) error {
	meta, ok := db.metadata.get(name)
	if !ok {
		return fmt.Errorf("bunkv: export %q: %w", name, errs.ErrCollectionNotFound)
	}

	rows, err := db.substrate.Scan(meta.Handle, math.MinInt64, math.MaxInt64, nil)
	if err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("bunkv: export: open zstd writer: %w", err)
	}
	defer zw.Close()

	header := make([]byte, 12)
	for _, row := range rows {
		binary.BigEndian.PutUint64(header[0:8], uint64(row.Key))
		binary.BigEndian.PutUint32(header[8:12], uint32(len(row.Value)))
		if _, err := zw.Write(header); err != nil {
			return fmt.Errorf("bunkv: export: write record header: %w", err)
		}
		if _, err := zw.Write(row.Value); err != nil {
			return fmt.Errorf("bunkv: export: write record value: %w", err)
		}
	}
	return zw.Close()
}

// ImportCollection reads a stream produced by ExportCollection and
// writes each row into collection as a single atomic transaction,
// returning the number of rows imported.
func (db *Database) ImportCollection(name string, r io.Reader) (int, error) {
	meta, ok := db.metadata.get(name)
	if !ok {
		return 0, fmt.Errorf("bunkv: import %q: %w", name, errs.ErrCollectionNotFound)
	}
	handle := CollectionHandle(meta.Handle)

	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("bunkv: import: open zstd reader: %w", err)
	}
	defer zr.Close()

	txn, err := db.begin()
	if err != nil {
		return 0, err
	}

	header := make([]byte, 12)
	count := 0
	for {
		if _, err := io.ReadFull(zr, header); err != nil {
			if err == io.EOF {
				break
			}
			_ = db.rollback(txn)
			return count, fmt.Errorf("bunkv: import: read record header: %w", err)
		}
		key := int64(binary.BigEndian.Uint64(header[0:8]))
		length := binary.BigEndian.Uint32(header[8:12])
		value := make([]byte, length)
		if _, err := io.ReadFull(zr, value); err != nil {
			_ = db.rollback(txn)
			return count, fmt.Errorf("bunkv: import: read record value: %w", err)
		}
		if err := db.txnMgr.Write(txn, rowKey(handle, key), value); err != nil {
			_ = db.rollback(txn)
			return count, err
		}
		count++
	}

	if count == 0 {
		_ = db.rollback(txn)
		return 0, nil
	}
	if err := db.commit(txn); err != nil {
		return count, err
	}
	return count, nil
}

