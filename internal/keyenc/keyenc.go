// Package keyenc encodes the signed 64-bit integer keys used throughout
// bunkv's substrate into byte strings that sort, under plain
// lexicographic comparison, in the same order as the signed integers
// they represent. The B+Tree storage layer (see the storage package)
// only knows how to compare []byte keys; flipping the sign bit before a
// big-endian encode makes negative keys sort before positive ones the
// way bytes.Compare already sorts unsigned magnitudes.
package keyenc

import "encoding/binary"

// KeySize is the encoded width of an int64 key.
const KeySize = 8

// EncodeInt64 returns the order-preserving byte encoding of key.
func EncodeInt64(key int64) []byte {
	buf := make([]byte, KeySize)
	PutInt64(buf, key)
	return buf
}

// PutInt64 writes the order-preserving encoding of key into buf, which
// must be at least KeySize bytes.
func PutInt64(buf []byte, key int64) {
	binary.BigEndian.PutUint64(buf, uint64(key)^signBit)
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf) ^ signBit)
}

const signBit = uint64(1) << 63

// HandleSize is the encoded width of a collection handle.
const HandleSize = 8

// RowKeySize is the encoded width of a handle+key row address.
const RowKeySize = HandleSize + KeySize

// EncodeRowKey concatenates a collection handle and an int64 row key into
// the composite byte key used as the WAL record key and, within a
// collection's own B+Tree, is unnecessary since each collection gets its
// own tree — EncodeRowKey is used where a single ordered space must
// address rows across collections, such as WAL records and the
// transaction manager's read/write sets.
func EncodeRowKey(handle uint64, key int64) []byte {
	buf := make([]byte, RowKeySize)
	binary.BigEndian.PutUint64(buf[:HandleSize], handle)
	PutInt64(buf[HandleSize:], key)
	return buf
}

// DecodeRowKey reverses EncodeRowKey.
func DecodeRowKey(buf []byte) (handle uint64, key int64) {
	handle = binary.BigEndian.Uint64(buf[:HandleSize])
	key = DecodeInt64(buf[HandleSize:])
	return
}
