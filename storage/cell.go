package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/kartikbazzad/bunbase/bunkv/mvcc"
)

// cellHeaderSize is the fixed prefix written before every B+Tree leaf
// value: one tombstone byte followed by an 8-byte generation.
const cellHeaderSize = 1 + 8

// EncodeCell packs a payload, its commit generation, and a tombstone bit
// into the byte string stored as a B+Tree leaf value. Carrying the
// generation alongside the payload lets CurrentGeneration answer
// optimistic-commit validation queries without a second tree lookup.
func EncodeCell(payload []byte, gen mvcc.Generation, tombstone bool) []byte {
	buf := make([]byte, cellHeaderSize+len(payload))
	if tombstone {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(gen))
	copy(buf[cellHeaderSize:], payload)
	return buf
}

// DecodeCell reverses EncodeCell.
func DecodeCell(buf []byte) (payload []byte, gen mvcc.Generation, tombstone bool, err error) {
	if len(buf) < cellHeaderSize {
		return nil, 0, false, fmt.Errorf("storage: corrupt cell, %d bytes shorter than header", len(buf))
	}
	tombstone = buf[0] != 0
	gen = mvcc.Generation(binary.BigEndian.Uint64(buf[1:9]))
	if len(buf) > cellHeaderSize {
		payload = make([]byte, len(buf)-cellHeaderSize)
		copy(payload, buf[cellHeaderSize:])
	}
	return payload, gen, tombstone, nil
}
