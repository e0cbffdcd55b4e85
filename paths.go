package bunkv

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// pathSurrogate derives the stable hash surrogate key for a path, per
// §4.8: surrogate = hash64(path-bytes). The top bit of the hash becomes
// part of a signed int64 key; any resulting value is a valid key since
// the substrate's key domain is the full signed 64-bit range (modulo
// the reserved sentinels).
func pathSurrogate(path string) int64 {
	return int64(xxhash.Sum64String(path))
}

// encodePathValue lays out a paths-modality cell as
// [u32 path-length][path-bytes][payload], per §4.8.
func encodePathValue(path string, payload []byte) []byte {
	buf := make([]byte, 4+len(path)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(path)))
	copy(buf[4:4+len(path)], path)
	copy(buf[4+len(path):], payload)
	return buf
}

func decodePathValue(raw []byte) (path string, payload []byte, err error) {
	if len(raw) < 4 {
		return "", nil, errs.ErrCorrupted
	}
	pathLen := int(binary.BigEndian.Uint32(raw[0:4]))
	if len(raw) < 4+pathLen {
		return "", nil, errs.ErrCorrupted
	}
	path = string(raw[4 : 4+pathLen])
	payload = raw[4+pathLen:]
	return path, payload, nil
}

const maxProbeDistance = 64

// probePath walks the open-addressed probe sequence starting at the
// surrogate key for path, returning the key of the slot holding path
// if found, or the key of the first empty slot in the sequence
// otherwise (found=false). Collisions are resolved by probing
// successive keys, per §4.8 ("probing neighbor keys with the same hash
// prefix and comparing stored path bytes").
func (db *Database) probePath(handle CollectionHandle, path string) (key int64, found bool, err error) {
	base := pathSurrogate(path)
	for i := int64(0); i < maxProbeDistance; i++ {
		candidate := base + i
		raw, exists, gerr := db.substrate.Get(rowKey(handle, candidate))
		if gerr != nil {
			return 0, false, gerr
		}
		if !exists {
			return candidate, false, nil
		}
		storedPath, _, derr := decodePathValue(raw)
		if derr != nil {
			return 0, false, derr
		}
		if storedPath == path {
			return candidate, true, nil
		}
	}
	return 0, false, errs.ErrOutOfMemory
}

// PathsWrite writes count (path, value) pairs. A nil value deletes the
// path if present. When ext is non-nil the writes join that transaction
// instead of an internal one.
func (db *Database) PathsWrite(ext *Txn, collection string, paths []string, values [][]byte) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityPaths)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)

	return db.withGraphTxn(ext, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(paths))
		for i, path := range paths {
			key, found, perr := db.probePath(handle, path)
			if perr != nil {
				outcomes[i] = TaskOutcome{Err: perr}
				continue
			}
			row := rowKey(handle, key)
			if values[i] == nil {
				if !found {
					outcomes[i] = TaskOutcome{Err: errs.ErrNotFound}
					continue
				}
				if derr := txn.delete(row); derr != nil {
					outcomes[i] = TaskOutcome{Err: derr}
				}
				continue
			}
			cell := encodePathValue(path, values[i])
			if werr := txn.write(row, cell); werr != nil {
				outcomes[i] = TaskOutcome{Err: werr}
			}
		}
		return outcomes
	})
}

// PathsRead reads count paths' payloads at a single consistent snapshot,
// or joins ext if non-nil.
func (db *Database) PathsRead(ext *Txn, collection string, paths []string) ([][]byte, []TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityPaths)
	if err != nil {
		return nil, nil, err
	}
	handle := CollectionHandle(meta.Handle)

	var txn graphTxn
	if ext != nil {
		txn = ext
	} else {
		t, terr := db.beginReadOnly()
		if terr != nil {
			return nil, nil, terr
		}
		defer func() { _ = db.rollback(t) }()
		txn = &txnAdapter{db: db, txn: t}
	}

	values := make([][]byte, len(paths))
	outcomes := make([]TaskOutcome, len(paths))
	for i, path := range paths {
		key, found, perr := db.probePath(handle, path)
		if perr != nil {
			outcomes[i] = TaskOutcome{Err: perr}
			continue
		}
		if !found {
			outcomes[i] = TaskOutcome{Err: errs.ErrNotFound}
			continue
		}
		raw, rerr := txn.read(rowKey(handle, key))
		if rerr != nil {
			outcomes[i] = TaskOutcome{Err: errs.ErrNotFound}
			continue
		}
		_, payload, derr := decodePathValue(raw)
		if derr != nil {
			outcomes[i] = TaskOutcome{Err: derr}
			continue
		}
		values[i] = payload
	}
	return values, outcomes, nil
}

// PathCursor resumes a PathsMatch enumeration across calls.
type PathCursor struct {
	NextKey int64
}

var regexMetachars = regexp.MustCompile(`[.*+?()\[\]{}^$|\\]`)

// PathsMatch enumerates up to limit stored paths matching pattern,
// starting from cursor (or the beginning of the collection if nil).
// pattern is a literal prefix if it contains no regex metacharacters,
// else an anchored regular expression, per §4.8.
func (db *Database) PathsMatch(collection string, pattern string, limit int, cursor *PathCursor) (matches []string, next *PathCursor, err error) {
	meta, err := db.resolve(collection, ModalityPaths)
	if err != nil {
		return nil, nil, err
	}
	var matcher func(string) bool
	if regexMetachars.MatchString(pattern) {
		re, rerr := regexp.Compile("^" + pattern)
		if rerr != nil {
			return nil, nil, fmt.Errorf("bunkv: invalid paths-match pattern: %w", rerr)
		}
		matcher = re.MatchString
	} else {
		matcher = func(p string) bool { return strings.HasPrefix(p, pattern) }
	}

	start := int64(math.MinInt64)
	if cursor != nil {
		start = cursor.NextKey
	}
	rows, err := db.substrate.Scan(meta.Handle, start, math.MaxInt64, nil)
	if err != nil {
		return nil, nil, err
	}

	// A roaring bitmap tracks which scanned rows in this batch matched
	// the pattern, letting the final collection pass skip straight to
	// the matched offsets instead of re-testing every row.
	matchedOffsets := roaring.New()
	paths := make([]string, len(rows))
	for i, row := range rows {
		path, _, derr := decodePathValue(row.Value)
		if derr != nil {
			continue
		}
		paths[i] = path
		if matcher(path) {
			matchedOffsets.Add(uint32(i))
		}
	}

	it := matchedOffsets.Iterator()
	lastExamined := -1
	for it.HasNext() && len(matches) < limit {
		offset := int(it.Next())
		matches = append(matches, paths[offset])
		lastExamined = offset
	}

	if lastExamined >= 0 && lastExamined+1 < len(rows) {
		next = &PathCursor{NextKey: rows[lastExamined+1].Key}
	}
	return matches, next, nil
}
