package bunkv

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/xeipuuv/gojsonpointer"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
)

// Format names the external wire representation a document is parsed
// from or serialized to: JSON text, MessagePack, or bunkv's simplified
// BSON-like binary form (§4.7).
type Format int

const (
	FormatJSON Format = iota
	FormatMsgPack
	FormatBSON
)

func decodeFormat(raw []byte, format Format) (*Doc, error) {
	switch format {
	case FormatJSON:
		return docFromJSON(raw)
	case FormatMsgPack:
		return decodeDocMsgPack(raw)
	case FormatBSON:
		return decodeDocBSON(raw)
	default:
		return nil, errs.ErrInvalidArgument
	}
}

func encodeFormat(d *Doc, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return docToJSON(d)
	case FormatMsgPack:
		return encodeDocMsgPack(d)
	case FormatBSON:
		return encodeDocBSON(d), nil
	default:
		return nil, errs.ErrInvalidArgument
	}
}

// WriteMode selects docs-write's replace/insert/update/merge/patch
// semantics (§4.7).
type WriteMode int

const (
	WriteUpsert WriteMode = iota // replace, creating if absent
	WriteInsert                  // fail if present
	WriteUpdate                  // fail if absent
	WriteMerge                   // RFC 7386 merge-patch
	WritePatch                   // RFC 6902 patch
)

// storage encoding for documents is always MessagePack: compact,
// self-describing, and already wired for the external MessagePack
// target, so no separate on-disk format is needed.
const docStorageFormat = FormatMsgPack

func (db *Database) readDoc(handle CollectionHandle, key int64) (*Doc, bool, error) {
	raw, found, err := db.substrate.Get(rowKey(handle, key))
	if err != nil || !found {
		return nil, found, err
	}
	doc, err := decodeFormat(raw, docStorageFormat)
	if err != nil {
		return nil, true, err
	}
	return doc, true, nil
}

// DocsWrite writes documents into collection under the given mode.
// field, if non-empty, is a JSON-Pointer restricting the write to that
// subtree of each document rather than the whole document. When ext is
// non-nil the writes join that transaction instead of an internal one,
// per §6's optional transaction handle.
//
// idField selects between two ways of supplying the batch. With
// idField == "", keys and payloads are parallel: keys[i] is the row key
// for payloads[i], decoded individually. With idField != "", payloads
// must hold exactly one element: a single encoded array of document
// objects, sliced by reading idField (a JSON-Pointer into each element)
// as an int64 row key; keys is ignored and the returned outcomes are
// sized to the decoded array's length instead of len(keys).
func (db *Database) DocsWrite(ext *Txn, collection string, keys []int64, payloads [][]byte, format Format, mode WriteMode, field string, idField string) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityDocument)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)

	if idField != "" {
		return db.docsWriteByIDField(ext, handle, payloads, format, mode, field, idField)
	}

	return db.withGraphTxn(ext, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(keys))
		for i, key := range keys {
			incoming, derr := decodeFormat(payloads[i], format)
			if derr != nil {
				outcomes[i] = TaskOutcome{Err: fmt.Errorf("bunkv: decode document: %w", derr)}
				continue
			}
			if werr := db.applyDocWrite(txn, handle, key, incoming, mode, field); werr != nil {
				outcomes[i] = TaskOutcome{Err: werr}
			}
		}
		return outcomes
	})
}

// docsWriteByIDField implements DocsWrite's idField-sliced batch form:
// decode the single incoming array, read idField out of each element to
// derive its row key, and write each element individually under mode.
func (db *Database) docsWriteByIDField(ext *Txn, handle CollectionHandle, payloads [][]byte, format Format, mode WriteMode, field, idField string) ([]TaskOutcome, error) {
	if len(payloads) != 1 {
		return nil, fmt.Errorf("bunkv: id-field batch requires exactly one payload holding an array, got %d", len(payloads))
	}
	batch, derr := decodeFormat(payloads[0], format)
	if derr != nil {
		return nil, fmt.Errorf("bunkv: decode document batch: %w", derr)
	}
	if batch.Kind != DocArray {
		return nil, fmt.Errorf("bunkv: id-field batch payload must be a JSON array of objects")
	}
	elems := batch.Array

	ptr, perr := gojsonpointer.NewJsonPointer(idField)
	if perr != nil {
		return nil, fmt.Errorf("bunkv: invalid id-field pointer %q: %w", idField, perr)
	}

	return db.withGraphTxn(ext, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(elems))
		for i, elem := range elems {
			native, _, gerr := ptr.Get(docToNative(elem))
			if gerr != nil {
				outcomes[i] = TaskOutcome{Err: fmt.Errorf("%w: id-field %q missing on element %d", errs.ErrPointerNotFound, idField, i)}
				continue
			}
			idValue, _, collision := castScalar(docFromNative(native), ScalarInt64)
			if collision {
				outcomes[i] = TaskOutcome{Err: fmt.Errorf("%w: id-field %q on element %d is not an integer", errs.ErrInvalidArgument, idField, i)}
				continue
			}
			key := idValue.(int64)
			if werr := db.applyDocWrite(txn, handle, key, elem, mode, field); werr != nil {
				outcomes[i] = TaskOutcome{Err: werr}
			}
		}
		return outcomes
	})
}

func (db *Database) applyDocWrite(txn graphTxn, handle CollectionHandle, key int64, incoming *Doc, mode WriteMode, field string) error {
	row := rowKey(handle, key)
	raw, rerr := txn.read(row)
	exists := rerr == nil
	var existing *Doc
	if exists {
		var derr error
		existing, derr = decodeFormat(raw, docStorageFormat)
		if derr != nil {
			return derr
		}
	}

	switch mode {
	case WriteInsert:
		if exists && field == "" {
			return errs.ErrAlreadyPresent
		}
	case WriteUpdate:
		if !exists {
			return errs.ErrNotFound
		}
	case WriteMerge:
		if !exists {
			existing = docNull()
		}
		merged := docFromNative(mergePatch(docToNative(existing), docToNative(incoming)))
		return db.storeDoc(txn, row, merged)
	case WritePatch:
		if !exists {
			return errs.ErrNotFound
		}
		ops, perr := parsePatchOps(incoming)
		if perr != nil {
			return perr
		}
		patched, perr := applyPatch(docToNative(existing), ops)
		if perr != nil {
			return perr
		}
		return db.storeDoc(txn, row, docFromNative(patched))
	}

	if field == "" {
		return db.storeDoc(txn, row, incoming)
	}

	base := existing
	if base == nil {
		base = &Doc{Kind: DocObject}
	}
	ptr, perr := gojsonpointer.NewJsonPointer(field)
	if perr != nil {
		return fmt.Errorf("bunkv: invalid JSON pointer %q: %w", field, perr)
	}
	updated, serr := ptr.Set(docToNative(base), docToNative(incoming))
	if serr != nil {
		return fmt.Errorf("bunkv: set field %q: %w", field, serr)
	}
	return db.storeDoc(txn, row, docFromNative(updated))
}

func (db *Database) storeDoc(txn graphTxn, row transaction.RowKey, doc *Doc) error {
	encoded, err := encodeFormat(doc, docStorageFormat)
	if err != nil {
		return err
	}
	return txn.write(row, encoded)
}

// DocsRead fetches documents from collection, serialized to format, in
// the substrate's columnar batch-read shape: a presence bitmap, a
// count+1 offsets slice into a single joined byte tape, and a parallel
// lengths slice using missingLength for an absent key. A document that
// fails to decode or re-encode is treated the same as an absent key
// rather than aborting the batch.
func (db *Database) DocsRead(collection string, keys []int64, format Format) (presence *roaring.Bitmap, offsets []int, lengths []uint32, tape []byte, err error) {
	meta, rerr := db.resolve(collection, ModalityDocument)
	if rerr != nil {
		return nil, nil, nil, nil, rerr
	}
	handle := CollectionHandle(meta.Handle)

	presence = roaring.New()
	offsets = make([]int, len(keys)+1)
	lengths = make([]uint32, len(keys))

	var parts [][]byte
	total := 0
	for i, key := range keys {
		doc, found, derr := db.readDoc(handle, key)
		var out []byte
		if derr == nil && found {
			out, derr = encodeFormat(doc, format)
			found = found && derr == nil
		}
		if found {
			presence.Add(uint32(i))
			lengths[i] = uint32(len(out))
			total += len(out)
			parts = append(parts, out)
		} else {
			lengths[i] = missingLength
		}
		offsets[i+1] = total
	}

	tape = make([]byte, 0, total)
	for _, p := range parts {
		tape = append(tape, p...)
	}
	return presence, offsets, lengths, tape, nil
}

// ScalarType is a target type for a field read or a gather column.
type ScalarType int

const (
	ScalarNull ScalarType = iota
	ScalarBool
	ScalarInt64
	ScalarUint64
	ScalarFloat64
	ScalarString
	ScalarBinary
)

// castScalar converts d to target, per the explicit cast matrix design
// note: exact casts return converted=false; lossy or type-changing
// casts set converted=true; impossible casts set collision=true and
// return a zero value.
func castScalar(d *Doc, target ScalarType) (value interface{}, converted bool, collision bool) {
	if d == nil {
		d = docNull()
	}
	switch target {
	case ScalarBool:
		switch d.Kind {
		case DocBool:
			return d.Bool, false, false
		case DocInt:
			return d.Int != 0, true, false
		case DocUint:
			return d.Uint != 0, true, false
		case DocFloat:
			return d.Float != 0, true, false
		default:
			return false, false, true
		}
	case ScalarInt64:
		switch d.Kind {
		case DocInt:
			return d.Int, false, false
		case DocUint:
			return int64(d.Uint), true, false
		case DocFloat:
			return int64(d.Float), true, false
		case DocBool:
			if d.Bool {
				return int64(1), true, false
			}
			return int64(0), true, false
		default:
			return int64(0), false, true
		}
	case ScalarUint64:
		switch d.Kind {
		case DocUint:
			return d.Uint, false, false
		case DocInt:
			if d.Int < 0 {
				return uint64(0), false, true
			}
			return uint64(d.Int), true, false
		case DocFloat:
			return uint64(d.Float), true, false
		default:
			return uint64(0), false, true
		}
	case ScalarFloat64:
		switch d.Kind {
		case DocFloat:
			return d.Float, false, false
		case DocInt:
			return float64(d.Int), true, false
		case DocUint:
			return float64(d.Uint), true, false
		default:
			return float64(0), false, true
		}
	case ScalarString:
		switch d.Kind {
		case DocString:
			return d.Str, false, false
		case DocInt:
			return strconv.FormatInt(d.Int, 10), true, false
		case DocUint:
			return strconv.FormatUint(d.Uint, 10), true, false
		case DocFloat:
			return strconv.FormatFloat(d.Float, 'g', -1, 64), true, false
		case DocBool:
			return strconv.FormatBool(d.Bool), true, false
		default:
			return "", false, true
		}
	case ScalarBinary:
		switch d.Kind {
		case DocBinary:
			return d.Binary, false, false
		case DocString:
			return []byte(d.Str), true, false
		default:
			return []byte(nil), false, true
		}
	default:
		return nil, false, false
	}
}

// ReadField reads a single JSON-Pointer field from a document, cast to
// target. converted reports a lossy or type-changing cast; collision
// reports the value exists but cannot be cast.
func (db *Database) ReadField(collection string, key int64, pointer string, target ScalarType) (value interface{}, converted bool, collision bool, err error) {
	meta, rerr := db.resolve(collection, ModalityDocument)
	if rerr != nil {
		return nil, false, false, rerr
	}
	doc, found, rerr := db.readDoc(CollectionHandle(meta.Handle), key)
	if rerr != nil {
		return nil, false, false, rerr
	}
	if !found {
		return nil, false, false, errs.ErrNotFound
	}

	if pointer == "" || pointer == "/" {
		v, c, col := castScalar(doc, target)
		return v, c, col, nil
	}
	ptr, perr := gojsonpointer.NewJsonPointer(pointer)
	if perr != nil {
		return nil, false, false, fmt.Errorf("bunkv: invalid JSON pointer %q: %w", pointer, perr)
	}
	native, _, gerr := ptr.Get(docToNative(doc))
	if gerr != nil {
		return nil, false, false, errs.ErrPointerNotFound
	}
	field := docFromNative(native)
	v, c, col := castScalar(field, target)
	return v, c, col, nil
}

// Gist returns the sorted, unique set of JSON-Pointer paths that appear
// across every selected document's top-level fields.
func (db *Database) Gist(collection string, keys []int64) ([]string, error) {
	meta, err := db.resolve(collection, ModalityDocument)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)

	seen := make(map[string]bool)
	for _, key := range keys {
		doc, found, rerr := db.readDoc(handle, key)
		if rerr != nil || !found || doc.Kind != DocObject {
			continue
		}
		for _, k := range doc.fieldKeys() {
			seen["/"+k] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// GatherColumn names one requested output column of a Gather call.
type GatherColumn struct {
	Field string // JSON-Pointer
	Type  ScalarType
}

// GatherColumnResult is one requested column's output from Gather: a
// dense Values slice (one entry per key, zero value where invalid) plus
// the validity and converted bitset planes §4.7 and §6 require — one
// bit per row, set when that row's cell is respectively valid (present
// and castable) or the cast was lossy/type-changing.
type GatherColumnResult struct {
	Values    []interface{}
	Validity  *roaring.Bitmap
	Converted *roaring.Bitmap
}

// Gather casts each requested field of each document into a columnar
// table: one GatherColumnResult per requested column, each carrying its
// own validity and converted bitset planes rather than a per-cell
// struct, so a caller can hand a column's Validity bitmap straight to
// anything that already consumes roaring bitmaps (e.g. to intersect
// with a presence bitmap from ReadColumns) without re-deriving it.
func (db *Database) Gather(collection string, keys []int64, columns []GatherColumn) ([]GatherColumnResult, error) {
	meta, err := db.resolve(collection, ModalityDocument)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)

	docs := make([]*Doc, len(keys))
	for r, key := range keys {
		doc, found, rerr := db.readDoc(handle, key)
		if rerr == nil && found {
			docs[r] = doc
		}
	}

	results := make([]GatherColumnResult, len(columns))
	for c, col := range columns {
		res := GatherColumnResult{
			Values:    make([]interface{}, len(keys)),
			Validity:  roaring.New(),
			Converted: roaring.New(),
		}
		var ptr gojsonpointer.JsonPointer
		usePtr := col.Field != "" && col.Field != "/"
		if usePtr {
			p, perr := gojsonpointer.NewJsonPointer(col.Field)
			if perr != nil {
				results[c] = res
				continue
			}
			ptr = p
		}
		for r, doc := range docs {
			if doc == nil {
				continue
			}
			var native interface{}
			ok := true
			if usePtr {
				v, _, gerr := ptr.Get(docToNative(doc))
				if gerr != nil {
					ok = false
				} else {
					native = v
				}
			} else {
				native = docToNative(doc)
			}
			if !ok {
				continue
			}
			value, converted, collision := castScalar(docFromNative(native), col.Type)
			if collision {
				continue
			}
			res.Values[r] = value
			res.Validity.Add(uint32(r))
			if converted {
				res.Converted.Add(uint32(r))
			}
		}
		results[c] = res
	}
	return results, nil
}
