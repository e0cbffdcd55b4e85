package bunkv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/tinylib/msgp/msgp"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// DocKind tags which variant of the canonical document sum type a Doc
// holds: null, bool, integer, float, binary, string, array, or object.
type DocKind int

const (
	DocNull DocKind = iota
	DocBool
	DocInt
	DocUint
	DocFloat
	DocBinary
	DocString
	DocArray
	DocObject
)

// DocField is one (key, value) entry of a DocObject, kept in a slice
// rather than a map so the MessagePack and BSON encoders write fields in
// the Doc's own order. Any pass through the native map form (JSON
// parsing, merge, patch, field writes) does not keep the original order:
// docFromNative emits object keys sorted by name.
type DocField struct {
	Key   string
	Value *Doc
}

// Doc is bunkv's canonical internal document representation: every
// value the document modality (document.go) stores is a *Doc, converted from and to JSON,
// MessagePack, or the simplified BSON-like binary form on the way in
// and out.
type Doc struct {
	Kind   DocKind
	Bool   bool
	Int    int64
	Uint   uint64
	Float  float64
	Binary []byte
	Str    string
	Array  []*Doc
	Object []DocField
}

func docNull() *Doc                { return &Doc{Kind: DocNull} }
func docBool(v bool) *Doc          { return &Doc{Kind: DocBool, Bool: v} }
func docInt(v int64) *Doc          { return &Doc{Kind: DocInt, Int: v} }
func docFloat(v float64) *Doc      { return &Doc{Kind: DocFloat, Float: v} }
func docString(v string) *Doc      { return &Doc{Kind: DocString, Str: v} }
func docBinary(v []byte) *Doc      { return &Doc{Kind: DocBinary, Binary: v} }

// Get resolves a single field by key within a DocObject; returns nil if
// d is not an object or the key is absent.
func (d *Doc) Get(key string) *Doc {
	if d == nil || d.Kind != DocObject {
		return nil
	}
	for _, f := range d.Object {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// Set inserts or replaces a field within a DocObject, preserving the
// existing field's position on replace and appending on insert.
func (d *Doc) Set(key string, value *Doc) {
	for i, f := range d.Object {
		if f.Key == key {
			d.Object[i].Value = value
			return
		}
	}
	d.Object = append(d.Object, DocField{Key: key, Value: value})
}

// fieldKeys returns a DocObject's keys, sorted, for gist enumeration.
func (d *Doc) fieldKeys() []string {
	keys := make([]string, len(d.Object))
	for i, f := range d.Object {
		keys[i] = f.Key
	}
	sort.Strings(keys)
	return keys
}

// docFromNative builds a Doc from the interface{} shape encoding/json
// and gojsonpointer both operate on: nil, bool, float64/json.Number,
// string, []interface{}, map[string]interface{}.
func docFromNative(v interface{}) *Doc {
	switch t := v.(type) {
	case nil:
		return docNull()
	case bool:
		return docBool(t)
	case float64:
		return docFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return docInt(i)
		}
		f, _ := t.Float64()
		return docFloat(f)
	case int:
		return docInt(int64(t))
	case int64:
		return docInt(t)
	case uint64:
		return &Doc{Kind: DocUint, Uint: t}
	case string:
		return docString(t)
	case []byte:
		return docBinary(t)
	case []interface{}:
		arr := make([]*Doc, len(t))
		for i, e := range t {
			arr[i] = docFromNative(e)
		}
		return &Doc{Kind: DocArray, Array: arr}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make([]DocField, len(keys))
		for i, k := range keys {
			obj[i] = DocField{Key: k, Value: docFromNative(t[k])}
		}
		return &Doc{Kind: DocObject, Object: obj}
	default:
		return docNull()
	}
}

// docToNative is docFromNative's inverse, producing the interface{}
// shape encoding/json.Marshal and gojsonpointer expect.
func docToNative(d *Doc) interface{} {
	if d == nil {
		return nil
	}
	switch d.Kind {
	case DocNull:
		return nil
	case DocBool:
		return d.Bool
	case DocInt:
		return d.Int
	case DocUint:
		return d.Uint
	case DocFloat:
		return d.Float
	case DocBinary:
		return d.Binary
	case DocString:
		return d.Str
	case DocArray:
		arr := make([]interface{}, len(d.Array))
		for i, e := range d.Array {
			arr[i] = docToNative(e)
		}
		return arr
	case DocObject:
		obj := make(map[string]interface{}, len(d.Object))
		for _, f := range d.Object {
			obj[f.Key] = docToNative(f.Value)
		}
		return obj
	default:
		return nil
	}
}

// docFromJSON parses JSON text into the canonical form, using
// json.Number so integers round-trip without precision loss through
// float64.
func docFromJSON(raw []byte) (*Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("bunkv: parse JSON document: %w", err)
	}
	return docFromNative(v), nil
}

// docToJSON serializes the canonical form to JSON text.
func docToJSON(d *Doc) ([]byte, error) {
	return json.Marshal(docToNative(d))
}

// encodeDocMsgPack writes d in MessagePack, using tinylib/msgp's
// low-level Writer directly rather than code generation, since Doc's
// shape is already a generic variant tree.
func encodeDocMsgPack(d *Doc) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := writeDocMsgPack(w, d); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDocMsgPack(w *msgp.Writer, d *Doc) error {
	if d == nil {
		return w.WriteNil()
	}
	switch d.Kind {
	case DocNull:
		return w.WriteNil()
	case DocBool:
		return w.WriteBool(d.Bool)
	case DocInt:
		return w.WriteInt64(d.Int)
	case DocUint:
		return w.WriteUint64(d.Uint)
	case DocFloat:
		return w.WriteFloat64(d.Float)
	case DocBinary:
		return w.WriteBytes(d.Binary)
	case DocString:
		return w.WriteString(d.Str)
	case DocArray:
		if err := w.WriteArrayHeader(uint32(len(d.Array))); err != nil {
			return err
		}
		for _, e := range d.Array {
			if err := writeDocMsgPack(w, e); err != nil {
				return err
			}
		}
		return nil
	case DocObject:
		if err := w.WriteMapHeader(uint32(len(d.Object))); err != nil {
			return err
		}
		for _, f := range d.Object {
			if err := w.WriteString(f.Key); err != nil {
				return err
			}
			if err := writeDocMsgPack(w, f.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("bunkv: unknown document kind %d", d.Kind)
	}
}

// decodeDocMsgPack parses MessagePack bytes into the canonical form.
func decodeDocMsgPack(raw []byte) (*Doc, error) {
	r := msgp.NewReader(bytes.NewReader(raw))
	return readDocMsgPack(r)
}

func readDocMsgPack(r *msgp.Reader) (*Doc, error) {
	kind, err := r.NextType()
	if err != nil {
		return nil, err
	}
	switch kind {
	case msgp.NilType:
		if err := r.ReadNil(); err != nil {
			return nil, err
		}
		return docNull(), nil
	case msgp.BoolType:
		v, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return docBool(v), nil
	case msgp.IntType:
		v, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		return docInt(v), nil
	case msgp.UintType:
		v, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return &Doc{Kind: DocUint, Uint: v}, nil
	case msgp.Float32Type, msgp.Float64Type:
		v, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		return docFloat(v), nil
	case msgp.BinType:
		v, err := r.ReadBytes(nil)
		if err != nil {
			return nil, err
		}
		return docBinary(v), nil
	case msgp.StrType:
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return docString(v), nil
	case msgp.ArrayType:
		n, err := r.ReadArrayHeader()
		if err != nil {
			return nil, err
		}
		arr := make([]*Doc, n)
		for i := range arr {
			arr[i], err = readDocMsgPack(r)
			if err != nil {
				return nil, err
			}
		}
		return &Doc{Kind: DocArray, Array: arr}, nil
	case msgp.MapType:
		n, err := r.ReadMapHeader()
		if err != nil {
			return nil, err
		}
		obj := make([]DocField, n)
		for i := range obj {
			key, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			val, err := readDocMsgPack(r)
			if err != nil {
				return nil, err
			}
			obj[i] = DocField{Key: key, Value: val}
		}
		return &Doc{Kind: DocObject, Object: obj}, nil
	default:
		return nil, fmt.Errorf("bunkv: unsupported MessagePack type %v in document", kind)
	}
}

// Simplified BSON-like encoding: a hand-rolled, compact tag+length
// format that round-trips the canonical form losslessly. It is not
// wire-compatible with real BSON; the on-disk shape is left
// implementation-defined rather than matching the BSON spec byte for
// byte.
const (
	bsonTagNull byte = iota
	bsonTagBool
	bsonTagInt
	bsonTagUint
	bsonTagFloat
	bsonTagBinary
	bsonTagString
	bsonTagArray
	bsonTagObject
)

func encodeDocBSON(d *Doc) []byte {
	var buf bytes.Buffer
	writeDocBSON(&buf, d)
	return buf.Bytes()
}

func writeDocBSON(buf *bytes.Buffer, d *Doc) {
	if d == nil {
		buf.WriteByte(bsonTagNull)
		return
	}
	switch d.Kind {
	case DocNull:
		buf.WriteByte(bsonTagNull)
	case DocBool:
		buf.WriteByte(bsonTagBool)
		if d.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case DocInt:
		buf.WriteByte(bsonTagInt)
		writeBSONUvarint(buf, uint64(d.Int))
	case DocUint:
		buf.WriteByte(bsonTagUint)
		writeBSONUvarint(buf, d.Uint)
	case DocFloat:
		buf.WriteByte(bsonTagFloat)
		writeBSONUvarint(buf, floatBits(d.Float))
	case DocBinary:
		buf.WriteByte(bsonTagBinary)
		writeBSONUvarint(buf, uint64(len(d.Binary)))
		buf.Write(d.Binary)
	case DocString:
		buf.WriteByte(bsonTagString)
		writeBSONUvarint(buf, uint64(len(d.Str)))
		buf.WriteString(d.Str)
	case DocArray:
		buf.WriteByte(bsonTagArray)
		writeBSONUvarint(buf, uint64(len(d.Array)))
		for _, e := range d.Array {
			writeDocBSON(buf, e)
		}
	case DocObject:
		buf.WriteByte(bsonTagObject)
		writeBSONUvarint(buf, uint64(len(d.Object)))
		for _, f := range d.Object {
			writeBSONUvarint(buf, uint64(len(f.Key)))
			buf.WriteString(f.Key)
			writeDocBSON(buf, f.Value)
		}
	}
}

func decodeDocBSON(raw []byte) (*Doc, error) {
	r := bytes.NewReader(raw)
	return readDocBSON(r)
}

func readDocBSON(r *bytes.Reader) (*Doc, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errs.ErrCorrupted
	}
	switch tag {
	case bsonTagNull:
		return docNull(), nil
	case bsonTagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, errs.ErrCorrupted
		}
		return docBool(b != 0), nil
	case bsonTagInt:
		v, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		return docInt(int64(v)), nil
	case bsonTagUint:
		v, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		return &Doc{Kind: DocUint, Uint: v}, nil
	case bsonTagFloat:
		v, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		return docFloat(bitsToFloat(v)), nil
	case bsonTagBinary:
		n, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return nil, errs.ErrCorrupted
		}
		return docBinary(b), nil
	case bsonTagString:
		n, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return nil, errs.ErrCorrupted
		}
		return docString(string(b)), nil
	case bsonTagArray:
		n, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		arr := make([]*Doc, n)
		for i := range arr {
			arr[i], err = readDocBSON(r)
			if err != nil {
				return nil, err
			}
		}
		return &Doc{Kind: DocArray, Array: arr}, nil
	case bsonTagObject:
		n, err := readBSONUvarint(r)
		if err != nil {
			return nil, err
		}
		obj := make([]DocField, n)
		for i := range obj {
			klen, err := readBSONUvarint(r)
			if err != nil {
				return nil, err
			}
			kb := make([]byte, klen)
			if _, err := r.Read(kb); err != nil {
				return nil, errs.ErrCorrupted
			}
			val, err := readDocBSON(r)
			if err != nil {
				return nil, err
			}
			obj[i] = DocField{Key: string(kb), Value: val}
		}
		return &Doc{Kind: DocObject, Object: obj}, nil
	default:
		return nil, errs.ErrCorrupted
	}
}

func writeBSONUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	buf.Write(tmp[:n])
}

func readBSONUvarint(r *bytes.Reader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errs.ErrCorrupted
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

func floatBits(f float64) uint64   { return math.Float64bits(f) }
func bitsToFloat(v uint64) float64 { return math.Float64frombits(v) }
