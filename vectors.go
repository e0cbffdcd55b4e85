package bunkv

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// elemSize returns the on-disk width of one vector component for a
// VectorLayout's ElemType, per §4.9.
func elemSize(elemType string) (int, error) {
	switch elemType {
	case "f16":
		return 2, nil
	case "f32":
		return 4, nil
	case "f64":
		return 8, nil
	case "i8":
		return 1, nil
	default:
		return 0, errs.ErrInvalidArgument
	}
}

// encodeVector packs a component slice into the fixed-width, fixed-count
// raw cell a vectors collection stores, per layout.ElemType.
func encodeVector(layout *VectorLayout, components []float64) ([]byte, error) {
	if len(components) != layout.Dimensions {
		return nil, errs.ErrInvalidArgument
	}
	size, err := elemSize(layout.ElemType)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size*layout.Dimensions)
	for i, v := range components {
		off := i * size
		switch layout.ElemType {
		case "f16":
			binary.BigEndian.PutUint16(buf[off:], float32ToFloat16(float32(v)))
		case "f32":
			binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
		case "f64":
			binary.BigEndian.PutUint64(buf[off:], math.Float64bits(v))
		case "i8":
			buf[off] = byte(int8(v))
		}
	}
	return buf, nil
}

// decodeVector unpacks a raw cell into a component slice, per
// layout.ElemType.
func decodeVector(layout *VectorLayout, raw []byte) ([]float64, error) {
	size, err := elemSize(layout.ElemType)
	if err != nil {
		return nil, err
	}
	if len(raw) != size*layout.Dimensions {
		return nil, errs.ErrCorrupted
	}
	out := make([]float64, layout.Dimensions)
	for i := range out {
		off := i * size
		switch layout.ElemType {
		case "f16":
			out[i] = float64(float16ToFloat32(binary.BigEndian.Uint16(raw[off:])))
		case "f32":
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[off:])))
		case "f64":
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[off:]))
		case "i8":
			out[i] = float64(int8(raw[off]))
		}
	}
	return out, nil
}

// float32ToFloat16 and float16ToFloat32 implement IEEE 754 binary16
// conversion with round-to-nearest-even, since the standard library
// carries no half-precision type.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp <= 0:
		return sign
	case exp >= 31:
		return sign | 0x7c00
	default:
		h := uint32(sign) | uint32(exp)<<10 | mant>>13
		// Round to nearest even on the 13 dropped mantissa bits; a carry
		// out of the mantissa bumps the exponent (up to infinity).
		rem := mant & 0x1fff
		if rem > 0x1000 || (rem == 0x1000 && h&1 == 1) {
			h++
		}
		return uint16(h)
	}
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := (h >> 10) & 0x1f
	mant := uint32(h & 0x3ff)

	if exp == 0 {
		return math.Float32frombits(sign)
	}
	if exp == 0x1f {
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	bits := sign | uint32(int32(exp)-15+127)<<23 | (mant << 13)
	return math.Float32frombits(bits)
}

// VectorsWrite stores count vectors, each validated against the
// collection's declared Dimensions. When ext is non-nil the writes join
// that transaction instead of an internal one.
func (db *Database) VectorsWrite(ext *Txn, collection string, keys []int64, vectors [][]float64) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityVectors)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)

	return db.withGraphTxn(ext, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(keys))
		for i, key := range keys {
			raw, eerr := encodeVector(meta.Vector, vectors[i])
			if eerr != nil {
				outcomes[i] = TaskOutcome{Err: eerr}
				continue
			}
			if werr := txn.write(rowKey(handle, key), raw); werr != nil {
				outcomes[i] = TaskOutcome{Err: werr}
			}
		}
		return outcomes
	})
}

// VectorsRead reads count vectors by key at a single consistent
// snapshot, or joins ext if non-nil.
func (db *Database) VectorsRead(ext *Txn, collection string, keys []int64) ([][]float64, []TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityVectors)
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

	values := make([][]float64, len(keys))
	outcomes := make([]TaskOutcome, len(keys))
	for i, key := range keys {
		raw, rerr := txn.read(rowKey(handle, key))
		if rerr != nil {
			outcomes[i] = TaskOutcome{Err: errs.ErrNotFound}
			continue
		}
		v, derr := decodeVector(meta.Vector, raw)
		if derr != nil {
			outcomes[i] = TaskOutcome{Err: derr}
			continue
		}
		values[i] = v
	}
	return values, outcomes, nil
}

// VectorMetric selects the distance function VectorsSearch ranks by.
type VectorMetric int

const (
	MetricCosine VectorMetric = iota
	MetricDot
	MetricL2
)

// VectorMatch is one ranked result from VectorsSearch.
type VectorMatch struct {
	Key   int64
	Score float64
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

func l2Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// searchOne brute-force-scans rows for the k best matches to query under
// metric, keeping only matches that pass threshold when threshold is
// non-nil. There is no ANN index in scope, so the scan is exact and its
// cost is linear in the collection's size.
func searchOne(rows []Entry, layout *VectorLayout, query []float64, k int, metric VectorMetric, threshold *float64) []VectorMatch {
	ascending := metric == MetricL2
	queryNorm := norm(query)

	matches := make([]VectorMatch, 0, len(rows))
	for _, row := range rows {
		v, derr := decodeVector(layout, row.Value)
		if derr != nil {
			continue
		}
		var score float64
		switch metric {
		case MetricCosine:
			denom := queryNorm * norm(v)
			if denom == 0 {
				score = 0
			} else {
				score = dot(query, v) / denom
			}
		case MetricDot:
			score = dot(query, v)
		case MetricL2:
			score = l2Distance(query, v)
		}
		if threshold != nil {
			// Cosine and dot rank higher scores first, so threshold is a
			// floor; L2 ranks lower distances first, so it's a ceiling.
			if ascending && score > *threshold {
				continue
			}
			if !ascending && score < *threshold {
				continue
			}
		}
		matches = append(matches, VectorMatch{Key: row.Key, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			if ascending {
				return matches[i].Score < matches[j].Score
			}
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}

// VectorsSearch ranks collection's rows against one or more query
// vectors under metric, optionally dropping matches that don't clear
// threshold (a similarity floor for MetricCosine/MetricDot, a distance
// ceiling for MetricL2). Results come back as four parallel columns
// rather than one VectorMatch slice per query: counts[i] is the number
// of matches for queries[i], offsets has len(queries)+1 entries with
// offsets[i+1]-offsets[i] == counts[i], and keys/values hold the
// matched rows and metric values flattened across every query in order,
// so a caller can slice keys[offsets[i]:offsets[i+1]] to get query i's
// matches without per-query allocations on this side of the call.
func (db *Database) VectorsSearch(collection string, queries [][]float64, k int, metric VectorMetric, threshold *float64) (counts []int, offsets []int, keys []int64, values []float64, err error) {
	meta, err := db.resolve(collection, ModalityVectors)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for _, q := range queries {
		if len(q) != meta.Vector.Dimensions {
			return nil, nil, nil, nil, errs.ErrInvalidArgument
		}
	}

	scanRows, err := db.substrate.Scan(meta.Handle, math.MinInt64, math.MaxInt64, nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rows := make([]Entry, len(scanRows))
	for i, r := range scanRows {
		rows[i] = Entry{Key: r.Key, Value: r.Value}
	}

	counts = make([]int, len(queries))
	offsets = make([]int, len(queries)+1)
	keys = make([]int64, 0, len(queries)*k)
	values = make([]float64, 0, len(queries)*k)

	for i, q := range queries {
		matches := searchOne(rows, meta.Vector, q, k, metric, threshold)
		counts[i] = len(matches)
		offsets[i+1] = offsets[i] + len(matches)
		for _, m := range matches {
			keys = append(keys, m.Key)
			values = append(values, m.Score)
		}
	}
	return counts, offsets, keys, values, nil
}
