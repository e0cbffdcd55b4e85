package bunkv

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
)

// Role selects which of a vertex's two adjacency runs an operation
// consults: its outgoing edges, its incoming edges, or both.
type Role int

const (
	RoleSource Role = iota
	RoleTarget
	RoleAny
)

// NoEdgeID is the reserved sentinel used when an edge is specified
// without an explicit edge-id, or emitted in place of one that was
// never assigned.
const NoEdgeID int64 = math.MaxInt64

// MissingKey is the reserved "unknown key" sentinel used in edge
// emissions to indicate an absent vertex.
const MissingKey int64 = math.MaxInt64

// DegreeMissing is the degree value reported for a vertex that does not
// exist.
const DegreeMissing uint32 = math.MaxUint32

// Edge is one (source, target, edge-id) triple.
type Edge struct {
	Source int64
	Target int64
	EdgeID int64
}

// pair is one (neighbor-key, edge-id) entry within a vertex's adjacency
// run, sorted ascending by (Neighbor, EdgeID).
type pair struct {
	Neighbor int64
	EdgeID   int64
}

// vertexValue is the decoded form of §4.6's binary vertex layout:
// [u32 out-count][u32 in-count][out-pairs...][in-pairs...], each pair
// (i64 neighbor-key, i64 edge-id).
type vertexValue struct {
	Out []pair
	In  []pair
}

const pairSize = 16 // two int64s

func decodeVertex(raw []byte) (*vertexValue, error) {
	if len(raw) < 8 {
		return nil, errs.ErrCorrupted
	}
	outCount := binary.BigEndian.Uint32(raw[0:4])
	inCount := binary.BigEndian.Uint32(raw[4:8])
	want := 8 + int(outCount)*pairSize + int(inCount)*pairSize
	if len(raw) != want {
		return nil, errs.ErrCorrupted
	}
	v := &vertexValue{Out: make([]pair, outCount), In: make([]pair, inCount)}
	off := 8
	for i := range v.Out {
		v.Out[i] = pair{
			Neighbor: int64(binary.BigEndian.Uint64(raw[off : off+8])),
			EdgeID:   int64(binary.BigEndian.Uint64(raw[off+8 : off+16])),
		}
		off += pairSize
	}
	for i := range v.In {
		v.In[i] = pair{
			Neighbor: int64(binary.BigEndian.Uint64(raw[off : off+8])),
			EdgeID:   int64(binary.BigEndian.Uint64(raw[off+8 : off+16])),
		}
		off += pairSize
	}
	return v, nil
}

func (v *vertexValue) encode() []byte {
	buf := make([]byte, 8+len(v.Out)*pairSize+len(v.In)*pairSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(v.Out)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(v.In)))
	off := 8
	for _, p := range v.Out {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(p.Neighbor))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(p.EdgeID))
		off += pairSize
	}
	for _, p := range v.In {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(p.Neighbor))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(p.EdgeID))
		off += pairSize
	}
	return buf
}

// insertSorted inserts p into run if it is not already present,
// maintaining ascending (Neighbor, EdgeID) order via binary search.
func insertSorted(run []pair, p pair) []pair {
	i := sort.Search(len(run), func(i int) bool {
		return less(p, run[i]) || run[i] == p
	})
	if i < len(run) && run[i] == p {
		return run
	}
	run = append(run, pair{})
	copy(run[i+1:], run[i:])
	run[i] = p
	return run
}

func less(a, b pair) bool {
	if a.Neighbor != b.Neighbor {
		return a.Neighbor < b.Neighbor
	}
	return a.EdgeID < b.EdgeID
}

// removeSorted removes the exact (Neighbor, EdgeID) match from run, if
// present.
func removeSorted(run []pair, p pair) []pair {
	i := sort.Search(len(run), func(i int) bool {
		return less(p, run[i]) || run[i] == p
	})
	if i < len(run) && run[i] == p {
		return append(run[:i], run[i+1:]...)
	}
	return run
}

// removeAllBetween removes every pair in run whose neighbor matches
// target, regardless of edge-id.
func removeAllBetween(run []pair, target int64) []pair {
	out := run[:0]
	for _, p := range run {
		if p.Neighbor != target {
			out = append(out, p)
		}
	}
	return out
}

func (db *Database) readVertex(txn graphTxn, handle CollectionHandle, key int64) (*vertexValue, bool, error) {
	raw, err := txn.read(rowKey(handle, key))
	if err != nil {
		return nil, false, nil
	}
	v, err := decodeVertex(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (db *Database) writeVertex(txn graphTxn, handle CollectionHandle, key int64, v *vertexValue) error {
	return txn.write(rowKey(handle, key), v.encode())
}

// graphTxn is the narrow read/write surface graph operations need,
// satisfied by txnAdapter (an internal *transaction.Transaction bound to
// this Database) and by a caller's *Txn, so
// every graph mutation is atomic regardless of how many vertices it
// touches (§4.6): upsert-edges, remove-edges, and remove-vertices each
// run inside one transaction that is committed (or rolled back, if
// every task failed) after all of a call's tasks have been applied.
type graphTxn interface {
	read(row transaction.RowKey) ([]byte, error)
	write(row transaction.RowKey, value []byte) error
	delete(row transaction.RowKey) error
}

// txnAdapter satisfies graphTxn by delegating to the transaction
// manager bound to db, so graph.go never touches the substrate
// directly and every mutation it makes is subject to the same
// optimistic conflict detection as any other write.
type txnAdapter struct {
	db  *Database
	txn *transaction.Transaction
}

func (a *txnAdapter) read(row transaction.RowKey) ([]byte, error) {
	return a.db.txnMgr.Read(a.txn, row)
}

func (a *txnAdapter) write(row transaction.RowKey, value []byte) error {
	return a.db.txnMgr.Write(a.txn, row, value)
}

func (a *txnAdapter) delete(row transaction.RowKey) error {
	return a.db.txnMgr.Delete(a.txn, row)
}

// withGraphTxn runs fn against ext, if the caller supplied one, leaving
// it open for the caller to Stage/Commit/Abandon afterward. With no
// caller-supplied transaction it opens an internal one and commits it
// if at least one task succeeded, rolling back only if every task in
// the batch failed — §6's "optional transaction handle" on every
// data-path call.
func (db *Database) withGraphTxn(ext *Txn, fn func(txn graphTxn) []TaskOutcome) ([]TaskOutcome, error) {
	if ext != nil {
		if ext.done {
			return nil, errs.ErrInvalidArgument
		}
		return fn(ext), nil
	}

	txn, err := db.begin()
	if err != nil {
		return nil, err
	}
	adapter := &txnAdapter{db: db, txn: txn}
	outcomes := fn(adapter)

	anyOK := false
	for _, o := range outcomes {
		if o.Err == nil {
			anyOK = true
			break
		}
	}
	if !anyOK && len(outcomes) > 0 {
		_ = db.rollback(txn)
		return outcomes, nil
	}
	if err := db.commit(txn); err != nil {
		for i := range outcomes {
			if outcomes[i].Err == nil {
				outcomes[i].Err = err
			}
		}
		return outcomes, err
	}
	return outcomes, nil
}

// GraphUpsertVertices creates an empty vertex value for every key not
// already present; existing vertices are left untouched.
func (db *Database) GraphUpsertVertices(txn *Txn, collection string, keys []int64) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	return db.withGraphTxn(txn, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(keys))
		for i, key := range keys {
			if _, found, _ := db.readVertex(txn, handle, key); found {
				continue
			}
			if err := db.writeVertex(txn, handle, key, &vertexValue{}); err != nil {
				outcomes[i] = TaskOutcome{Err: err}
			}
		}
		return outcomes
	})
}

// GraphUpsertEdges inserts each edge into both endpoints' adjacency
// runs. A duplicate (neighbor, edge-id) pair is a no-op.
func (db *Database) GraphUpsertEdges(txn *Txn, collection string, edges []Edge) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	return db.withGraphTxn(txn, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(edges))
		for i, e := range edges {
			if err := db.upsertOneEdge(txn, handle, e.Source, e.Target, e.EdgeID); err != nil {
				outcomes[i] = TaskOutcome{Err: err}
			}
		}
		return outcomes
	})
}

func (db *Database) upsertOneEdge(txn graphTxn, handle CollectionHandle, s, t, e int64) error {
	sVertex, _, _ := db.readVertex(txn, handle, s)
	if sVertex == nil {
		sVertex = &vertexValue{}
	}
	if s == t {
		sVertex.Out = insertSorted(sVertex.Out, pair{Neighbor: t, EdgeID: e})
		sVertex.In = insertSorted(sVertex.In, pair{Neighbor: s, EdgeID: e})
		return db.writeVertex(txn, handle, s, sVertex)
	}

	tVertex, _, _ := db.readVertex(txn, handle, t)
	if tVertex == nil {
		tVertex = &vertexValue{}
	}
	sVertex.Out = insertSorted(sVertex.Out, pair{Neighbor: t, EdgeID: e})
	tVertex.In = insertSorted(tVertex.In, pair{Neighbor: s, EdgeID: e})
	if err := db.writeVertex(txn, handle, s, sVertex); err != nil {
		return err
	}
	return db.writeVertex(txn, handle, t, tVertex)
}

// GraphRemoveEdges removes the given edges. When Edge.EdgeID is
// NoEdgeID, every edge between Source and Target is removed; otherwise
// only the exact (Source, Target, EdgeID) match is removed.
func (db *Database) GraphRemoveEdges(txn *Txn, collection string, edges []Edge) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	return db.withGraphTxn(txn, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(edges))
		for i, e := range edges {
			if err := db.removeOneEdge(txn, handle, e); err != nil {
				outcomes[i] = TaskOutcome{Err: err}
			}
		}
		return outcomes
	})
}

func (db *Database) removeOneEdge(txn graphTxn, handle CollectionHandle, e Edge) error {
	sVertex, sFound, _ := db.readVertex(txn, handle, e.Source)
	if !sFound {
		return errs.ErrNotFound
	}
	if e.EdgeID == NoEdgeID {
		sVertex.Out = removeAllBetween(sVertex.Out, e.Target)
	} else {
		sVertex.Out = removeSorted(sVertex.Out, pair{Neighbor: e.Target, EdgeID: e.EdgeID})
	}
	if err := db.writeVertex(txn, handle, e.Source, sVertex); err != nil {
		return err
	}

	if e.Source == e.Target {
		return nil
	}
	tVertex, tFound, _ := db.readVertex(txn, handle, e.Target)
	if !tFound {
		return errs.ErrNotFound
	}
	if e.EdgeID == NoEdgeID {
		tVertex.In = removeAllBetween(tVertex.In, e.Source)
	} else {
		tVertex.In = removeSorted(tVertex.In, pair{Neighbor: e.Source, EdgeID: e.EdgeID})
	}
	return db.writeVertex(txn, handle, e.Target, tVertex)
}

// GraphRemoveVertices deletes each vertex and cascades the removal
// through every neighbor's opposite run, per §4.6. role limits which of
// v's own runs drive the cascade.
func (db *Database) GraphRemoveVertices(txn *Txn, collection string, keys []int64, role Role) ([]TaskOutcome, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	return db.withGraphTxn(txn, func(txn graphTxn) []TaskOutcome {
		outcomes := make([]TaskOutcome, len(keys))
		for i, v := range keys {
			if err := db.removeOneVertex(txn, handle, v, role); err != nil {
				outcomes[i] = TaskOutcome{Err: err}
			}
		}
		return outcomes
	})
}

func (db *Database) removeOneVertex(txn graphTxn, handle CollectionHandle, v int64, role Role) error {
	vertex, found, err := db.readVertex(txn, handle, v)
	if err != nil {
		return err
	}
	if !found {
		return errs.ErrNotFound
	}

	if role == RoleSource || role == RoleAny {
		for _, p := range vertex.Out {
			if p.Neighbor == v {
				continue // self-loop already removed with the tombstone below
			}
			neighbor, nFound, _ := db.readVertex(txn, handle, p.Neighbor)
			if !nFound {
				continue
			}
			neighbor.In = removeAllBetween(neighbor.In, v)
			if err := db.writeVertex(txn, handle, p.Neighbor, neighbor); err != nil {
				return err
			}
		}
	}
	if role == RoleTarget || role == RoleAny {
		for _, p := range vertex.In {
			if p.Neighbor == v {
				continue
			}
			neighbor, nFound, _ := db.readVertex(txn, handle, p.Neighbor)
			if !nFound {
				continue
			}
			neighbor.Out = removeAllBetween(neighbor.Out, v)
			if err := db.writeVertex(txn, handle, p.Neighbor, neighbor); err != nil {
				return err
			}
		}
	}
	return txn.delete(rowKey(handle, v))
}

// GraphContains reports whether each key has a vertex value.
func (db *Database) GraphContains(collection string, keys []int64) ([]bool, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	// Presence is tracked in a roaring bitmap keyed by batch offset
	// rather than a plain []bool; for a batch with a sparse hit rate
	// (common for existence probes ahead of a bulk upsert) this keeps
	// the intermediate presence set compact before it is expanded into
	// the caller-facing slice.
	present := roaring.New()
	for i, key := range keys {
		_, found, err := db.substrate.Get(rowKey(CollectionHandle(meta.Handle), key))
		if err != nil {
			return nil, err
		}
		if found {
			present.Add(uint32(i))
		}
	}
	out := make([]bool, len(keys))
	for i := range out {
		out[i] = present.Contains(uint32(i))
	}
	return out, nil
}

// GraphDegree returns the degree of each key under role, or
// DegreeMissing for an absent vertex.
func (db *Database) GraphDegree(collection string, keys []int64, role Role) ([]uint32, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	out := make([]uint32, len(keys))
	for i, key := range keys {
		raw, found, err := db.substrate.Get(rowKey(handle, key))
		if err != nil {
			return nil, err
		}
		if !found {
			out[i] = DegreeMissing
			continue
		}
		v, err := decodeVertex(raw)
		if err != nil {
			return nil, err
		}
		switch role {
		case RoleSource:
			out[i] = uint32(len(v.Out))
		case RoleTarget:
			out[i] = uint32(len(v.In))
		default:
			out[i] = uint32(len(v.Out) + len(v.In))
		}
	}
	return out, nil
}

// GraphNeighbors returns the sorted, deduplicated neighbor keys of each
// vertex under role.
func (db *Database) GraphNeighbors(collection string, keys []int64, role Role) ([][]int64, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	out := make([][]int64, len(keys))
	for i, key := range keys {
		raw, found, err := db.substrate.Get(rowKey(handle, key))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		v, err := decodeVertex(raw)
		if err != nil {
			return nil, err
		}
		out[i] = dedupedNeighbors(v, role)
	}
	return out, nil
}

func dedupedNeighbors(v *vertexValue, role Role) []int64 {
	seen := make(map[int64]bool)
	var result []int64
	add := func(run []pair) {
		for _, p := range run {
			if !seen[p.Neighbor] {
				seen[p.Neighbor] = true
				result = append(result, p.Neighbor)
			}
		}
	}
	if role == RoleSource || role == RoleAny {
		add(v.Out)
	}
	if role == RoleTarget || role == RoleAny {
		add(v.In)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// GraphEdgesContaining returns every edge touching each key under role.
func (db *Database) GraphEdgesContaining(collection string, keys []int64, role Role) ([][]Edge, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	handle := CollectionHandle(meta.Handle)
	out := make([][]Edge, len(keys))
	for i, key := range keys {
		raw, found, err := db.substrate.Get(rowKey(handle, key))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		v, err := decodeVertex(raw)
		if err != nil {
			return nil, err
		}
		var edges []Edge
		if role == RoleSource || role == RoleAny {
			for _, p := range v.Out {
				edges = append(edges, Edge{Source: key, Target: p.Neighbor, EdgeID: p.EdgeID})
			}
		}
		if role == RoleTarget || role == RoleAny {
			for _, p := range v.In {
				edges = append(edges, Edge{Source: p.Neighbor, Target: key, EdgeID: p.EdgeID})
			}
		}
		out[i] = edges
	}
	return out, nil
}

// GraphEdgesBetween returns every edge from s to t.
func (db *Database) GraphEdgesBetween(collection string, s, t int64) ([]Edge, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	raw, found, err := db.substrate.Get(rowKey(CollectionHandle(meta.Handle), s))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	v, err := decodeVertex(raw)
	if err != nil {
		return nil, err
	}
	var edges []Edge
	for _, p := range v.Out {
		if p.Neighbor == t {
			edges = append(edges, Edge{Source: s, Target: t, EdgeID: p.EdgeID})
		}
	}
	return edges, nil
}

// GraphEdges scans every vertex and emits edges per role: role=source
// yields each edge exactly once (its outgoing view); role=any yields
// each edge twice (once from each endpoint's perspective).
func (db *Database) GraphEdges(collection string, role Role) ([]Edge, error) {
	meta, err := db.resolve(collection, ModalityGraph)
	if err != nil {
		return nil, err
	}
	rows, err := db.substrate.Scan(meta.Handle, math.MinInt64, math.MaxInt64, nil)
	if err != nil {
		return nil, err
	}
	var edges []Edge
	for _, row := range rows {
		v, err := decodeVertex(row.Value)
		if err != nil {
			return nil, err
		}
		for _, p := range v.Out {
			edges = append(edges, Edge{Source: row.Key, Target: p.Neighbor, EdgeID: p.EdgeID})
		}
		if role == RoleAny {
			for _, p := range v.In {
				edges = append(edges, Edge{Source: p.Neighbor, Target: row.Key, EdgeID: p.EdgeID})
			}
		}
	}
	return edges, nil
}
