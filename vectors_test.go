package bunkv

import (
	"math"
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

func createVectorCollection(t *testing.T, db *Database, name string, dims int, elemType string) {
	t.Helper()
	if _, err := db.CreateCollection(name, ModalityVectors, CreateOnly, &VectorLayout{Dimensions: dims, ElemType: elemType}); err != nil {
		t.Fatalf("create vector collection: %v", err)
	}
}

func TestVectorsWriteReadRoundTripF32(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb", 3, "f32")

	vecs := [][]float64{{1, 2, 3}, {-1.5, 0, 4.25}}
	outcomes, err := db.VectorsWrite(nil, "emb", []int64{1, 2}, vecs)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("write task %d: %v", i, o.Err)
		}
	}

	got, outcomes, err := db.VectorsRead(nil, "emb", []int64{1, 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("read task %d: %v", i, o.Err)
		}
		for j := range vecs[i] {
			if math.Abs(got[i][j]-vecs[i][j]) > 1e-5 {
				t.Fatalf("vector %d component %d: got %v want %v", i, j, got[i][j], vecs[i][j])
			}
		}
	}
}

func TestVectorsWriteDimensionMismatch(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb", 4, "f32")

	outcomes, err := db.VectorsWrite(nil, "emb", []int64{1}, [][]float64{{1, 2}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcomes[0].Err != errs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for dimension mismatch, got %v", outcomes[0].Err)
	}
}

func TestVectorsF16RoundTripLosesPrecisionGracefully(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb16", 2, "f16")

	if _, err := db.VectorsWrite(nil, "emb16", []int64{1}, [][]float64{{0.1, -2.5}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, outcomes, err := db.VectorsRead(nil, "emb16", []int64{1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("read task: %v", outcomes[0].Err)
	}
	if math.Abs(got[0][0]-0.1) > 1e-2 {
		t.Fatalf("f16 component 0: got %v, too far from 0.1", got[0][0])
	}
	if math.Abs(got[0][1]-(-2.5)) > 1e-2 {
		t.Fatalf("f16 component 1: got %v, too far from -2.5", got[0][1])
	}
}

func TestVectorsSearchCosineRanksExactMatchFirst(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb", 2, "f64")

	vecs := map[int64][]float64{
		1: {1, 0},
		2: {0, 1},
		3: {0.99, 0.01},
	}
	keys := []int64{1, 2, 3}
	rows := make([][]float64, len(keys))
	for i, k := range keys {
		rows[i] = vecs[k]
	}
	if _, err := db.VectorsWrite(nil, "emb", keys, rows); err != nil {
		t.Fatalf("write: %v", err)
	}

	counts, offsets, keys, _, err := db.VectorsSearch("emb", [][]float64{{1, 0}}, 2, MetricCosine, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if counts[0] != 2 || offsets[1]-offsets[0] != 2 {
		t.Fatalf("expected 2 matches, got counts=%v offsets=%v", counts, offsets)
	}
	if keys[offsets[0]] != 1 {
		t.Fatalf("expected exact match key 1 to rank first, got %d", keys[offsets[0]])
	}
	if keys[offsets[0]+1] != 3 {
		t.Fatalf("expected near-match key 3 to rank second, got %d", keys[offsets[0]+1])
	}
}

func TestVectorsSearchL2AscendingOrder(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb", 1, "f64")

	if _, err := db.VectorsWrite(nil, "emb", []int64{1, 2, 3}, [][]float64{{10}, {1}, {5}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	counts, offsets, keys, _, err := db.VectorsSearch("emb", [][]float64{{0}}, 3, MetricL2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if counts[0] != 3 {
		t.Fatalf("expected 3 matches, got %d", counts[0])
	}
	want := []int64{2, 3, 1}
	for i, k := range want {
		if keys[offsets[0]+i] != k {
			t.Fatalf("position %d: got key %d want %d", i, keys[offsets[0]+i], k)
		}
	}
}

func TestVectorsSearchMultiQueryWithThreshold(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb", 2, "f64")

	if _, err := db.VectorsWrite(nil, "emb", []int64{1, 2, 3}, [][]float64{{1, 0}, {0, 1}, {0.99, 0.01}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	threshold := 0.9
	counts, offsets, keys, values, err := db.VectorsSearch("emb", [][]float64{{1, 0}, {0, 1}}, 5, MetricCosine, &threshold)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(counts) != 2 || len(offsets) != 3 {
		t.Fatalf("expected columns sized for 2 queries, got counts=%v offsets=%v", counts, offsets)
	}
	if counts[0] != 2 {
		t.Fatalf("expected query 0 (close to keys 1 and 3) to keep 2 matches above threshold, got %d", counts[0])
	}
	if counts[1] != 1 {
		t.Fatalf("expected query 1 (only exact match at key 2) to keep 1 match above threshold, got %d", counts[1])
	}
	for i := offsets[0]; i < offsets[1]; i++ {
		if values[i] < threshold {
			t.Fatalf("query 0 match %d scored %v below threshold %v", keys[i], values[i], threshold)
		}
	}
}

func TestVectorsWriteJoinsExternalTxn(t *testing.T) {
	db := openTestDB(t)
	createVectorCollection(t, db, "emb", 2, "f32")

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.VectorsWrite(txn, "emb", []int64{9}, [][]float64{{1, 1}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, outcomes, err := db.VectorsRead(nil, "emb", []int64{9})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected uncommitted vector write to be invisible, got %v", outcomes[0].Err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_, outcomes, err = db.VectorsRead(nil, "emb", []int64{9})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("expected vector visible after commit, got %v", outcomes[0].Err)
	}
}
