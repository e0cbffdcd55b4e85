package bunkv

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

func createDocCollection(t *testing.T, db *Database, name string) {
	t.Helper()
	if _, err := db.CreateCollection(name, ModalityDocument, CreateOnly, nil); err != nil {
		t.Fatalf("create document collection: %v", err)
	}
}

func TestDocsWriteUpsertAndRead(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	payload := []byte(`{"name":"ada","age":30}`)
	outcomes, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{payload}, FormatJSON, WriteUpsert, "", "")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("write task: %v", outcomes[0].Err)
	}

	presence, offsets, lengths, tape, err := db.DocsRead("docs", []int64{1}, FormatJSON)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !presence.Contains(0) {
		t.Fatal("expected presence bit set for written document")
	}
	if lengths[0] == missingLength {
		t.Fatal("expected a real length, not the missing sentinel")
	}
	if offsets[1]-offsets[0] != len(tape) {
		t.Fatalf("expected offsets to span the whole tape, got offsets=%v tape len=%d", offsets, len(tape))
	}
}

func TestDocsReadMissingUsesSentinel(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	presence, offsets, lengths, tape, err := db.DocsRead("docs", []int64{42}, FormatJSON)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if presence.Contains(0) {
		t.Fatal("expected presence bit clear for a never-written document")
	}
	if lengths[0] != missingLength {
		t.Fatalf("expected missingLength sentinel, got %d", lengths[0])
	}
	if offsets[0] != 0 || offsets[1] != 0 {
		t.Fatalf("expected empty offsets span for a missing row, got %v", offsets)
	}
	if len(tape) != 0 {
		t.Fatalf("expected empty tape, got %d bytes", len(tape))
	}
}

func TestDocsWriteInsertFailsIfPresent(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	payload := []byte(`{"a":1}`)
	if _, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{payload}, FormatJSON, WriteInsert, "", ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	outcomes, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{payload}, FormatJSON, WriteInsert, "", "")
	if err != nil {
		t.Fatalf("insert again: %v", err)
	}
	if outcomes[0].Err != errs.ErrAlreadyPresent {
		t.Fatalf("expected ErrAlreadyPresent, got %v", outcomes[0].Err)
	}
}

func TestDocsWriteUpdateFailsIfAbsent(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	outcomes, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{[]byte(`{"a":1}`)}, FormatJSON, WriteUpdate, "", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", outcomes[0].Err)
	}
}

func TestDocsWriteMergePatch(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	if _, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{[]byte(`{"a":1,"b":2}`)}, FormatJSON, WriteUpsert, "", ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	outcomes, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{[]byte(`{"b":null,"c":3}`)}, FormatJSON, WriteMerge, "", "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("merge task: %v", outcomes[0].Err)
	}

	value, _, collision, err := db.ReadField("docs", 1, "/a", ScalarInt64)
	if err != nil {
		t.Fatalf("read field a: %v", err)
	}
	if collision || value.(int64) != 1 {
		t.Fatalf("expected field a untouched by merge, got %v collision=%v", value, collision)
	}
	if _, _, _, err := db.ReadField("docs", 1, "/b", ScalarInt64); err != errs.ErrPointerNotFound {
		t.Fatalf("expected field b removed by merge-patch null, got %v", err)
	}
	value, _, collision, err = db.ReadField("docs", 1, "/c", ScalarInt64)
	if err != nil {
		t.Fatalf("read field c: %v", err)
	}
	if collision || value.(int64) != 3 {
		t.Fatalf("expected field c added by merge, got %v collision=%v", value, collision)
	}
}

func TestDocsWriteFieldScoped(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	if _, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{[]byte(`{"a":{"x":1}}`)}, FormatJSON, WriteUpsert, "", ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	outcomes, err := db.DocsWrite(nil, "docs", []int64{1}, [][]byte{[]byte(`99`)}, FormatJSON, WriteUpsert, "/a/y", "")
	if err != nil {
		t.Fatalf("field write: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("field write task: %v", outcomes[0].Err)
	}

	value, _, collision, err := db.ReadField("docs", 1, "/a/x", ScalarInt64)
	if err != nil || collision || value.(int64) != 1 {
		t.Fatalf("expected sibling field /a/x untouched, got value=%v collision=%v err=%v", value, collision, err)
	}
	value, _, collision, err = db.ReadField("docs", 1, "/a/y", ScalarInt64)
	if err != nil || collision || value.(int64) != 99 {
		t.Fatalf("expected /a/y set by field-scoped write, got value=%v collision=%v err=%v", value, collision, err)
	}
}

func TestDocsWriteByIDField(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	batch := []byte(`[{"id":1,"name":"a"},{"id":2,"name":"b"}]`)
	outcomes, err := db.DocsWrite(nil, "docs", nil, [][]byte{batch}, FormatJSON, WriteUpsert, "", "/id")
	if err != nil {
		t.Fatalf("id-field write: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes sliced from the array, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("id-field write task %d: %v", i, o.Err)
		}
	}

	value, _, collision, err := db.ReadField("docs", 1, "/name", ScalarString)
	if err != nil || collision || value.(string) != "a" {
		t.Fatalf("expected doc keyed by id 1, got value=%v collision=%v err=%v", value, collision, err)
	}
	value, _, collision, err = db.ReadField("docs", 2, "/name", ScalarString)
	if err != nil || collision || value.(string) != "b" {
		t.Fatalf("expected doc keyed by id 2, got value=%v collision=%v err=%v", value, collision, err)
	}
}

func TestDocsWriteByIDFieldMissingFieldReportsPerElement(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	batch := []byte(`[{"id":1,"name":"a"},{"name":"no-id"}]`)
	outcomes, err := db.DocsWrite(nil, "docs", nil, [][]byte{batch}, FormatJSON, WriteUpsert, "", "/id")
	if err != nil {
		t.Fatalf("id-field write: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("expected element 0 to succeed, got %v", outcomes[0].Err)
	}
	if !errors.Is(outcomes[1].Err, errs.ErrPointerNotFound) {
		t.Fatalf("expected element 1 missing id-field to report ErrPointerNotFound, got %v", outcomes[1].Err)
	}
}

func TestGistReturnsSortedUniquePaths(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	if _, err := db.DocsWrite(nil, "docs", []int64{1, 2}, [][]byte{
		[]byte(`{"b":1,"a":2}`),
		[]byte(`{"c":3}`),
	}, FormatJSON, WriteUpsert, "", ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	paths, err := db.Gist("docs", []int64{1, 2})
	if err != nil {
		t.Fatalf("gist: %v", err)
	}
	want := []string{"/a", "/b", "/c"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}
}

func TestGatherValidityAndConvertedBitsets(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	if _, err := db.DocsWrite(nil, "docs", []int64{1, 2, 3}, [][]byte{
		[]byte(`{"n":42}`),
		[]byte(`{"n":"7"}`),
		[]byte(`{}`),
	}, FormatJSON, WriteUpsert, "", ""); err != nil {
		t.Fatalf("write: %v", err)
	}

	results, err := db.Gather("docs", []int64{1, 2, 3}, []GatherColumn{{Field: "/n", Type: ScalarInt64}})
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	col := results[0]
	if !col.Validity.Contains(0) {
		t.Fatal("expected row 0 (int 42) to be valid")
	}
	if col.Converted.Contains(0) {
		t.Fatal("expected row 0 to be an exact cast, not converted")
	}
	if col.Validity.Contains(1) {
		t.Fatal("expected row 1 (string \"7\") to be a collision for ScalarInt64, invalid")
	}
	if col.Validity.Contains(2) {
		t.Fatal("expected row 2 (missing field) to be invalid")
	}
	if col.Values[0].(int64) != 42 {
		t.Fatalf("expected row 0 value 42, got %v", col.Values[0])
	}
}

func TestDocsWriteJoinsExternalTxn(t *testing.T) {
	db := openTestDB(t)
	createDocCollection(t, db, "docs")

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.DocsWrite(txn, "docs", []int64{1}, [][]byte{[]byte(`{"a":1}`)}, FormatJSON, WriteUpsert, "", ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	presence, _, _, _, err := db.DocsRead("docs", []int64{1}, FormatJSON)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if presence.Contains(0) {
		t.Fatal("expected uncommitted document write to be invisible")
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	presence, _, _, _, err = db.DocsRead("docs", []int64{1}, FormatJSON)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !presence.Contains(0) {
		t.Fatal("expected document visible after commit")
	}
}
