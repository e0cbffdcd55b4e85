package bunkv

import (
	"testing"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

func TestPathsWriteReadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("cfg", ModalityPaths, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	paths := []string{"/a/b", "/a/c", "/x/y/z"}
	values := [][]byte{[]byte("1"), []byte("2"), []byte("3")}

	outcomes, err := db.PathsWrite(nil, "cfg", paths, values)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("write task %d: %v", i, o.Err)
		}
	}

	got, outcomes, err := db.PathsRead(nil, "cfg", paths)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("read task %d: %v", i, o.Err)
		}
		if string(got[i]) != string(values[i]) {
			t.Fatalf("path %d: got %q want %q", i, got[i], values[i])
		}
	}
}

func TestPathsReadMissing(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("cfg", ModalityPaths, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, outcomes, err := db.PathsRead(nil, "cfg", []string{"/never/written"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", outcomes[0].Err)
	}
}

func TestPathsWriteNilValueDeletes(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("cfg", ModalityPaths, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	path := "/will/delete"
	if outcomes, err := db.PathsWrite(nil, "cfg", []string{path}, [][]byte{[]byte("v")}); err != nil || outcomes[0].Err != nil {
		t.Fatalf("initial write: err=%v outcome=%v", err, outcomes[0].Err)
	}
	if outcomes, err := db.PathsWrite(nil, "cfg", []string{path}, [][]byte{nil}); err != nil || outcomes[0].Err != nil {
		t.Fatalf("delete write: err=%v outcome=%v", err, outcomes[0].Err)
	}
	_, outcomes, err := db.PathsRead(nil, "cfg", []string{path})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected path to be gone after delete, got %v", outcomes[0].Err)
	}
}

func TestPathsMatchPrefixAndCursor(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("cfg", ModalityPaths, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	paths := []string{"/svc/a/limit", "/svc/a/timeout", "/svc/b/limit", "/other/x"}
	values := make([][]byte, len(paths))
	for i := range values {
		values[i] = []byte("v")
	}
	if _, err := db.PathsWrite(nil, "cfg", paths, values); err != nil {
		t.Fatalf("write: %v", err)
	}

	matches, _, err := db.PathsMatch("cfg", "/svc/", 10, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches under /svc/, got %d: %v", len(matches), matches)
	}
}

func TestPathsMatchRegexPattern(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("cfg", ModalityPaths, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	paths := []string{"/svc/a/1", "/svc/a/2", "/svc/bb/1"}
	values := [][]byte{[]byte("1"), []byte("2"), []byte("3")}
	if _, err := db.PathsWrite(nil, "cfg", paths, values); err != nil {
		t.Fatalf("write: %v", err)
	}

	matches, _, err := db.PathsMatch("cfg", `/svc/a/\d`, 10, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 regex matches, got %d: %v", len(matches), matches)
	}
}

func TestPathsWriteWithExternalTxn(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("cfg", ModalityPaths, CreateOnly, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := db.PathsWrite(txn, "cfg", []string{"/joined"}, [][]byte{[]byte("v")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Not committed yet: invisible to an independent read.
	_, outcomes, err := db.PathsRead(nil, "cfg", []string{"/joined"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != errs.ErrNotFound {
		t.Fatalf("expected uncommitted path write to be invisible, got %v", outcomes[0].Err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_, outcomes, err = db.PathsRead(nil, "cfg", []string{"/joined"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("expected path visible after commit, got %v", outcomes[0].Err)
	}
}
