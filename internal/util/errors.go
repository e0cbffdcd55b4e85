package util

import "errors"

// Sentinels for the storage and WAL packages, which sit below the
// public errs package and must not import it. errs.Classify does not
// recognise these sentinels; the database layer raises its own errs
// equivalents instead (errs.ErrCollectionNotFound from Database.resolve,
// for one), so the duplication between util.ErrCollectionNotFound and
// errs.ErrCollectionNotFound is a layering boundary, not an oversight.
var (
	// Storage errors
	ErrPageNotFound    = errors.New("page not found")
	ErrPageFull        = errors.New("page is full")
	ErrInvalidPageID   = errors.New("invalid page ID")
	ErrDiskReadFailed  = errors.New("disk read failed")
	ErrDiskWriteFailed = errors.New("disk write failed")

	// ErrCollectionNotFound is Substrate's own "no such handle"
	// signal. The database layer above it resolves a collection name
	// to a handle before ever reaching the substrate, so this only
	// fires on an internal bug (a stale handle surviving a drop); it
	// is not the error a caller sees for an unknown collection name -
	// that's errs.ErrCollectionNotFound, raised by Database.resolve.
	ErrCollectionNotFound = errors.New("storage: collection handle not registered")

	// ErrRowNotFound is the B+Tree's own "no such key" signal for a
	// Search/Delete miss. Named for a row rather than a document: the
	// tree stores whatever bytes a modality encodes (a blob, a document,
	// an adjacency list, a vector), and has no idea which one.
	ErrRowNotFound = errors.New("row not found")

	// ErrPageCollectionMismatch is raised when a page fetched during a
	// B+Tree traversal is stamped with a different collection handle
	// than the tree doing the traversal. It signals a corrupted root
	// pointer, a stale cached tree surviving a ClearCollection/
	// DropCollection, or a page ID that leaked across collections -
	// never an expected runtime condition.
	ErrPageCollectionMismatch = errors.New("storage: page belongs to a different collection than the tree traversing it")

	// WAL errors
	ErrWALCorrupt = errors.New("WAL is corrupt")
)
