// Package bunkv implements a multi-modal, transactional key-value engine:
// one ACID substrate of ordered int64-keyed collections with MVCC
// snapshots and optimistic transactions, exposing blob, document, graph,
// vector, and path-indexed views over the same rows.
package bunkv

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
	"github.com/kartikbazzad/bunbase/bunkv/internal/wal"
	"github.com/kartikbazzad/bunbase/bunkv/mvcc"
	"github.com/kartikbazzad/bunbase/bunkv/storage"
)

// CollectionHandle is the stable numeric identity a collection is
// addressed by everywhere in the batched call surface. Names exist only
// for the collection registry; every read/write path downstream of
// collection resolution deals in handles.
type CollectionHandle uint64

// DefaultCollectionHandle is always present once a Database is open,
// created automatically on first Open if the metadata catalog doesn't
// already carry it.
const DefaultCollectionHandle CollectionHandle = 0

const defaultCollectionName = "default"

// OpenMode controls how CreateCollection resolves a name that may or may
// not already exist in the registry.
type OpenMode int

const (
	// CreateOnly fails with errs.ErrAlreadyPresent if name already exists.
	CreateOnly OpenMode = iota
	// OpenOnly fails with errs.ErrCollectionNotFound if name does not exist.
	OpenOnly
	// OpenOrCreate returns the existing collection if present, otherwise
	// creates it.
	OpenOrCreate
)

// CollectionInfo is the registry-facing description of one collection,
// returned by Database.ListCollections.
type CollectionInfo struct {
	Handle   CollectionHandle
	Name     string
	Modality Modality
	Vector   *VectorLayout
}

// Database is the top-level handle on one bunkv instance: a single data
// file's buffer-pooled B+Trees (the Substrate), the MVCC version and
// snapshot managers, the optimistic transaction manager, the write-ahead
// log, and the collection registry, wired together the way bundoc's own
// Database constructor wires its equivalents.
type Database struct {
	opts *Options
	log  *logrus.Logger

	pager      *storage.Pager
	bufferPool *storage.BufferPool
	substrate  *storage.Substrate

	versionMgr  *mvcc.VersionManager
	snapshotMgr *mvcc.SnapshotManager
	gc          *mvcc.GarbageCollector

	wal    *wal.WAL
	txnMgr *transaction.TransactionManager

	metadata *metadataManager

	mu       sync.RWMutex
	byName   map[string]CollectionHandle
	byHandle map[CollectionHandle]*collectionMeta
	closed   bool
}

// Open starts (or resumes) a Database rooted at opts.Path. It restores
// the collection registry from the metadata catalog, reopens every
// collection's B+Tree at its persisted root page, and ensures the
// default collection (handle 0) exists.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("bunkv: nil options")
	}
	log := opts.logger()

	pager, err := storage.NewPager(filepath.Join(opts.Path, "data.db"), opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("bunkv: open pager: %w", err)
	}

	bufferPool := storage.NewBufferPool(opts.BufferPoolSize, pager)
	substrate := storage.NewSubstrate(bufferPool)

	walPath := opts.WALPath
	if walPath == "" {
		walPath = filepath.Join(opts.Path, "wal")
	}
	walWriter, err := wal.NewWAL(walPath)
	if err != nil {
		bufferPool.Close()
		return nil, fmt.Errorf("bunkv: open WAL: %w", err)
	}

	metadataPath := opts.MetadataPath
	if metadataPath == "" {
		metadataPath = filepath.Join(opts.Path, "metadata.json")
	}
	metadata, err := newMetadataManager(metadataPath)
	if err != nil {
		walWriter.Close()
		bufferPool.Close()
		return nil, fmt.Errorf("bunkv: open metadata catalog: %w", err)
	}

	versionMgr := mvcc.NewVersionManager()
	snapshotMgr := mvcc.NewSnapshotManager(versionMgr)
	txnMgr := transaction.NewTransactionManager(snapshotMgr, walWriter)
	txnMgr.BindStore(substrate)

	gcInterval := opts.GCInterval
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}
	gc := mvcc.NewGarbageCollector(snapshotMgr, gcInterval)
	gc.SetSweepFunc(substrate.GC)

	db := &Database{
		opts:        opts,
		log:         log,
		pager:       pager,
		bufferPool:  bufferPool,
		substrate:   substrate,
		versionMgr:  versionMgr,
		snapshotMgr: snapshotMgr,
		gc:          gc,
		wal:         walWriter,
		txnMgr:      txnMgr,
		metadata:    metadata,
		byName:      make(map[string]CollectionHandle),
		byHandle:    make(map[CollectionHandle]*collectionMeta),
	}

	for _, meta := range metadata.list() {
		if err := substrate.OpenCollection(meta.Handle, meta.RootID); err != nil {
			db.teardown()
			return nil, fmt.Errorf("bunkv: reopen collection %q: %w", meta.Name, err)
		}
		db.installRootPersistence(meta)
		db.byName[meta.Name] = CollectionHandle(meta.Handle)
		db.byHandle[CollectionHandle(meta.Handle)] = meta
	}

	if _, ok := db.byName[defaultCollectionName]; !ok {
		if _, err := db.createCollectionLocked(defaultCollectionName, uint64(DefaultCollectionHandle), ModalityBlob, nil); err != nil {
			db.teardown()
			return nil, fmt.Errorf("bunkv: create default collection: %w", err)
		}
	}

	if err := db.recoverFromWAL(); err != nil {
		db.teardown()
		return nil, fmt.Errorf("bunkv: replay write-ahead log: %w", err)
	}

	gc.Start()
	log.WithField("path", opts.Path).Info("bunkv database opened")
	return db, nil
}

// installRootPersistence wires a collection's B+Tree root-change
// callback to persist the new root into the metadata catalog, so a
// split that changes the root page is never lost across a restart.
func (db *Database) installRootPersistence(meta *collectionMeta) {
	_ = db.substrate.SetOnRootChange(meta.Handle, func(newRoot storage.PageID) {
		_ = db.metadata.updateRoot(meta.Name, newRoot)
	})
}

func (db *Database) createCollectionLocked(name string, handle uint64, modality Modality, vec *VectorLayout) (CollectionHandle, error) {
	rootID, err := db.substrate.CreateCollection(handle)
	if err != nil {
		return 0, err
	}
	meta := &collectionMeta{Handle: handle, Name: name, Modality: modality, RootID: rootID, Vector: vec}
	if err := db.metadata.put(meta); err != nil {
		return 0, err
	}
	db.installRootPersistence(meta)
	db.byName[name] = CollectionHandle(handle)
	db.byHandle[CollectionHandle(handle)] = meta
	return CollectionHandle(handle), nil
}

// CreateCollection resolves name against the registry according to
// mode. vec must be non-nil (and only meaningful) for ModalityVectors.
func (db *Database) CreateCollection(name string, modality Modality, mode OpenMode, vec *VectorLayout) (CollectionHandle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, errs.ErrClosed
	}

	if handle, exists := db.byName[name]; exists {
		switch mode {
		case CreateOnly:
			return 0, errs.ErrAlreadyPresent
		case OpenOnly, OpenOrCreate:
			meta := db.byHandle[handle]
			if meta.Modality != modality {
				return 0, errs.ErrWrongModality
			}
			return handle, nil
		}
	}
	if mode == OpenOnly {
		return 0, errs.ErrCollectionNotFound
	}

	handle, err := db.metadata.allocateHandle()
	if err != nil {
		return 0, err
	}
	return db.createCollectionLocked(name, handle, modality, vec)
}

// DropMode selects how much of a collection DropCollection removes.
type DropMode int

const (
	// DropValuesOnly discards every row's value but leaves the
	// collection (and its handle) registered and ready for more
	// writes.
	DropValuesOnly DropMode = iota
	// DropKeysAndValues discards every row, key and value alike,
	// leaving an empty collection still registered under its handle.
	// bunkv's substrate does not separate "key" existence from "value"
	// existence the way a column store with tombstones might, so this
	// mode and DropValuesOnly have the same effect here; both are kept
	// so callers written against the three-mode contract need no
	// special-casing.
	DropKeysAndValues
	// DropHandleAndContents discards the collection's contents and
	// unregisters its handle and name. The handle is never reused.
	// Refused with errs.ErrDefaultCollectionProtected against the
	// default collection (handle 0).
	DropHandleAndContents
)

// DropCollection removes name's contents, and optionally its handle and
// registry entry, according to mode. The default collection (handle 0)
// always exists once a Database is open: DropHandleAndContents against
// it fails with errs.ErrDefaultCollectionProtected, but DropValuesOnly
// and DropKeysAndValues are allowed and simply empty it.
func (db *Database) DropCollection(name string, mode DropMode) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errs.ErrClosed
	}
	handle, exists := db.byName[name]
	if !exists {
		return errs.ErrCollectionNotFound
	}

	if mode == DropHandleAndContents {
		if handle == DefaultCollectionHandle {
			return errs.ErrDefaultCollectionProtected
		}
		if err := db.substrate.DropCollection(uint64(handle)); err != nil {
			return err
		}
		if err := db.metadata.remove(name); err != nil {
			return err
		}
		delete(db.byName, name)
		delete(db.byHandle, handle)
		return nil
	}

	rootID, err := db.substrate.ClearCollection(uint64(handle))
	if err != nil {
		return err
	}
	meta := db.byHandle[handle]
	if err := db.metadata.updateRoot(name, rootID); err != nil {
		return err
	}
	meta.RootID = rootID
	db.installRootPersistence(meta)
	return nil
}

// ListCollections returns every collection currently registered.
func (db *Database) ListCollections() []CollectionInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(db.byHandle))
	for handle, meta := range db.byHandle {
		out = append(out, CollectionInfo{Handle: handle, Name: meta.Name, Modality: meta.Modality, Vector: meta.Vector})
	}
	return out
}

// CommitStats reports how effectively the write-ahead log's group
// committer has been batching concurrent transaction commits into
// shared fsyncs.
func (db *Database) CommitStats() wal.CommitStats {
	return db.txnMgr.CommitStats()
}

// CollectionResidency is one collection's share of the shared buffer
// pool: how many of its pages are currently cached, and how many have
// ever been evicted to make room for another collection's pages.
type CollectionResidency struct {
	Name string
	storage.Residency
}

// BufferPoolStats reports buffer pool residency broken down by
// collection, for every collection still registered. Every collection's
// B+Tree shares one process-wide BufferPool, so a collection under heavy
// scan load can evict another's working set out of cache entirely; this
// is how an operator sees which collection is doing that.
func (db *Database) BufferPoolStats() []CollectionResidency {
	db.mu.RLock()
	names := make(map[uint64]string, len(db.byHandle))
	for handle, meta := range db.byHandle {
		names[uint64(handle)] = meta.Name
	}
	db.mu.RUnlock()

	byHandle := db.bufferPool.ResidencyByCollection()
	out := make([]CollectionResidency, 0, len(byHandle))
	for handle, r := range byHandle {
		name, known := names[handle]
		if !known {
			name = fmt.Sprintf("<dropped:%d>", handle)
		}
		out = append(out, CollectionResidency{Name: name, Residency: r})
	}
	return out
}

// resolve looks up a collection by name and checks it carries the
// expected modality, returning errs.ErrWrongModality if not. Every
// modality-specific file (blob.go, graph.go, ...) calls this before
// touching the substrate.
func (db *Database) resolve(name string, want Modality) (*collectionMeta, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errs.ErrClosed
	}
	handle, exists := db.byName[name]
	if !exists {
		return nil, errs.ErrCollectionNotFound
	}
	meta := db.byHandle[handle]
	if meta.Modality != want {
		return nil, errs.ErrWrongModality
	}
	return meta, nil
}

func (db *Database) teardown() {
	if db.gc != nil {
		db.gc.Stop()
	}
	if db.wal != nil {
		_ = db.wal.Close()
	}
	if db.bufferPool != nil {
		_ = db.bufferPool.Close()
	}
}

// Close flushes every dirty page, syncs the WAL, and stops the
// background garbage collector. It is safe to call once; a second call
// returns errs.ErrClosed.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errs.ErrClosed
	}
	db.closed = true

	db.gc.Stop()
	if err := db.txnMgr.Close(); err != nil {
		return err
	}
	if err := db.wal.Close(); err != nil {
		return err
	}
	if err := db.bufferPool.Close(); err != nil {
		return err
	}
	db.log.WithField("path", db.opts.Path).Info("bunkv database closed")
	return nil
}

// begin and beginReadOnly are the shared entry points every modality
// operation uses to open a transaction at Snapshot isolation. Exposed
// internally rather than publicly: bunkv's batched call surface manages
// transaction lifetime itself (see readwrite.go), so nothing outside
// this package should need to hold a raw *transaction.Transaction.
func (db *Database) begin() (*transaction.Transaction, error) {
	return db.txnMgr.Begin(mvcc.Serializable)
}

func (db *Database) beginReadOnly() (*transaction.Transaction, error) {
	return db.txnMgr.BeginReadOnly(mvcc.Serializable)
}

func (db *Database) commit(txn *transaction.Transaction) error {
	err := db.txnMgr.Commit(txn)
	if err != nil {
		if err == transaction.ErrConflict {
			return errs.ErrConflict
		}
		return err
	}
	return nil
}

func (db *Database) rollback(txn *transaction.Transaction) error {
	return db.txnMgr.Rollback(txn)
}
