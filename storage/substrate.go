package storage

import (
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunbase/bunkv/internal/keyenc"
	"github.com/kartikbazzad/bunbase/bunkv/internal/transaction"
	"github.com/kartikbazzad/bunbase/bunkv/internal/util"
	"github.com/kartikbazzad/bunbase/bunkv/mvcc"
)

// Substrate is the ordered, int64-keyed, MVCC-versioned collection store
// every bunkv modality is ultimately built on. Each collection gets its
// own B+Tree; Substrate multiplexes them by handle and implements
// transaction.StoreView so the transaction manager can validate and
// apply commits without knowing anything about pages or buffer pools.
//
// A row's current value always lives in its collection's B+Tree. Older
// versions that a still-open snapshot might need are kept in an
// in-memory side chain (groundwork: mvcc.Version, the same linked-list
// shape bundoc used for in-page MVCC) until garbage collection decides no
// snapshot can reach them anymore.
type Substrate struct {
	bp *BufferPool

	mu          sync.RWMutex
	collections map[uint64]*collectionStore
}

type collectionStore struct {
	mu     sync.RWMutex
	tree   *BPlusTree
	chains map[int64]*mvcc.Version // old-version chains, keyed by row key
	count  int
}

// NewSubstrate creates a Substrate backed by bp. Collections are added
// with CreateCollection or OpenCollection.
func NewSubstrate(bp *BufferPool) *Substrate {
	return &Substrate{
		bp:          bp,
		collections: make(map[uint64]*collectionStore),
	}
}

// CreateCollection allocates a fresh B+Tree for handle.
func (s *Substrate) CreateCollection(handle uint64) (PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[handle]; exists {
		return 0, fmt.Errorf("substrate: collection %d already exists", handle)
	}

	tree, err := NewBPlusTree(s.bp, handle)
	if err != nil {
		return 0, err
	}
	s.collections[handle] = &collectionStore{tree: tree, chains: make(map[int64]*mvcc.Version)}
	return tree.GetRootID(), nil
}

// OpenCollection attaches handle to an already-existing B+Tree rooted at
// rootID, used when Database restores the collection registry from its
// metadata catalog on Open.
func (s *Substrate) OpenCollection(handle uint64, rootID PageID) error {
	tree, err := LoadBPlusTree(s.bp, rootID, handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[handle] = &collectionStore{tree: tree, chains: make(map[int64]*mvcc.Version)}
	return nil
}

// SetOnRootChange installs the callback invoked whenever handle's B+Tree
// root page changes (on a root split), so the collection registry's
// persisted root pointer stays current.
func (s *Substrate) SetOnRootChange(handle uint64, cb func(PageID)) error {
	cs, err := s.store(handle)
	if err != nil {
		return err
	}
	cs.tree.SetOnRootChange(cb)
	return nil
}

// DropCollection removes handle's B+Tree from the substrate. The
// underlying pages are not reclaimed (bundoc's B+Tree never frees pages
// either); they simply become unreachable once the collection's
// metadata entry is also removed.
func (s *Substrate) DropCollection(handle uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collections[handle]; !exists {
		return util.ErrCollectionNotFound
	}
	delete(s.collections, handle)
	return nil
}

// ClearCollection empties handle's rows in place: every key, value, and
// retained MVCC version chain is discarded and the B+Tree is replaced
// with a fresh, empty one, but the handle stays registered at the same
// root page slot. Used for the values-only and keys-and-values drop
// modes, where the collection itself must survive the call.
func (s *Substrate) ClearCollection(handle uint64) (PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, exists := s.collections[handle]
	if !exists {
		return 0, util.ErrCollectionNotFound
	}

	tree, err := NewBPlusTree(s.bp, handle)
	if err != nil {
		return 0, err
	}

	cs.mu.Lock()
	cs.tree = tree
	cs.chains = make(map[int64]*mvcc.Version)
	cs.count = 0
	cs.mu.Unlock()

	return tree.GetRootID(), nil
}

func (s *Substrate) store(handle uint64) (*collectionStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, exists := s.collections[handle]
	if !exists {
		return nil, util.ErrCollectionNotFound
	}
	return cs, nil
}

// CurrentGeneration implements transaction.StoreView.
func (s *Substrate) CurrentGeneration(row transaction.RowKey) (mvcc.Generation, bool, error) {
	cs, err := s.store(row.Collection)
	if err != nil {
		return 0, false, err
	}
	raw, err := cs.tree.Search(keyenc.EncodeInt64(row.Key))
	if err != nil {
		if err == util.ErrRowNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	_, gen, tombstone, err := DecodeCell(raw)
	if err != nil {
		return 0, false, err
	}
	return gen, !tombstone, nil
}

// Get implements transaction.StoreView: it returns the current,
// non-tombstoned value at HEAD.
func (s *Substrate) Get(row transaction.RowKey) ([]byte, bool, error) {
	cs, err := s.store(row.Collection)
	if err != nil {
		return nil, false, err
	}
	raw, err := cs.tree.Search(keyenc.EncodeInt64(row.Key))
	if err != nil {
		if err == util.ErrRowNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	payload, _, tombstone, err := DecodeCell(raw)
	if err != nil {
		return nil, false, err
	}
	if tombstone {
		return nil, false, nil
	}
	return payload, true, nil
}

// ReadAt returns the value visible to snapshot for row: the current
// value if its generation does not exceed the snapshot's, or the newest
// retained older version otherwise.
func (s *Substrate) ReadAt(row transaction.RowKey, snapshot *mvcc.Snapshot) ([]byte, bool, error) {
	cs, err := s.store(row.Collection)
	if err != nil {
		return nil, false, err
	}

	raw, err := cs.tree.Search(keyenc.EncodeInt64(row.Key))
	var head *mvcc.Version
	if err == nil {
		payload, gen, tombstone, decErr := DecodeCell(raw)
		if decErr != nil {
			return nil, false, decErr
		}
		var data []byte
		if !tombstone {
			data = payload
		}
		head = &mvcc.Version{Generation: gen, Data: data, TxnID: 0}
	} else if err != util.ErrRowNotFound {
		return nil, false, err
	}

	cs.mu.RLock()
	older := cs.chains[row.Key]
	cs.mu.RUnlock()

	if head != nil {
		head.Next = older
	} else {
		head = older
	}

	visible := snapshot.GetVisibleVersion(head)
	if visible == nil || visible.Data == nil {
		return nil, false, nil
	}
	return visible.Data, true, nil
}

// Apply implements transaction.StoreView: it writes every op under gen,
// pushing each row's prior value into its side chain first so snapshots
// opened before gen can still see it.
func (s *Substrate) Apply(ops []transaction.WriteOp, gen mvcc.Generation) error {
	for _, op := range ops {
		cs, err := s.store(op.Row.Collection)
		if err != nil {
			return err
		}
		if err := s.applyOne(cs, op, gen); err != nil {
			return err
		}
	}
	return nil
}

func (s *Substrate) applyOne(cs *collectionStore, op transaction.WriteOp, gen mvcc.Generation) error {
	encodedKey := keyenc.EncodeInt64(op.Row.Key)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	existed := false
	if prior, err := cs.tree.Search(encodedKey); err == nil {
		payload, priorGen, tombstone, decErr := DecodeCell(prior)
		if decErr != nil {
			return decErr
		}
		existed = !tombstone
		var data []byte
		if !tombstone {
			data = payload
		}
		cs.chains[op.Row.Key] = &mvcc.Version{
			Generation: priorGen,
			Data:       data,
			Next:       cs.chains[op.Row.Key],
		}
	} else if err != util.ErrRowNotFound {
		return err
	}

	cell := EncodeCell(op.Value, gen, op.Tombstone)
	if err := cs.tree.Insert(encodedKey, cell); err != nil {
		return err
	}

	if op.Tombstone && existed {
		cs.count--
	} else if !op.Tombstone && !existed {
		cs.count++
	}
	return nil
}

// Size returns the number of live (non-tombstoned) rows in handle.
func (s *Substrate) Size(handle uint64) (int, error) {
	cs, err := s.store(handle)
	if err != nil {
		return 0, err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.count, nil
}

// ScanEntry is a decoded (key, value) pair returned by Scan.
type ScanEntry struct {
	Key   int64
	Value []byte
}

// Scan returns every live row in [start, end] visible to snapshot,
// ordered by key. A nil snapshot scans HEAD directly, skipping the
// side-chain walk.
func (s *Substrate) Scan(handle uint64, start, end int64, snapshot *mvcc.Snapshot) ([]ScanEntry, error) {
	cs, err := s.store(handle)
	if err != nil {
		return nil, err
	}

	startKey := keyenc.EncodeInt64(start)
	endKey := keyenc.EncodeInt64(end)

	cs.mu.RLock()
	raw, err := cs.tree.RangeScan(startKey, endKey)
	cs.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	entries := make([]ScanEntry, 0, len(raw))
	for _, e := range raw {
		key := keyenc.DecodeInt64(e.Key)
		if snapshot == nil {
			payload, _, tombstone, decErr := DecodeCell(e.Value)
			if decErr != nil {
				return nil, decErr
			}
			if tombstone {
				continue
			}
			entries = append(entries, ScanEntry{Key: key, Value: payload})
			continue
		}
		value, found, readErr := s.ReadAt(transaction.RowKey{Collection: handle, Key: key}, snapshot)
		if readErr != nil {
			return nil, readErr
		}
		if found {
			entries = append(entries, ScanEntry{Key: key, Value: value})
		}
	}
	return entries, nil
}

// GC sweeps every collection's side chains, dropping retained versions
// older than oldest. Installed as the callback for
// mvcc.GarbageCollector.SetSweepFunc.
func (s *Substrate) GC(oldest mvcc.Generation) {
	s.mu.RLock()
	stores := make([]*collectionStore, 0, len(s.collections))
	for _, cs := range s.collections {
		stores = append(stores, cs)
	}
	s.mu.RUnlock()

	for _, cs := range stores {
		cs.mu.Lock()
		for key, chain := range cs.chains {
			trimmed := mvcc.GarbageCollect(chain, oldest)
			if trimmed == nil || (trimmed.Next == nil && trimmed.Generation < oldest) {
				delete(cs.chains, key)
			} else {
				cs.chains[key] = trimmed
			}
		}
		cs.mu.Unlock()
	}
}
