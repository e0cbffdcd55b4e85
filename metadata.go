package bunkv

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kartikbazzad/bunbase/bunkv/storage"
)

// Modality records which of bunkv's four data models (plus the paths
// modality) a collection holds. Collections are otherwise untyped at the
// substrate level — Modality exists purely so a collection created for
// one modality can be rejected when addressed through another
// (errs.ErrWrongModality); there is no schema enforcement on documents,
// but modality mismatches are still caught at this layer.
type Modality int

const (
	ModalityBlob Modality = iota
	ModalityDocument
	ModalityGraph
	ModalityPaths
	ModalityVectors
)

func (m Modality) String() string {
	switch m {
	case ModalityBlob:
		return "blob"
	case ModalityDocument:
		return "document"
	case ModalityGraph:
		return "graph"
	case ModalityPaths:
		return "paths"
	case ModalityVectors:
		return "vectors"
	default:
		return "unknown"
	}
}

// VectorLayout describes the fixed dimensionality and element width a
// vectors-modality collection was created with.
type VectorLayout struct {
	Dimensions int    `json:"dimensions"`
	ElemType   string `json:"elem_type"` // "f16", "f32", "f64", or "i8"
}

// collectionMeta is the persisted description of one collection: its
// handle, name, modality, and the root page of its B+Tree. This plays
// the role bundoc's metadata.go CollectionMeta played, narrowed to what
// bunkv's collection registry actually needs — there is no per-field
// secondary index, schema string, or rule set to persist, since all
// three are out of scope for bunkv.
type collectionMeta struct {
	Handle   uint64        `json:"handle"`
	Name     string        `json:"name"`
	Modality Modality      `json:"modality"`
	RootID   storage.PageID `json:"root_id"`
	Vector   *VectorLayout `json:"vector,omitempty"`
}

// systemCatalog is the on-disk shape of the whole collection registry.
type systemCatalog struct {
	Collections map[string]*collectionMeta `json:"collections"`
	NextHandle  uint64                     `json:"next_handle"`
}

// metadataManager persists the collection registry as indented JSON,
// the same encoding bundoc's MetadataManager used, tolerating a missing
// file on first open the same way.
type metadataManager struct {
	path    string
	mu      sync.RWMutex
	catalog systemCatalog
}

func newMetadataManager(path string) (*metadataManager, error) {
	mm := &metadataManager{path: path, catalog: systemCatalog{
		Collections: make(map[string]*collectionMeta),
		NextHandle:  1, // handle 0 is reserved for the default collection
	}}
	if err := mm.load(); err != nil {
		return nil, err
	}
	return mm, nil
}

func (mm *metadataManager) load() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	raw, err := os.ReadFile(mm.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("bunkv: read metadata catalog: %w", err)
	}
	var catalog systemCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return fmt.Errorf("bunkv: parse metadata catalog: %w", err)
	}
	if catalog.Collections == nil {
		catalog.Collections = make(map[string]*collectionMeta)
	}
	if catalog.NextHandle == 0 {
		catalog.NextHandle = 1
	}
	mm.catalog = catalog
	return nil
}

func (mm *metadataManager) save() error {
	raw, err := json.MarshalIndent(mm.catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("bunkv: marshal metadata catalog: %w", err)
	}
	tmp := mm.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("bunkv: write metadata catalog: %w", err)
	}
	return os.Rename(tmp, mm.path)
}

// allocateHandle returns the next collection handle and persists the
// counter so restarts never reuse a dropped collection's handle.
func (mm *metadataManager) allocateHandle() (uint64, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	handle := mm.catalog.NextHandle
	mm.catalog.NextHandle++
	if err := mm.save(); err != nil {
		mm.catalog.NextHandle--
		return 0, err
	}
	return handle, nil
}

func (mm *metadataManager) put(meta *collectionMeta) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.catalog.Collections[meta.Name] = meta
	return mm.save()
}

func (mm *metadataManager) updateRoot(name string, root storage.PageID) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	meta, ok := mm.catalog.Collections[name]
	if !ok {
		return fmt.Errorf("bunkv: metadata: unknown collection %q", name)
	}
	meta.RootID = root
	return mm.save()
}

func (mm *metadataManager) remove(name string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.catalog.Collections, name)
	return mm.save()
}

func (mm *metadataManager) get(name string) (*collectionMeta, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	meta, ok := mm.catalog.Collections[name]
	return meta, ok
}

func (mm *metadataManager) list() []*collectionMeta {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	out := make([]*collectionMeta, 0, len(mm.catalog.Collections))
	for _, meta := range mm.catalog.Collections {
		out = append(out, meta)
	}
	return out
}
