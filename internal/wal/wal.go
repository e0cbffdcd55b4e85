// Package wal implements the write-ahead log every bunkv collection's
// rows pass through before they land on a page. Records are collection-
// agnostic plumbing at the segment level - a row's collection handle
// rides along in Record.Collection and in the encoded Key - so one WAL
// durably serializes writes across every modality view sharing the
// substrate.
//
// Key components:
//   - WAL: the coordinator managing segments and log appends.
//   - Segment: a single log file, rotated when full.
//   - Record: a single log entry (header + payload).
//   - GroupCommitter: batches synchronous disk flushes across transactions.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// WAL represents the Write-Ahead Log Manager.
// It manages a sequence of log segments and handles atomic appends.
type WAL struct {
	dir            string
	currentSegment *Segment      // The active segment being written to
	currentLSN     atomic.Uint64 // Monotonically increasing Log Sequence Number
	nextSegmentID  SegmentID
	buffer         *bufio.Writer // Buffered writer for performance
	bufferSize     int
	mu             sync.RWMutex
}

// DefaultBufferSize is the default WAL buffer size (256KB)
const DefaultBufferSize = 256 * 1024

// NewWAL creates a new Write-Ahead Log
func NewWAL(dir string) (*WAL, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	// Create first segment
	segment, err := NewSegment(dir, 0, LSN(1))
	if err != nil {
		return nil, err
	}

	wal := &WAL{
		dir:            dir,
		currentSegment: segment,
		nextSegmentID:  1,
		bufferSize:     DefaultBufferSize,
	}
	wal.currentLSN.Store(1)

	return wal, nil
}

// Append appends a record to the WAL and returns its LSN
func (w *WAL) Append(record *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Assign LSN
	lsn := LSN(w.currentLSN.Add(1))
	record.LSN = lsn

	// Check if we need to rotate segment
	if w.currentSegment.IsFull() {
		if err := w.rotateSegment(); err != nil {
			return 0, err
		}
	}

	// Write to current segment
	if err := w.currentSegment.Write(record); err != nil {
		return 0, err
	}

	return lsn, nil
}

// AppendBatch appends multiple records to the WAL atomically
func (w *WAL) AppendBatch(records []*Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastLSN LSN
	for _, record := range records {
		// Assign LSN
		lastLSN = LSN(w.currentLSN.Add(1))
		record.LSN = lastLSN

		// Check if we need to rotate segment
		if w.currentSegment.IsFull() {
			if err := w.rotateSegment(); err != nil {
				return 0, err
			}
		}

		// Write to current segment
		if err := w.currentSegment.Write(record); err != nil {
			return 0, err
		}
	}

	return lastLSN, nil
}

// Sync forces a sync of the WAL to disk
func (w *WAL) Sync() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.currentSegment.Sync()
}

// rotateSegment creates a new segment and closes the current one
func (w *WAL) rotateSegment() error {
	// Close current segment
	if err := w.currentSegment.Close(); err != nil {
		return err
	}

	// Create new segment
	nextLSN := LSN(w.currentLSN.Load() + 1)
	newSegment, err := NewSegment(w.dir, w.nextSegmentID, nextLSN)
	if err != nil {
		return err
	}
	newSegment.maxSize = w.currentSegment.maxSize

	w.currentSegment = newSegment
	w.nextSegmentID++

	return nil
}

// GetCurrentLSN returns the current LSN
func (w *WAL) GetCurrentLSN() LSN {
	return LSN(w.currentLSN.Load())
}

// ReadAllRecords reads all records from all WAL segments
func (w *WAL) ReadAllRecords() ([]*Record, error) {
	segments, err := w.openAllSegments()
	if err != nil {
		return nil, err
	}

	var allRecords []*Record
	for _, segment := range segments {
		records, err := segment.ReadRecords()
		segment.Close()
		if err != nil {
			return nil, err
		}
		allRecords = append(allRecords, records...)
	}

	return allRecords, nil
}

// openAllSegments opens every WAL segment file on disk, in filename
// (and therefore LSN) order. Callers are responsible for closing each
// returned segment once they're done with it.
func (w *WAL) openAllSegments() ([]*Segment, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	files, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}

	segments := make([]*Segment, 0, len(files))
	for _, file := range files {
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue // Skip invalid files
		}

		segment, err := OpenSegment(w.dir, SegmentID(segID))
		if err != nil {
			for _, opened := range segments {
				opened.Close()
			}
			return nil, err
		}
		segments = append(segments, segment)
	}

	return segments, nil
}

// Truncate removes every WAL segment whose records are entirely below
// upToLSN, i.e. every record it holds has already been checkpointed.
// The current (actively written) segment is never a candidate regardless
// of its LSN range.
func (w *WAL) Truncate(upToLSN LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil {
		return fmt.Errorf("failed to list WAL files: %w", err)
	}

	for _, file := range files {
		var segID uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &segID); err != nil {
			continue
		}

		if SegmentID(segID) == w.currentSegment.ID {
			continue
		}

		segment, err := OpenSegment(w.dir, SegmentID(segID))
		if err != nil {
			continue
		}

		_, end := segment.LSNRange()
		path := segment.GetPath()
		segment.Close()

		if end != 0 && end < upToLSN {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove truncated WAL segment %s: %w", path, err)
			}
		}
	}

	return nil
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		return w.currentSegment.Close()
	}
	return nil
}

// RecordExists checks if a record with the given LSN exists
func (w *WAL) RecordExists(lsn LSN) bool {
	return lsn <= w.GetCurrentLSN() && lsn > 0
}

// ReadCollectionRecords reads every record stamped with the given
// collection handle, in LSN order. Txn-control records (commit, abort,
// checkpoint) carry no collection and are never returned by this call;
// use ReadAllRecords and filter by Type for those.
//
// Segments that never touched handle are skipped without decoding a
// single record from them - each Segment tracks its own collection
// membership as records are written (or, for a segment reopened after a
// restart, from the one-time scan OpenSegment performs), so a WAL
// carrying many collections' history doesn't pay to decode every other
// collection's records just to answer a question about one handle.
func (w *WAL) ReadCollectionRecords(handle uint64) ([]*Record, error) {
	segments, err := w.openAllSegments()
	if err != nil {
		return nil, err
	}

	var filtered []*Record
	for _, segment := range segments {
		if !segment.TouchesCollection(handle) {
			segment.Close()
			continue
		}
		records, err := segment.ReadRecords()
		segment.Close()
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Collection == handle {
				filtered = append(filtered, rec)
			}
		}
	}
	return filtered, nil
}
