package bunkv

import (
	"sync"

	"github.com/kartikbazzad/bunbase/bunkv/errs"
)

// Arena is a caller-owned linear bump allocator for the byte tapes,
// offset arrays, and bitmaps a batched modality call writes its output
// into. Every batched operation in bunkv (blob reads, document gathers,
// vector search results, ...) takes an *Arena rather than allocating
// through the Go heap per call, so a caller driving thousands of calls
// per second can reuse one arena's backing pages instead of paying GC
// pressure for each.
//
// The design generalizes bundoc's storage.GetBuffer/PutBuffer sync.Pool
// of scratch *bytes.Buffer into a real bump allocator: instead of one
// pooled buffer reset between uses, an Arena holds a growable slice of
// fixed-size pages and advances a single cursor across them, handing out
// sub-slices that remain valid until Reset or Release.
type Arena struct {
	pageSize     int
	pages        [][]byte
	pageIdx      int
	cursor       int
	doNotDiscard bool
	mu           sync.Mutex
}

// DefaultArenaPageSize matches bundoc's BufferPool page granularity (8KB)
// so a single arena page lines up with one disk page's worth of output.
const DefaultArenaPageSize = 8192

var arenaPagePool = sync.Pool{
	New: func() any {
		return make([]byte, DefaultArenaPageSize)
	},
}

// NewArena creates an empty arena. Pages are drawn from a shared
// sync.Pool and returned to it on Release, so short-lived arenas across
// many batched calls don't each pay a fresh allocation.
func NewArena() *Arena {
	return &Arena{pageSize: DefaultArenaPageSize}
}

// Reserve returns a zeroed byte slice of length n, aligned to alignment
// (which must be a power of two; 1 means unaligned), valid until the
// arena is Reset or Released. It returns errs.ErrInvalidArgument for a
// negative n; a request larger than the arena's page size is not an
// error but gets its own dedicated, unpooled page.
func (a *Arena) Reserve(n int, alignment int) ([]byte, error) {
	if n < 0 {
		return nil, errs.ErrInvalidArgument
	}
	if alignment <= 0 {
		alignment = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n > a.pageSize {
		// Oversized request: give it a dedicated page rather than
		// resizing the common page size for every future allocation.
		page := make([]byte, n)
		a.pages = append(a.pages, page)
		a.pageIdx = len(a.pages) - 1
		a.cursor = n
		return page, nil
	}

	if len(a.pages) == 0 {
		a.pages = append(a.pages, arenaPagePool.Get().([]byte))
		a.pageIdx = 0
		a.cursor = 0
	}

	aligned := alignUp(a.cursor, alignment)
	if aligned+n > a.pageSize {
		a.pageIdx++
		if a.pageIdx >= len(a.pages) {
			a.pages = append(a.pages, arenaPagePool.Get().([]byte))
		}
		aligned = 0
	}

	page := a.pages[a.pageIdx]
	out := page[aligned : aligned+n]
	for i := range out {
		out[i] = 0
	}
	a.cursor = aligned + n
	return out, nil
}

func alignUp(offset, alignment int) int {
	if alignment <= 1 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

// SetDoNotDiscard marks the arena as long-lived: Reset becomes a no-op
// until the flag is cleared. A caller accumulating results across
// several batched calls before reading them all sets this so an
// intermediate Reset elsewhere in the call chain cannot invalidate
// slices it is still holding.
func (a *Arena) SetDoNotDiscard(doNotDiscard bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doNotDiscard = doNotDiscard
}

// Reset rewinds the arena to its first page without returning pages to
// the pool, so the next round of Reserve calls reuses the same backing
// memory. A no-op while the do-not-discard flag is set.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doNotDiscard {
		return
	}
	a.pageIdx = 0
	a.cursor = 0
}

// Release returns every pooled page to the shared pool and drops the
// arena's slice of pages entirely. Oversized dedicated pages are simply
// dropped for the garbage collector, since they didn't come from the
// pool. Callers that reuse an Arena across many calls should prefer
// Reset; Release is for arenas about to go out of scope.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, page := range a.pages {
		if len(page) == a.pageSize {
			arenaPagePool.Put(page)
		}
	}
	a.pages = nil
	a.pageIdx = 0
	a.cursor = 0
	a.doNotDiscard = false
}
