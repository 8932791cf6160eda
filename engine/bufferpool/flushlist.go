package bufferpool

import (
	"sort"
	"sync"

	"github.com/txdb-project/txdb/engine/basic"
)

// flKey identifies a FlushList entry by file and page.
type flKey struct {
	file basic.PageID
}

type flEntry struct {
	page      basic.PageID
	oldestLSN basic.LSN
	newestLSN basic.LSN
}

// FlushList tracks dirty pages by the LSN of their oldest unflushed
// modification, giving CheckpointManager the floor below which WAL may be
// truncated (spec §4.4).
type FlushList struct {
	mu      sync.Mutex
	entries map[basic.PageID]*flEntry
}

// NewFlushList constructs an empty FlushList.
func NewFlushList() *FlushList {
	return &FlushList{entries: make(map[basic.PageID]*flEntry)}
}

// Add records that page was modified at lsn. If the page is already
// tracked, oldest_lsn is left untouched and newest_lsn advances; otherwise
// a fresh entry is created with both set to lsn (spec §4.4).
func (l *FlushList) Add(page basic.PageID, lsn basic.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[page]; ok {
		if lsn > e.newestLSN {
			e.newestLSN = lsn
		}
		return
	}
	l.entries[page] = &flEntry{page: page, oldestLSN: lsn, newestLSN: lsn}
}

// Remove drops page's tracking entry, typically after it has been flushed.
func (l *FlushList) Remove(page basic.PageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, page)
}

// OldestLSN returns the minimum oldest_lsn across all tracked pages, or
// math.MaxUint64 (basic.LSN) if nothing is tracked, meaning nothing is
// holding back WAL truncation.
func (l *FlushList) OldestLSN() basic.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	var min basic.LSN = ^basic.LSN(0)
	for _, e := range l.entries {
		if e.oldestLSN < min {
			min = e.oldestLSN
		}
	}
	return min
}

// GetOlderThan returns every tracked page whose oldest_lsn is <= lsn,
// ordered oldest first.
func (l *FlushList) GetOlderThan(lsn basic.LSN) []basic.PageID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []flEntry
	for _, e := range l.entries {
		if e.oldestLSN <= lsn {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].oldestLSN < out[j].oldestLSN })
	ids := make([]basic.PageID, len(out))
	for i, e := range out {
		ids[i] = e.page
	}
	return ids
}

// FlushFunc writes one page through to disk; FlushList removes the
// tracking entry only when it returns nil.
type FlushFunc func(basic.PageID) error

// Flush attempts to flush up to maxN tracked pages (oldest first) via fn,
// removing each from tracking on success and leaving it in place on
// failure, and returns the count actually flushed (spec §4.4).
func (l *FlushList) Flush(maxN int, fn FlushFunc) int {
	candidates := l.GetOlderThan(^basic.LSN(0))
	flushed := 0
	for _, id := range candidates {
		if flushed >= maxN {
			break
		}
		if err := fn(id); err != nil {
			continue
		}
		l.Remove(id)
		flushed++
	}
	return flushed
}
