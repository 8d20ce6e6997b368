package writelog

import (
	"sort"
	"sync"
)

// mapEntry associates a block extent with the log entry holding the
// newest data for it. A map entry may cover only part of its log entry's
// extent when later writes have overlaid the rest.
type mapEntry struct {
	extent BlockExtent
	entry  *logEntry
}

// blockMap maps block extents to log entries.
//
// Entries are kept in a slice ordered by extent start. The structural
// invariant is that no two entries overlap: every insert carves away the
// overlapped portions of existing entries first, so lookups are binary
// searches over a disjoint ordered set. referringMapEntries on each log
// entry always equals the number of map entries pointing at it.
type blockMap struct {
	mu      sync.Mutex
	entries []mapEntry
}

func newBlockMap() *blockMap {
	return &blockMap{}
}

// add inserts a map entry covering the log entry's whole extent,
// displacing whatever the range previously mapped to.
func (m *blockMap) add(e *logEntry, blockSize uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(mapEntry{extent: e.blockExtent(blockSize), entry: e})
}

// addAll inserts entries in order. Later entries in the slice win over
// earlier ones where they overlap.
func (m *blockMap) addAll(entries []*logEntry, blockSize uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.insertLocked(mapEntry{extent: e.blockExtent(blockSize), entry: e})
	}
}

// removeLogEntry removes exactly the map entries backed by e.
func (m *blockMap) removeLogEntry(e *logEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, me := range m.entries {
		if me.entry == e {
			e.referringMapEntries.Add(-1)
			continue
		}
		kept = append(kept, me)
	}
	m.entries = kept
}

// invalidateRange drops the mapping for a block extent without inserting
// a replacement. Entries partially covered are shrunk or split.
func (m *blockMap) invalidateRange(extent BlockExtent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carveLocked(extent)
}

// clear drops every map entry.
func (m *blockMap) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, me := range m.entries {
		me.entry.referringMapEntries.Add(-1)
	}
	m.entries = nil
}

// findOverlapping returns the map entries overlapping extent in ascending
// block order. The returned entries are copies; the backing log entries
// are shared.
func (m *blockMap) findOverlapping(extent BlockExtent) []mapEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo, hi := m.overlapRangeLocked(extent)
	if lo == hi {
		return nil
	}
	out := make([]mapEntry, hi-lo)
	copy(out, m.entries[lo:hi])
	return out
}

// len returns the number of map entries.
func (m *blockMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// insertLocked inserts me after carving away every overlap:
// fully-contained entries are removed, partially-covered ones are shrunk,
// and an entry strictly containing me splits in two (both halves keep the
// original log entry, which gains one map reference from the split).
func (m *blockMap) insertLocked(me mapEntry) {
	m.carveLocked(me.extent)

	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].extent.Start >= me.extent.Start
	})
	m.entries = append(m.entries, mapEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = me
	me.entry.referringMapEntries.Add(1)
}

// carveLocked removes the block range extent from every overlapping
// entry, maintaining the disjointness invariant and the per-entry
// reference counts.
func (m *blockMap) carveLocked(extent BlockExtent) {
	lo, hi := m.overlapRangeLocked(extent)
	if lo == hi {
		return
	}

	var replacement []mapEntry
	for _, e := range m.entries[lo:hi] {
		switch {
		case extent.Start <= e.extent.Start && extent.End >= e.extent.End:
			// Fully contained: drop.
			e.entry.referringMapEntries.Add(-1)

		case extent.Start <= e.extent.Start:
			// Covers the low end: keep the tail.
			e.extent.Start = extent.End + 1
			replacement = append(replacement, e)

		case extent.End >= e.extent.End:
			// Covers the high end: keep the head.
			e.extent.End = extent.Start - 1
			replacement = append(replacement, e)

		default:
			// Strictly inside: split. Both halves reference the same log
			// entry, which gains exactly one reference.
			head := mapEntry{extent: BlockExtent{e.extent.Start, extent.Start - 1}, entry: e.entry}
			tail := mapEntry{extent: BlockExtent{extent.End + 1, e.extent.End}, entry: e.entry}
			e.entry.referringMapEntries.Add(1)
			replacement = append(replacement, head, tail)
		}
	}

	m.entries = append(m.entries[:lo], append(replacement, m.entries[hi:]...)...)
}

// overlapRangeLocked returns the half-open index range of entries
// overlapping extent.
func (m *blockMap) overlapRangeLocked(extent BlockExtent) (int, int) {
	lo := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].extent.End >= extent.Start
	})
	hi := lo
	for hi < len(m.entries) && m.entries[hi].extent.Start <= extent.End {
		hi++
	}
	return lo, hi
}
