package writelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

func mapTestEntry(startBlock, blocks uint64) *logEntry {
	return newLogEntry(startBlock*testBlockSize, blocks*testBlockSize)
}

func extentsOf(m *blockMap) []BlockExtent {
	out := make([]BlockExtent, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.extent)
	}
	return out
}

func TestMapInsertDisjoint(t *testing.T) {
	m := newBlockMap()

	e1 := mapTestEntry(0, 2)
	e2 := mapTestEntry(4, 2)
	m.add(e1, testBlockSize)
	m.add(e2, testBlockSize)

	assert.Equal(t, []BlockExtent{{0, 1}, {4, 5}}, extentsOf(m))
	assert.Equal(t, int32(1), e1.referringMapEntries.Load())
	assert.Equal(t, int32(1), e2.referringMapEntries.Load())
}

func TestMapExactReplace(t *testing.T) {
	m := newBlockMap()

	old := mapTestEntry(0, 2)
	m.add(old, testBlockSize)

	replacement := mapTestEntry(0, 2)
	m.add(replacement, testBlockSize)

	require.Len(t, m.entries, 1)
	assert.Same(t, replacement, m.entries[0].entry)
	assert.Equal(t, int32(0), old.referringMapEntries.Load())
	assert.Equal(t, int32(1), replacement.referringMapEntries.Load())
}

func TestMapShrinkLowEnd(t *testing.T) {
	m := newBlockMap()

	old := mapTestEntry(0, 4) // [0,3]
	m.add(old, testBlockSize)

	newer := mapTestEntry(0, 2) // [0,1] covers old's low end
	m.add(newer, testBlockSize)

	assert.Equal(t, []BlockExtent{{0, 1}, {2, 3}}, extentsOf(m))
	assert.Same(t, newer, m.entries[0].entry)
	assert.Same(t, old, m.entries[1].entry)
	assert.Equal(t, int32(1), old.referringMapEntries.Load())
}

func TestMapShrinkHighEnd(t *testing.T) {
	m := newBlockMap()

	old := mapTestEntry(0, 4) // [0,3]
	m.add(old, testBlockSize)

	newer := mapTestEntry(2, 4) // [2,5] covers old's high end
	m.add(newer, testBlockSize)

	assert.Equal(t, []BlockExtent{{0, 1}, {2, 5}}, extentsOf(m))
	assert.Same(t, old, m.entries[0].entry)
	assert.Same(t, newer, m.entries[1].entry)
}

// A strictly contained insert splits the older entry into two pieces
// that both reference the same log entry, incrementing its reference
// count by exactly one.
func TestMapSplit(t *testing.T) {
	m := newBlockMap()

	x := mapTestEntry(0, 4) // [0,3]
	m.add(x, testBlockSize)
	require.Equal(t, int32(1), x.referringMapEntries.Load())

	y := mapTestEntry(1, 2) // [1,2] strictly inside
	m.add(y, testBlockSize)

	assert.Equal(t, []BlockExtent{{0, 0}, {1, 2}, {3, 3}}, extentsOf(m))
	assert.Same(t, x, m.entries[0].entry)
	assert.Same(t, y, m.entries[1].entry)
	assert.Same(t, x, m.entries[2].entry)
	assert.Equal(t, int32(2), x.referringMapEntries.Load())
	assert.Equal(t, int32(1), y.referringMapEntries.Load())
}

func TestMapRemoveLogEntry(t *testing.T) {
	m := newBlockMap()

	x := mapTestEntry(0, 4)
	y := mapTestEntry(1, 2)
	m.add(x, testBlockSize)
	m.add(y, testBlockSize) // splits x

	m.removeLogEntry(x)

	assert.Equal(t, []BlockExtent{{1, 2}}, extentsOf(m))
	assert.Equal(t, int32(0), x.referringMapEntries.Load())
	assert.Equal(t, int32(1), y.referringMapEntries.Load())
}

func TestMapFindOverlappingAscending(t *testing.T) {
	m := newBlockMap()

	e1 := mapTestEntry(0, 2)
	e2 := mapTestEntry(4, 2)
	e3 := mapTestEntry(8, 2)
	m.add(e1, testBlockSize)
	m.add(e2, testBlockSize)
	m.add(e3, testBlockSize)

	found := m.findOverlapping(BlockExtent{1, 8})
	require.Len(t, found, 3)
	assert.Same(t, e1, found[0].entry)
	assert.Same(t, e2, found[1].entry)
	assert.Same(t, e3, found[2].entry)

	assert.Empty(t, m.findOverlapping(BlockExtent{2, 3}))
}

func TestMapInvalidateRange(t *testing.T) {
	m := newBlockMap()

	e := mapTestEntry(0, 6) // [0,5]
	m.add(e, testBlockSize)

	m.invalidateRange(BlockExtent{2, 3})

	assert.Equal(t, []BlockExtent{{0, 1}, {4, 5}}, extentsOf(m))
	// The split left two pieces of the same entry.
	assert.Equal(t, int32(2), e.referringMapEntries.Load())

	m.invalidateRange(BlockExtent{0, 5})
	assert.Empty(t, m.entries)
	assert.Equal(t, int32(0), e.referringMapEntries.Load())
}

func TestMapClear(t *testing.T) {
	m := newBlockMap()

	e1 := mapTestEntry(0, 2)
	e2 := mapTestEntry(4, 2)
	m.add(e1, testBlockSize)
	m.add(e2, testBlockSize)

	m.clear()

	assert.Zero(t, m.len())
	assert.Equal(t, int32(0), e1.referringMapEntries.Load())
	assert.Equal(t, int32(0), e2.referringMapEntries.Load())
}

// Map entries are pairwise disjoint after any sequence of overlapping
// inserts.
func TestMapDisjointInvariant(t *testing.T) {
	m := newBlockMap()

	inserts := []struct{ start, blocks uint64 }{
		{0, 8}, {2, 2}, {6, 4}, {0, 1}, {3, 5}, {1, 1},
	}
	for _, in := range inserts {
		m.add(mapTestEntry(in.start, in.blocks), testBlockSize)
	}

	exts := extentsOf(m)
	for i := 1; i < len(exts); i++ {
		assert.Less(t, exts[i-1].End, exts[i].Start,
			"entries %v and %v overlap or are out of order", exts[i-1], exts[i])
	}

	// Reference counts match the map contents.
	counts := map[*logEntry]int32{}
	for _, me := range m.entries {
		counts[me.entry]++
	}
	for e, n := range counts {
		assert.Equal(t, n, e.referringMapEntries.Load())
	}
}
