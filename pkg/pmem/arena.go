package pmem

import "math/bits"

// arena is a granule-bitmap allocator over the payload area.
//
// Only the allocations themselves are durable (via the descriptors that
// reference them); the bitmap is rebuilt on open by walking the valid
// descriptor window, so the arena keeps no on-pool state of its own.
type arena struct {
	words    []uint64
	granules uint64
	inUse    uint64
	hint     uint64
}

func newArena(granules uint64) *arena {
	return &arena{
		words:    make([]uint64, (granules+63)/64),
		granules: granules,
	}
}

// reserve finds n contiguous free granules, marks them, and returns the
// first granule index. The scan starts at the hint and wraps once.
func (a *arena) reserve(n uint64) (uint64, bool) {
	if n == 0 || n > a.granules-a.inUse {
		return 0, false
	}

	if start, ok := a.scan(a.hint, a.granules, n); ok {
		a.mark(start, n)
		a.hint = start + n
		return start, true
	}
	if start, ok := a.scan(0, a.hint, n); ok {
		a.mark(start, n)
		a.hint = start + n
		return start, true
	}
	return 0, false
}

// scan looks for n contiguous free granules in [from, to).
func (a *arena) scan(from, to, n uint64) (uint64, bool) {
	var run, runStart uint64
	for i := from; i < to; i++ {
		if a.isSet(i) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
		if run == n {
			return runStart, true
		}
	}
	return 0, false
}

// release returns n granules starting at start to the free set.
func (a *arena) release(start, n uint64) {
	for i := start; i < start+n; i++ {
		if a.isSet(i) {
			a.clear(i)
			a.inUse--
		}
	}
	if start < a.hint {
		a.hint = start
	}
}

// markAllocated marks granules in use without a free-run search.
// Idempotent; used when rebuilding the arena during recovery.
func (a *arena) markAllocated(start, n uint64) {
	for i := start; i < start+n; i++ {
		if !a.isSet(i) {
			a.set(i)
			a.inUse++
		}
	}
}

func (a *arena) mark(start, n uint64) {
	for i := start; i < start+n; i++ {
		a.set(i)
	}
	a.inUse += n
}

func (a *arena) freeGranules() uint64 {
	return a.granules - a.inUse
}

func (a *arena) isSet(i uint64) bool {
	return a.words[i/64]&(1<<(i%64)) != 0
}

func (a *arena) set(i uint64)   { a.words[i/64] |= 1 << (i % 64) }
func (a *arena) clear(i uint64) { a.words[i/64] &^= 1 << (i % 64) }

// usedGranules returns the number of granules currently marked.
func (a *arena) usedGranules() uint64 {
	var used uint64
	for _, w := range a.words {
		used += uint64(bits.OnesCount64(w))
	}
	return used
}
