package writelog

// logRing tracks the descriptor ring geometry in memory.
//
// The ring is empty iff firstFree == firstValid; one slot is always kept
// unused so a full ring is distinguishable from an empty one. The free
// count is decremented at reservation time (before indices are assigned)
// so concurrent writers cannot oversubscribe the ring; firstFree only
// advances when the append path assigns slots, and firstValid advances at
// retirement.
type logRing struct {
	total      uint32
	free       uint32
	firstFree  uint32
	firstValid uint32
}

func newLogRing(total, firstFree, firstValid uint32) logRing {
	r := logRing{
		total:      total,
		firstFree:  firstFree,
		firstValid: firstValid,
	}
	r.free = total - r.live() - 1
	return r
}

// live returns the number of slots in [firstValid, firstFree).
func (r *logRing) live() uint32 {
	return (r.firstFree + r.total - r.firstValid) % r.total
}

// reserve takes n slots out of the free count without assigning indices.
func (r *logRing) reserve(n uint32) bool {
	if n > r.free {
		return false
	}
	r.free -= n
	return true
}

// unreserve returns slots taken by reserve but never assigned.
func (r *logRing) unreserve(n uint32) {
	r.free += n
}

// assign hands out n consecutive ring indices, advancing firstFree. The
// slots must already be reserved. The returned batch may wrap; consumers
// split flushes at the wrap boundary.
func (r *logRing) assign(n uint32) []uint32 {
	indices := make([]uint32, n)
	for i := range indices {
		indices[i] = (r.firstFree + uint32(i)) % r.total
	}
	r.firstFree = (r.firstFree + n) % r.total
	return indices
}

// unassign rolls back the most recent assign of n slots. Only valid while
// the append lock is held and no later assign has occurred.
func (r *logRing) unassign(n uint32) {
	r.firstFree = (r.firstFree + r.total - n) % r.total
	r.free += n
}

// retire releases the n oldest slots, advancing firstValid.
func (r *logRing) retire(n uint32) {
	r.firstValid = (r.firstValid + n) % r.total
	r.free += n
}

// contiguousRuns splits a batch of consecutive indices into runs that do
// not wrap the ring, for range flushes.
func contiguousRuns(indices []uint32, total uint32) [][2]uint32 {
	if len(indices) == 0 {
		return nil
	}
	runs := [][2]uint32{{indices[0], 1}}
	for _, idx := range indices[1:] {
		last := &runs[len(runs)-1]
		if idx == (last[0]+last[1])%total && idx != 0 {
			last[1]++
			continue
		}
		runs = append(runs, [2]uint32{idx, 1})
	}
	return runs
}
