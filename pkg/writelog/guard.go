package writelog

import (
	"sort"
	"sync"
)

// guardedRequest is an IO waiting on the block-extent guard.
type guardedRequest struct {
	extent BlockExtent

	// onAcquire runs when the request owns the range, with the cell it
	// must later release.
	onAcquire func(*guardCell)

	// detained is set when the request had to queue behind an
	// overlapping cell at least once.
	detained bool
}

// guardCell represents a range currently owned by one request. Requests
// overlapping the cell queue on it in FIFO order.
type guardCell struct {
	extent  BlockExtent
	waiters []*guardedRequest
}

// blockGuard serializes overlapping IOs by block range.
//
// Live cells never overlap each other: a new cell is only created when no
// live cell overlaps the request, so the cells form an ordered,
// non-overlapping set and overlap lookup is a binary search. For any two
// requests whose extents intersect, the second runs strictly after the
// first's release; non-overlapping requests proceed concurrently.
type blockGuard struct {
	mu    sync.Mutex
	cells []*guardCell // sorted by extent.Start
}

func newBlockGuard() *blockGuard {
	return &blockGuard{}
}

// detain either acquires the range for req, returning the new cell, or
// queues req behind the first overlapping cell and returns nil.
func (g *blockGuard) detain(req *guardedRequest) *guardCell {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c := g.findOverlapLocked(req.extent); c != nil {
		req.detained = true
		c.waiters = append(c.waiters, req)
		return nil
	}

	cell := &guardCell{extent: req.extent}
	g.insertLocked(cell)
	return cell
}

// release removes the cell and returns its waiters in FIFO order. The
// caller re-submits each via detain; waiters that overlap each other
// re-queue and preserve their order.
func (g *blockGuard) release(cell *guardCell) []*guardedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := sort.Search(len(g.cells), func(i int) bool {
		return g.cells[i].extent.Start >= cell.extent.Start
	})
	if i < len(g.cells) && g.cells[i] == cell {
		g.cells = append(g.cells[:i], g.cells[i+1:]...)
	}

	waiters := cell.waiters
	cell.waiters = nil
	return waiters
}

// findOverlapLocked returns the first live cell overlapping extent.
func (g *blockGuard) findOverlapLocked(extent BlockExtent) *guardCell {
	// First cell whose range could reach extent: start beyond extent.End
	// cannot overlap, earlier cells might.
	i := sort.Search(len(g.cells), func(i int) bool {
		return g.cells[i].extent.End >= extent.Start
	})
	if i < len(g.cells) && g.cells[i].extent.Overlaps(extent) {
		return g.cells[i]
	}
	return nil
}

func (g *blockGuard) insertLocked(cell *guardCell) {
	i := sort.Search(len(g.cells), func(i int) bool {
		return g.cells[i].extent.Start >= cell.extent.Start
	})
	g.cells = append(g.cells, nil)
	copy(g.cells[i+1:], g.cells[i:])
	g.cells[i] = cell
}
