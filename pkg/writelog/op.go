package writelog

import (
	"time"

	"github.com/marmos91/pwlog/pkg/pmem"
)

// writeOp is one log operation: a single image extent within a user
// write. A write request with N extents dispatches N ops.
type writeOp struct {
	entry *logEntry

	// data is the slice of the user buffer holding this extent's bytes.
	data []byte

	// reservation is the payload space backing entry until publish.
	reservation *pmem.Reservation

	// persistSubs complete when the op's descriptor is durable (or the
	// batch fails): one sub on the op set's gather and one on the sync
	// point's prior-persist gather.
	persistSubs []Completion

	dispatchTime       time.Time
	bufPersistTime     time.Time
	bufPersistCompTime time.Time
	logAppendTime      time.Time
}

// persist completes the op's sub-completions with the append result.
func (op *writeOp) persist(err error) {
	for _, sub := range op.persistSubs {
		sub(err)
	}
}

// opSet groups the ops of one write request so their persistence can be
// observed as a unit.
type opSet struct {
	extent    BlockExtent
	syncPoint *syncPoint
	ops       []*writeOp

	// opsPersisted fires once every op in the set has persisted.
	opsPersisted *gather

	persistOnFlush bool
	dispatchTime   time.Time
}

// newOpSet creates a set bound to sp. onAllPersisted runs when every op
// added to the set has persisted.
func newOpSet(sp *syncPoint, persistOnFlush bool, extent BlockExtent, onAllPersisted Completion) *opSet {
	return &opSet{
		extent:         extent,
		syncPoint:      sp,
		opsPersisted:   newGather(onAllPersisted),
		persistOnFlush: persistOnFlush,
		dispatchTime:   time.Now(),
	}
}

// addOp wires an op into the set and its sync point.
func (s *opSet) addOp(op *writeOp) {
	op.persistSubs = append(op.persistSubs, s.opsPersisted.newSub(), s.syncPoint.priorPersisted.newSub())
	s.ops = append(s.ops, op)
}

// seal activates the set's gather; no more ops may be added.
func (s *opSet) seal() {
	s.opsPersisted.activate()
}
