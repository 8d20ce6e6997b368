package writelog

import (
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/pwlog/pkg/pmem"
)

// writeRequest is the per-request record for one user write. It carries
// the request through the pipeline states: admitted, detained on the
// guard, reserving resources (possibly deferred), dispatched, and
// completed.
type writeRequest struct {
	id      uuid.UUID
	extents []Extent

	// data is the user payload: the concatenation of the extents'
	// bytes in order.
	data []byte

	onDone Completion

	arrivalTime   time.Time
	allocatedTime time.Time
	dispatchTime  time.Time

	// cell is the guard cell owned by this request from acquisition
	// until every op has persisted.
	cell *guardCell

	// detained mirrors the guard's deferral flag for observability.
	detained bool

	// Resources held while dispatched: lanes, ring slots (counted, not
	// yet assigned), and payload reservations, one per extent.
	lanes        uint32
	entriesCount uint32
	reservations []*pmem.Reservation

	set *opSet

	// userCompleted guards against double completion in persist-on-flush
	// mode, where the user callback fires at dispatch but errors found
	// later must not fire it again.
	userCompleted bool
}

func newWriteRequest(extents []Extent, data []byte, onDone Completion) *writeRequest {
	return &writeRequest{
		id:          uuid.New(),
		extents:     extents,
		data:        data,
		onDone:      onDone,
		arrivalTime: time.Now(),
	}
}

// totalBytes returns the user payload size.
func (r *writeRequest) totalBytes() uint64 {
	var n uint64
	for _, e := range r.extents {
		n += e.Length
	}
	return n
}

// payloadSlices splits the request's buffer into one slice per extent.
func (r *writeRequest) payloadSlices() [][]byte {
	out := make([][]byte, len(r.extents))
	var off uint64
	for i, e := range r.extents {
		out[i] = r.data[off : off+e.Length]
		off += e.Length
	}
	return out
}
