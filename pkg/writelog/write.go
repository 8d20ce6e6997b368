package writelog

import (
	"time"

	"github.com/marmos91/pwlog/internal/logger"
)

// AioWrite logs a user write. extents name the image ranges being
// written; data is their concatenated payload. onDone fires when the
// write is complete: after its descriptors are durable in persist-on-
// write mode, or at dispatch in persist-on-flush mode.
//
// Unaligned extents fail with ErrInvalidExtent and read-only logs with
// ErrReadOnly, both delivered through onDone.
func (w *WriteLog) AioWrite(extents []Extent, data []byte, onDone Completion) {
	req := newWriteRequest(extents, data, onDone)

	if w.cfg.ReadOnly {
		w.completeFin.queue(func() { onDone(ErrReadOnly) })
		return
	}
	if len(extents) == 0 || req.totalBytes() != uint64(len(data)) {
		w.completeFin.queue(func() { onDone(ErrInvalidExtent) })
		return
	}
	for _, e := range extents {
		if !validExtent(e, w.blockSize) {
			w.completeFin.queue(func() { onDone(ErrInvalidExtent) })
			return
		}
	}

	w.mu.Lock()
	if !w.wakeUpEnabled {
		w.mu.Unlock()
		w.completeFin.queue(func() { onDone(ErrShuttingDown) })
		return
	}
	w.asyncOps.Add(1)
	w.mu.Unlock()

	w.detainGuardedRequest(req)
}

// detainGuardedRequest runs req against the block guard. Overlapping
// requests queue on the owning cell and resume, in FIFO order, when it
// releases.
func (w *WriteLog) detainGuardedRequest(req *writeRequest) {
	greq := &guardedRequest{
		extent: boundingBlockExtent(req.extents, w.blockSize),
		onAcquire: func(cell *guardCell) {
			req.cell = cell
			w.allocAndDispatch(req)
		},
	}

	if cell := w.guard.detain(greq); cell != nil {
		greq.onAcquire(cell)
		return
	}

	req.detained = true
	if w.metrics != nil {
		w.metrics.ObserveDetained()
	}
	logger.Debug("Write detained on block guard",
		logger.KeyReqID, req.id, logger.KeyExtent, greq.extent.String())
}

// releaseGuardedRequest releases req's cell and re-submits its waiters
// in FIFO order.
func (w *WriteLog) releaseGuardedRequest(cell *guardCell) {
	for _, waiter := range w.guard.release(cell) {
		if c := w.guard.detain(waiter); c != nil {
			waiter.onAcquire(c)
		}
	}
}

// allocAndDispatch tries to reserve the request's resources and
// dispatches it; on exhaustion the request joins the deferred FIFO.
func (w *WriteLog) allocAndDispatch(req *writeRequest) {
	w.dispatchMu.Lock()
	w.mu.Lock()
	ok := w.allocWriteResourcesLocked(req)
	if !ok {
		w.deferred = append(w.deferred, req)
		if w.metrics != nil {
			w.metrics.ObserveDeferred()
		}
	}
	w.mu.Unlock()
	w.dispatchMu.Unlock()

	if ok {
		w.dispatchWrite(req)
	} else {
		logger.Debug("Write deferred on resource exhaustion", logger.KeyReqID, req.id)
	}
}

// allocWriteResourcesLocked reserves lanes, ring slots, and payload
// space for every extent of req, all or nothing. Caller holds w.mu.
func (w *WriteLog) allocWriteResourcesLocked(req *writeRequest) bool {
	lanes := uint32(len(req.extents))
	entries := uint32(len(req.extents))

	if w.freeLanes < lanes {
		return false
	}
	if !w.ring.reserve(entries) {
		return false
	}

	reservations := req.reservations[:0]
	for _, e := range req.extents {
		res, err := w.pool.Reserve(e.Length + BlockAllocOverheadBytes)
		if err != nil {
			// Partial failure: cancel everything already reserved.
			for _, r := range reservations {
				w.pool.Cancel(r)
			}
			w.ring.unreserve(entries)
			return false
		}
		reservations = append(reservations, res)
	}

	w.freeLanes -= lanes
	req.lanes = lanes
	req.entriesCount = entries
	req.reservations = reservations
	req.allocatedTime = time.Now()
	return true
}

// dispatchWrite creates the request's ops and log entries, copies the
// payload into reserved pool space, stamps descriptors, publishes the
// mapping, and schedules flush and append. In persist-on-flush mode the
// user completion fires here.
func (w *WriteLog) dispatchWrite(req *writeRequest) {
	req.dispatchTime = time.Now()
	payloads := req.payloadSlices()

	w.mu.Lock()
	sp := w.currentSyncPoint
	sp.opCount += uint64(len(req.extents))

	set := newOpSet(sp, w.persistOnFlush, boundingBlockExtent(req.extents, w.blockSize),
		func(err error) { w.writePersisted(req, err) })
	req.set = set

	newEntries := make([]*logEntry, 0, len(req.extents))
	for i, e := range req.extents {
		w.lastOpSeq++

		entry := newLogEntry(e.Offset, e.Length)
		entry.ram.SyncGen = sp.gen
		entry.ram.Seq = w.lastOpSeq
		entry.ram.Flags = flagSequenced | flagHasData
		entry.ram.PayloadHandle = req.reservations[i].Handle()
		entry.payload = w.pool.PayloadBytes(entry.ram.PayloadHandle, e.Length)

		op := &writeOp{
			entry:        entry,
			data:         payloads[i],
			reservation:  req.reservations[i],
			dispatchTime: req.dispatchTime,
		}
		set.addOp(op)
		newEntries = append(newEntries, entry)
	}
	set.seal()
	w.unpersistedOps += len(set.ops)
	w.mu.Unlock()

	// Copy payload bytes into the reserved pool regions outside the
	// main lock; nothing reads them until the map insert below.
	for _, op := range set.ops {
		copy(op.entry.payload, op.data)
	}

	// Publish the mapping so reads see the new data. The entries join
	// the in-memory log list when their ring slots are assigned, keeping
	// that list in ring order for retirement.
	w.bmap.addAll(newEntries, w.blockSize)
	w.mu.Lock()
	w.opsToFlush = append(w.opsToFlush, set.ops...)
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.ObserveWriteDispatch(int64(req.totalBytes()),
			req.allocatedTime.Sub(req.arrivalTime),
			req.dispatchTime.Sub(req.arrivalTime))
	}

	if set.persistOnFlush {
		w.completeUser(req, nil)
	}

	w.persistFin.queue(w.flushScheduledOps)
}

// writePersisted runs when every op of a request has persisted (or the
// batch failed). It completes the user in persist-on-write mode, then
// returns the request's lanes and guard cell.
func (w *WriteLog) writePersisted(req *writeRequest, err error) {
	if !req.set.persistOnFlush || err != nil {
		w.completeUser(req, err)
	}

	if w.metrics != nil {
		w.metrics.ObserveWritePersist(time.Since(req.arrivalTime))
	}

	w.releaseWriteLanes(req)
	w.releaseGuardedRequest(req.cell)
	w.asyncOps.Done()
	w.wakeUp()
}

// completeUser delivers the user completion exactly once.
func (w *WriteLog) completeUser(req *writeRequest, err error) {
	w.mu.Lock()
	if req.userCompleted {
		w.mu.Unlock()
		return
	}
	req.userCompleted = true
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.ObserveWriteCaller(time.Since(req.arrivalTime))
	}
	w.completeFin.queue(func() { req.onDone(err) })
}

// releaseWriteLanes returns the request's lanes and kicks the deferred
// queue.
func (w *WriteLog) releaseWriteLanes(req *writeRequest) {
	w.mu.Lock()
	w.freeLanes += req.lanes
	req.lanes = 0
	w.mu.Unlock()

	w.dispatchDeferredWrites()
}

// dispatchDeferredWrites dispatches deferred requests from the head of
// the FIFO until one cannot allocate.
func (w *WriteLog) dispatchDeferredWrites() {
	for {
		w.dispatchMu.Lock()
		w.mu.Lock()
		if len(w.deferred) == 0 {
			w.mu.Unlock()
			w.dispatchMu.Unlock()
			return
		}
		req := w.deferred[0]
		if !w.allocWriteResourcesLocked(req) {
			w.mu.Unlock()
			w.dispatchMu.Unlock()
			return
		}
		w.deferred = w.deferred[1:]
		w.mu.Unlock()
		w.dispatchMu.Unlock()

		w.dispatchWrite(req)
	}
}
