package writelog

import (
	"time"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/pmem"
)

// flushScheduledOps drains the payload-flush queue in batches: each op's
// payload range is flushed, one drain makes the batch durable, and the
// batch moves on to the append queue. Runs on the persist finisher.
func (w *WriteLog) flushScheduledOps() {
	for {
		w.mu.Lock()
		n := len(w.opsToFlush)
		if n == 0 {
			w.mu.Unlock()
			return
		}
		if n > w.cfg.FlushBatchSize {
			n = w.cfg.FlushBatchSize
		}
		batch := w.opsToFlush[:n:n]
		w.opsToFlush = w.opsToFlush[n:]
		w.mu.Unlock()

		now := time.Now()
		failed := false
		for _, op := range batch {
			op.bufPersistTime = now
			if err := w.pool.Flush(op.entry.ram.PayloadHandle, op.entry.ram.WriteBytes); err != nil {
				logger.Error("Payload flush failed", logger.KeyError, err)
				failed = true
				break
			}
		}
		if !failed {
			if err := w.pool.Drain(); err != nil {
				logger.Error("Payload drain failed", logger.KeyError, err)
				failed = true
			}
		}
		if failed {
			// The batch never reached the append path: return its ring
			// reservations and payload space before failing it.
			w.mu.Lock()
			w.ring.unreserve(uint32(len(batch)))
			w.mu.Unlock()
			for _, op := range batch {
				if op.reservation != nil {
					w.pool.Cancel(op.reservation)
				}
			}
			w.completeOpLogEntries(batch, ErrAppendAborted)
			continue
		}

		done := time.Now()
		for _, op := range batch {
			op.bufPersistCompTime = done
		}

		w.mu.Lock()
		w.opsToAppend = append(w.opsToAppend, batch...)
		w.mu.Unlock()
		w.appendFin.queue(w.appendScheduledOps)
	}
}

// appendScheduledOps drains the descriptor append queue in batches of at
// most MaxAllocPerTransaction. For each batch the descriptors are copied
// into their ring slots and flushed (split at the ring wrap), then one
// transaction advances the durable head and publishes the payload
// reservations. No partial batch is ever observable: on abort the head
// stays put, the slots are rolled back, and every op in the batch fails
// with ErrAppendAborted. Runs on the append finisher.
func (w *WriteLog) appendScheduledOps() {
	for {
		w.appendMu.Lock()

		w.mu.Lock()
		n := len(w.opsToAppend)
		if n == 0 {
			w.mu.Unlock()
			w.appendMu.Unlock()
			return
		}
		if n > MaxAllocPerTransaction {
			n = MaxAllocPerTransaction
		}
		batch := w.opsToAppend[:n:n]
		w.opsToAppend = w.opsToAppend[n:]

		indices := w.ring.assign(uint32(n))
		newHead := w.ring.firstFree
		w.mu.Unlock()

		appendTime := time.Now()
		for i, op := range batch {
			op.entry.index = indices[i]
			op.entry.ram.Flags |= flagValid
			op.logAppendTime = appendTime
			encodeEntry(w.pool.EntrySlot(indices[i]), &op.entry.ram)
		}

		err := w.flushEntrySlots(indices)
		if err == nil {
			err = w.pool.Tx(func(tx *pmem.Tx) error {
				tx.SetFirstFree(newHead)
				for _, op := range batch {
					if op.reservation != nil {
						tx.Publish(op.reservation)
					}
				}
				return nil
			})
		}

		if err != nil {
			// Roll back: clear the slots, return the indices, release
			// the payload reservations. The durable head never moved.
			for _, op := range batch {
				op.entry.ram.Flags &^= flagValid
				encodeEntry(w.pool.EntrySlot(op.entry.index), &pmemEntry{})
				if op.reservation != nil {
					w.pool.Cancel(op.reservation)
				}
			}
			w.mu.Lock()
			w.ring.unassign(uint32(n))
			w.mu.Unlock()
			w.appendMu.Unlock()

			logger.Error("Descriptor append aborted", logger.KeyError, err, "ops", n)
			w.completeOpLogEntries(batch, ErrAppendAborted)
			continue
		}

		w.appendMu.Unlock()
		w.completeOpLogEntries(batch, nil)
	}
}

// flushEntrySlots flushes the descriptor slots for a batch of indices,
// splitting at the ring wrap so each flush covers a contiguous range.
func (w *WriteLog) flushEntrySlots(indices []uint32) error {
	for _, run := range contiguousRuns(indices, w.ring.total) {
		if err := w.pool.FlushEntries(run[0], run[1]); err != nil {
			return err
		}
	}
	return w.pool.Drain()
}

// completeOpLogEntries settles a persisted (or failed) batch: successful
// entries become dirty and eligible for writeback; failed entries are
// unmapped and dropped. Each op's persistence subs fire on the
// completion finisher.
func (w *WriteLog) completeOpLogEntries(batch []*writeOp, err error) {
	w.mu.Lock()
	for _, op := range batch {
		if err != nil {
			if !op.entry.isSyncPoint() {
				w.bmap.removeLogEntry(op.entry)
			}
			continue
		}
		// Batch order is ring order, so the log list stays aligned with
		// the ring for retirement.
		op.entry.completed = true
		w.entries = append(w.entries, op.entry)
		if op.entry.isSyncPoint() {
			// Nothing to write back for a sync point marker.
			op.entry.flushed = true
		} else {
			w.dirty = append(w.dirty, op.entry)
		}
	}
	w.unpersistedOps -= w.countWriteOps(batch)
	waiters := w.takePersistWaitersLocked()
	w.cond.Broadcast()
	w.mu.Unlock()

	for _, op := range batch {
		op := op
		w.completeFin.queue(func() {
			op.persist(err)
			if w.metrics != nil && !op.entry.isSyncPoint() {
				w.metrics.ObserveLogOp(int64(op.entry.ram.WriteBytes),
					op.bufPersistTime.Sub(op.dispatchTime),
					op.bufPersistCompTime.Sub(op.bufPersistTime),
					op.logAppendTime.Sub(op.bufPersistCompTime),
					time.Since(op.logAppendTime))
			}
		})
	}
	for _, waiter := range waiters {
		waiter := waiter
		w.completeFin.queue(func() { waiter(err) })
	}

	w.wakeUp()
}

// countWriteOps counts the data-bearing ops in a batch (sync point
// markers do not hold lanes or contribute to the unpersisted count).
func (w *WriteLog) countWriteOps(batch []*writeOp) int {
	n := 0
	for _, op := range batch {
		if !op.entry.isSyncPoint() {
			n++
		}
	}
	return n
}

// takePersistWaitersLocked returns the persist-on-write flush waiters if
// every dispatched op has persisted. Caller holds w.mu.
func (w *WriteLog) takePersistWaitersLocked() []Completion {
	if w.unpersistedOps > 0 || len(w.persistWaiters) == 0 {
		return nil
	}
	waiters := w.persistWaiters
	w.persistWaiters = nil
	return waiters
}

