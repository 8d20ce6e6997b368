package writelog

import (
	"context"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/pmem"
)

// writebackDirtyEntries starts writebacks for the oldest completed dirty
// entries while the in-flight limits allow. Each writeback borrows the
// entry's payload zero-copy and submits it to the lower image on its own
// goroutine; on failure the entry returns to the head of the dirty list
// for retry.
func (w *WriteLog) writebackDirtyEntries() {
	for {
		w.mu.Lock()
		if len(w.dirty) == 0 ||
			w.flushOpsInFlight >= InFlightFlushWriteLimit ||
			w.flushBytesInFlight >= InFlightFlushBytesLimit {
			w.mu.Unlock()
			return
		}

		entry := w.dirty[0]
		if !entry.completed || entry.flushing || entry.flushed {
			w.mu.Unlock()
			return
		}
		w.dirty = w.dirty[1:]
		entry.flushing = true
		w.flushOpsInFlight++
		w.flushBytesInFlight += int(entry.ram.WriteBytes)
		w.mu.Unlock()

		go w.flushEntry(entry)
	}
}

// flushEntry writes one entry's payload down to the image.
func (w *WriteLog) flushEntry(entry *logEntry) {
	w.entryReaderMu.RLock()
	entry.addReader()
	payload := entry.payload[:entry.ram.WriteBytes]
	w.entryReaderMu.RUnlock()

	err := w.lower.Write(context.Background(), entry.ram.ImageOffset, payload)

	entry.removeReader()

	w.mu.Lock()
	entry.flushing = false
	w.flushOpsInFlight--
	w.flushBytesInFlight -= int(entry.ram.WriteBytes)
	if err != nil {
		// Retry later from the head; the user write already completed,
		// so the failure stays internal.
		w.dirty = append([]*logEntry{entry}, w.dirty...)
	} else {
		entry.flushed = true
	}
	w.cond.Broadcast()
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.ObserveWriteback(int64(entry.ram.WriteBytes), err)
	}
	if err != nil {
		logger.Warn("Writeback failed, will retry",
			logger.KeyOffset, entry.ram.ImageOffset,
			logger.KeyError, err)
	}

	w.wakeUp()
}

// retireEntries retires up to max of the oldest log entries that are
// flushed and unreferenced: their map entries are removed, their payload
// freed and the valid pointer advanced in one pool transaction, and
// their ring slots reclaimed. Returns true if any entry was retired.
func (w *WriteLog) retireEntries(max int) bool {
	if max > MaxAllocPerTransaction {
		max = MaxAllocPerTransaction
	}

	// Exclusive entry-reader lock: no borrow can be created while
	// retirement decides and frees.
	w.entryReaderMu.Lock()
	defer w.entryReaderMu.Unlock()

	w.mu.Lock()
	var retiring []*logEntry
	for _, entry := range w.entries {
		if len(retiring) >= max {
			break
		}
		if !entry.retirable() {
			break
		}
		retiring = append(retiring, entry)
	}
	if len(retiring) == 0 {
		w.mu.Unlock()
		return false
	}

	// Drop the map references first so no new reader can find the
	// entries; with the entry-reader lock held no borrow exists either.
	for _, entry := range retiring {
		w.bmap.removeLogEntry(entry)
	}

	n := uint32(len(retiring))
	newFirstValid := (w.ring.firstValid + n) % w.ring.total
	w.mu.Unlock()

	err := w.pool.Tx(func(tx *pmem.Tx) error {
		tx.SetFirstValid(newFirstValid)
		for _, entry := range retiring {
			if entry.ram.hasFlag(flagHasData) {
				tx.Free(entry.ram.PayloadHandle, entry.ram.WriteBytes)
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("Retirement transaction failed", logger.KeyError, err)
		return false
	}

	w.mu.Lock()
	w.ring.retire(n)
	w.entries = w.entries[len(retiring):]
	w.cond.Broadcast()
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.ObserveRetired(len(retiring))
	}
	logger.Debug("Retired log entries", logger.KeyEntries, len(retiring))

	return true
}
