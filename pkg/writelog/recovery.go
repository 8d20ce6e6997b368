package writelog

import (
	"fmt"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/pmem"
)

// recover rebuilds in-memory state from an existing pool: the log entry
// list, the block map, the dirty list, the payload arena, and the sync
// generation and sequence high-water marks.
//
// The valid window [first_valid, first_free) is walked oldest to newest.
// Every data entry is conservatively treated as dirty — the log does not
// record writeback progress, so everything still in the ring is written
// down again (writeback is idempotent). Map insertion order makes newer
// entries displace older ones for overlapping blocks, matching the state
// at the time of the crash.
func (w *WriteLog) recover() error {
	w.mu.Lock()
	firstValid := w.ring.firstValid
	firstFree := w.ring.firstFree
	total := w.ring.total
	w.mu.Unlock()

	var recovered []*logEntry
	var maxGen, maxSeq uint64

	for i := firstValid; i != firstFree; i = (i + 1) % total {
		ram := decodeEntry(w.pool.EntrySlot(i))
		if !ram.hasFlag(flagValid) {
			return fmt.Errorf("%w: slot %d in valid window is not valid", pmem.ErrCorrupted, i)
		}

		entry := &logEntry{ram: ram, index: i}
		entry.completed = true

		if ram.SyncGen > maxGen {
			maxGen = ram.SyncGen
			maxSeq = 0
		}
		if ram.hasFlag(flagSequenced) && ram.SyncGen == maxGen && ram.Seq > maxSeq {
			maxSeq = ram.Seq
		}

		if ram.hasFlag(flagSyncPoint) {
			// Sync point markers carry no data; they retire as soon as
			// the entries before them do.
			entry.flushed = true
			recovered = append(recovered, entry)
			continue
		}
		if !ram.hasFlag(flagHasData) {
			entry.flushed = true
			recovered = append(recovered, entry)
			continue
		}

		if err := w.pool.MarkAllocated(ram.PayloadHandle, ram.WriteBytes); err != nil {
			return fmt.Errorf("payload handle of slot %d: %w", i, err)
		}
		entry.payload = w.pool.PayloadBytes(ram.PayloadHandle, ram.WriteBytes)
		recovered = append(recovered, entry)
	}

	w.mu.Lock()
	w.entries = recovered
	for _, e := range recovered {
		if !e.flushed {
			w.dirty = append(w.dirty, e)
		}
	}
	w.currentSyncGen = maxGen
	w.lastOpSeq = maxSeq
	w.mu.Unlock()

	for _, e := range recovered {
		if !e.flushed {
			w.bmap.add(e, w.blockSize)
		}
	}

	logger.Info("Recovered write log from pool",
		logger.KeyEntries, len(recovered),
		logger.KeyGen, maxGen)

	return nil
}
