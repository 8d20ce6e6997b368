package pmem

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Journal page codec. A transaction stages root-field patches, writes
// them to the journal page, syncs, applies them to the header, syncs
// again, and clears the journal. A crash between the two syncs is
// recovered by replaying the journal on open.
const (
	journalOff         = headerPageSize
	journalMagic       = uint32(0x4C4E524A) // "JRNL"
	journalOffsetMagic = 0
	journalOffsetCount = 4
	journalRecordsOff  = 8
	journalRecordSize  = 8 // field offset uint32 + value uint32
	maxJournalRecords  = (journalPageSize - journalRecordsOff) / journalRecordSize
)

type rootPatch struct {
	fieldOff uint32
	value    uint32
}

// Tx stages durable root updates plus payload publishes and frees.
// All staged work applies at commit or not at all.
type Tx struct {
	pool    *Pool
	patches []rootPatch
	publish []*Reservation
	frees   []struct{ handle, size uint64 }
}

// SetFirstFree stages a durable advance of the first-free ring index.
func (tx *Tx) SetFirstFree(v uint32) {
	tx.patches = append(tx.patches, rootPatch{headerOffsetFirstFree, v})
}

// SetFirstValid stages a durable advance of the first-valid ring index.
func (tx *Tx) SetFirstValid(v uint32) {
	tx.patches = append(tx.patches, rootPatch{headerOffsetFirstValid, v})
}

// Publish consumes a reservation. After commit the space stays allocated;
// on abort the reservation remains the caller's to cancel.
func (tx *Tx) Publish(r *Reservation) {
	tx.publish = append(tx.publish, r)
}

// Free stages the release of published payload space at handle.
func (tx *Tx) Free(handle, size uint64) {
	tx.frees = append(tx.frees, struct{ handle, size uint64 }{handle, size})
}

// Tx runs fn with a transaction. If fn returns nil the staged updates are
// committed atomically with respect to crashes; if fn returns an error
// nothing is applied and the error is returned wrapped in ErrTxAborted.
func (p *Pool) Tx(fn func(tx *Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	tx := &Tx{pool: p}
	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	}

	if len(tx.patches) > maxJournalRecords {
		return fmt.Errorf("%w: %d root patches exceed journal capacity", ErrTxAborted, len(tx.patches))
	}

	if len(tx.patches) > 0 {
		if err := p.commitPatches(tx.patches); err != nil {
			return fmt.Errorf("%w: %w", ErrTxAborted, err)
		}
	}

	// Root is durable; settle the in-memory arena.
	for _, r := range tx.publish {
		r.consumed = true
	}
	for _, f := range tx.frees {
		p.alloc.release((f.handle-p.arenaOff)/Granule, (f.size+Granule-1)/Granule)
	}

	return nil
}

// commitPatches writes the redo journal, syncs it, applies the patches to
// the header, syncs the header, and clears the journal. Caller holds p.mu.
func (p *Pool) commitPatches(patches []rootPatch) error {
	j := p.data[journalOff : journalOff+journalPageSize]

	binary.LittleEndian.PutUint32(j[journalOffsetCount:], uint32(len(patches)))
	off := journalRecordsOff
	for _, patch := range patches {
		binary.LittleEndian.PutUint32(j[off:], patch.fieldOff)
		binary.LittleEndian.PutUint32(j[off+4:], patch.value)
		off += journalRecordSize
	}
	// The magic goes in last so a torn journal write is never replayed.
	binary.LittleEndian.PutUint32(j[journalOffsetMagic:], journalMagic)
	if err := p.msyncRange(journalOff, journalPageSize, unix.MS_SYNC); err != nil {
		return err
	}

	for _, patch := range patches {
		binary.LittleEndian.PutUint32(p.data[patch.fieldOff:], patch.value)
	}
	if err := p.msyncRange(0, headerPageSize, unix.MS_SYNC); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(j[journalOffsetMagic:], 0)
	return p.msyncRange(journalOff, journalPageSize, unix.MS_SYNC)
}

// replayJournal applies a committed-but-unapplied transaction left behind
// by a crash. Called during Open before the pool is handed out.
func (p *Pool) replayJournal() error {
	j := p.data[journalOff : journalOff+journalPageSize]

	if binary.LittleEndian.Uint32(j[journalOffsetMagic:]) != journalMagic {
		return nil
	}

	count := binary.LittleEndian.Uint32(j[journalOffsetCount:])
	if count > maxJournalRecords {
		return ErrCorrupted
	}

	off := journalRecordsOff
	for i := uint32(0); i < count; i++ {
		fieldOff := binary.LittleEndian.Uint32(j[off:])
		value := binary.LittleEndian.Uint32(j[off+4:])
		if fieldOff+4 > headerPageSize {
			return ErrCorrupted
		}
		binary.LittleEndian.PutUint32(p.data[fieldOff:], value)
		off += journalRecordSize
	}
	if err := p.msyncRange(0, headerPageSize, unix.MS_SYNC); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(j[journalOffsetMagic:], 0)
	return p.msyncRange(journalOff, journalPageSize, unix.MS_SYNC)
}
