package writelog

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/marmos91/pwlog/pkg/pmem"
)

// Descriptor flag bits. The bit layout is part of the on-pmem format and
// must be preserved across processes.
const (
	flagValid     = uint8(1) << 0 // slot holds a live entry
	flagSyncPoint = uint8(1) << 1 // sync point marker, no data
	flagSequenced = uint8(1) << 2 // write sequence number is meaningful
	flagHasData   = uint8(1) << 3 // payload handle is meaningful
	flagUnmap     = uint8(1) << 4 // discard marker, no data
)

// Descriptor field offsets within a 64-byte slot.
const (
	descOffsetSyncGen     = 0
	descOffsetSeq         = 8
	descOffsetImageOffset = 16
	descOffsetWriteBytes  = 24
	descOffsetPayload     = 32
	descOffsetFlags       = 40
	// Bytes 41..63 are padding to the fixed 64-byte descriptor size.
)

// pmemEntry is the in-memory image of one 64-byte pool descriptor.
type pmemEntry struct {
	SyncGen       uint64
	Seq           uint64
	ImageOffset   uint64
	WriteBytes    uint64
	PayloadHandle uint64
	Flags         uint8
}

func (e *pmemEntry) hasFlag(f uint8) bool { return e.Flags&f != 0 }

// encodeEntry stores the descriptor into a 64-byte pool slot.
func encodeEntry(slot []byte, e *pmemEntry) {
	binary.LittleEndian.PutUint64(slot[descOffsetSyncGen:], e.SyncGen)
	binary.LittleEndian.PutUint64(slot[descOffsetSeq:], e.Seq)
	binary.LittleEndian.PutUint64(slot[descOffsetImageOffset:], e.ImageOffset)
	binary.LittleEndian.PutUint64(slot[descOffsetWriteBytes:], e.WriteBytes)
	binary.LittleEndian.PutUint64(slot[descOffsetPayload:], e.PayloadHandle)
	slot[descOffsetFlags] = e.Flags
	for i := descOffsetFlags + 1; i < pmem.EntrySize; i++ {
		slot[i] = 0
	}
}

// decodeEntry loads a descriptor from a 64-byte pool slot.
func decodeEntry(slot []byte) pmemEntry {
	return pmemEntry{
		SyncGen:       binary.LittleEndian.Uint64(slot[descOffsetSyncGen:]),
		Seq:           binary.LittleEndian.Uint64(slot[descOffsetSeq:]),
		ImageOffset:   binary.LittleEndian.Uint64(slot[descOffsetImageOffset:]),
		WriteBytes:    binary.LittleEndian.Uint64(slot[descOffsetWriteBytes:]),
		PayloadHandle: binary.LittleEndian.Uint64(slot[descOffsetPayload:]),
		Flags:         slot[descOffsetFlags],
	}
}

// logEntry is the in-memory record for one log descriptor.
//
// Lifecycle: created at write dispatch with a reserved descriptor slot and
// payload region; the payload is copied and flushed; the descriptor is
// appended and published; completed is set and the entry enters the dirty
// list; writeback sends the payload to the image and sets flushed; once
// flushed with no reader borrows outstanding the entry is retired: its map
// entries are removed and its ring slot and payload space reclaimed.
type logEntry struct {
	ram   pmemEntry
	index uint32 // descriptor slot, assigned at append

	// payload aliases the reserved pool region; len equals WriteBytes.
	payload []byte

	// referringMapEntries counts interval-map entries pointing here.
	referringMapEntries atomic.Int32

	// readerCount counts outstanding zero-copy borrows.
	readerCount atomic.Int32

	completed bool // descriptor durable, entry is dirty
	flushing  bool // writeback to the image in flight
	flushed   bool // image holds the payload
}

func newLogEntry(imageOffset, writeBytes uint64) *logEntry {
	return &logEntry{
		ram: pmemEntry{
			ImageOffset: imageOffset,
			WriteBytes:  writeBytes,
		},
	}
}

// blockExtent returns the inclusive block extent the entry covers.
func (e *logEntry) blockExtent(blockSize uint64) BlockExtent {
	return blockExtentFor(Extent{Offset: e.ram.ImageOffset, Length: e.ram.WriteBytes}, blockSize)
}

func (e *logEntry) addReader()    { e.readerCount.Add(1) }
func (e *logEntry) removeReader() { e.readerCount.Add(-1) }

// retirable reports whether the entry may be retired. Map references are
// removed by retirement itself, so they do not gate the check; readers do.
func (e *logEntry) retirable() bool {
	return e.completed && e.flushed && !e.flushing && e.readerCount.Load() == 0
}

// isSyncPoint reports whether the entry marks a sync point.
func (e *logEntry) isSyncPoint() bool { return e.ram.hasFlag(flagSyncPoint) }
