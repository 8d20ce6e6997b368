// Package writelog implements a persistent-memory-backed write-back write
// log that fronts a block-device image.
//
// Writes are absorbed into a circular log of fixed-size descriptors plus
// payload buffers in a memory-mapped pool. Reads are served from the log
// when it holds the newest data for a block range and from the lower image
// otherwise. A background loop writes dirty log entries down to the image
// and retires clean ones, reclaiming ring and payload space.
//
// The log offers two durability modes:
//   - persist-on-write: a write's completion is delivered only after its
//     descriptor is durable in the pool.
//   - persist-on-flush: completions are delivered at dispatch; durability
//     is promised by the next sync point, which AioFlush forces.
package writelog

import (
	"errors"
	"fmt"
)

// Log geometry and pipeline limits.
const (
	// MinWriteAllocSize is the payload allocation granularity and the
	// minimum block size. Every image offset handled by the log is
	// aligned to the configured block size.
	MinWriteAllocSize = 512

	// MaxAllocPerTransaction caps descriptor appends and retirements per
	// pool transaction.
	MaxAllocPerTransaction = 8

	// DefaultMaxConcurrentWrites is the default lane count: the number of
	// write operations allowed to hold allocation concurrently.
	DefaultMaxConcurrentWrites = 256

	// InFlightFlushWriteLimit and InFlightFlushBytesLimit bound the
	// writeback operations outstanding against the lower image.
	InFlightFlushWriteLimit = 8
	InFlightFlushBytesLimit = 1 * 1024 * 1024

	// DefaultPoolSize and MinPoolSize bound the pool file size.
	DefaultPoolSize = uint64(1) << 30
	MinPoolSize     = DefaultPoolSize

	// UsableSizeFraction is the fraction of the pool usable for
	// descriptors and payload after allocator overhead.
	UsableSizeFraction = 7.0 / 10

	// BlockAllocOverheadBytes is the per-allocation overhead charged when
	// sizing payload reservations.
	BlockAllocOverheadBytes = 16

	// DefaultPoolName is the base name for pool files under the pool
	// directory.
	DefaultPoolName = "rwl"
)

// Errors surfaced to callers of the client API.
var (
	// ErrInvalidExtent is returned for extents that are not aligned to the
	// block size or have zero length.
	ErrInvalidExtent = errors.New("extent is not block aligned")

	// ErrReadOnly is returned for writes to a read-only log.
	ErrReadOnly = errors.New("write log is read-only")

	// ErrShuttingDown is returned for operations admitted after shutdown
	// began.
	ErrShuttingDown = errors.New("write log is shutting down")

	// ErrAppendAborted is the persistence error delivered to every write
	// in a descriptor batch whose transactional publish aborted.
	ErrAppendAborted = errors.New("log append transaction aborted")

	// ErrPoolTooSmall is returned at init when the pool cannot hold a
	// useful number of log entries.
	ErrPoolTooSmall = errors.New("pool too small for write log")
)

// Completion delivers the result of an asynchronous operation.
type Completion func(err error)

// Extent is a byte range on the image.
type Extent struct {
	Offset uint64
	Length uint64
}

// End returns the first byte past the extent.
func (e Extent) End() uint64 { return e.Offset + e.Length }

func (e Extent) String() string {
	return fmt.Sprintf("[%d,%d)", e.Offset, e.End())
}

// BlockExtent is an inclusive range of block numbers.
type BlockExtent struct {
	Start uint64
	End   uint64
}

// Overlaps reports whether the two extents share at least one block.
func (b BlockExtent) Overlaps(other BlockExtent) bool {
	return b.Start <= other.End && other.Start <= b.End
}

// Blocks returns the number of blocks covered.
func (b BlockExtent) Blocks() uint64 { return b.End - b.Start + 1 }

func (b BlockExtent) String() string {
	return fmt.Sprintf("[%d,%d]", b.Start, b.End)
}

// blockExtentFor converts a byte extent to the inclusive block extent it
// covers. The extent must already be validated as block aligned.
func blockExtentFor(e Extent, blockSize uint64) BlockExtent {
	return BlockExtent{
		Start: e.Offset / blockSize,
		End:   (e.Offset+e.Length)/blockSize - 1,
	}
}

// extentFor converts an inclusive block extent back to a byte extent.
func extentFor(b BlockExtent, blockSize uint64) Extent {
	return Extent{
		Offset: b.Start * blockSize,
		Length: b.Blocks() * blockSize,
	}
}

// boundingBlockExtent returns the smallest block extent covering every
// extent in the set.
func boundingBlockExtent(extents []Extent, blockSize uint64) BlockExtent {
	bounds := blockExtentFor(extents[0], blockSize)
	for _, e := range extents[1:] {
		be := blockExtentFor(e, blockSize)
		if be.Start < bounds.Start {
			bounds.Start = be.Start
		}
		if be.End > bounds.End {
			bounds.End = be.End
		}
	}
	return bounds
}

// validExtent reports whether e is non-empty and aligned to blockSize.
func validExtent(e Extent, blockSize uint64) bool {
	return e.Length > 0 && e.Offset%blockSize == 0 && e.Length%blockSize == 0
}
