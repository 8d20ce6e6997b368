// Package pmem manages a memory-mapped persistent pool file.
//
// The pool backs the write log's descriptor ring and payload buffers with
// byte-addressable persistent storage. It exposes the small set of
// primitives the log needs:
//
//   - Reserve/Cancel/Publish of payload buffers. A reservation consumes no
//     durable state; only a Publish inside a transaction makes the space
//     accounted for across restarts (durability is derived from the
//     descriptors that reference it).
//   - Flush/Drain for making a byte range durable.
//   - Tx, an all-or-nothing update of the pool root fields, implemented
//     with a redo journal: staged field patches are written to a journal
//     page and synced before being applied to the root, so a crash at any
//     point either replays the full transaction or none of it.
//
// File Format:
//
//	Header page (4KB):
//	  - Magic: "PWLG" (4 bytes)
//	  - Layout version: uint8 (1 byte) + 3 reserved
//	  - Block size: uint32
//	  - Log entry count: uint32
//	  - First free entry: uint32 (ring index)
//	  - First valid entry: uint32 (ring index)
//	  - Pool size: uint64
//	  - Arena offset: uint64
//	  - Arena length: uint64
//	Journal page (4KB): redo records for in-flight transactions
//	Descriptor array: entry count x 64 bytes
//	Payload arena: 512-byte granules to end of pool
package pmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Pool file constants.
const (
	poolMagic     = "PWLG"
	LayoutVersion = uint8(1)

	headerPageSize  = 4096
	journalPageSize = 4096
	descriptorsOff  = headerPageSize + journalPageSize

	// EntrySize is the size of one descriptor slot.
	EntrySize = 64

	// Granule is the payload allocation granularity.
	Granule = 512

	pageSize = 4096
)

// Header field offsets.
const (
	headerOffsetMagic      = 0
	headerOffsetVersion    = 4
	headerOffsetBlockSize  = 8
	headerOffsetNumEntries = 12
	headerOffsetFirstFree  = 16
	headerOffsetFirstValid = 20
	headerOffsetPoolSize   = 24
	headerOffsetArenaOff   = 32
	headerOffsetArenaLen   = 40
)

// Pool filename forms, checked in order by FindPoolFile.
const (
	PoolSetSuffix = ".poolset"
	PoolSuffix    = ".pool"
)

// Pool is a memory-mapped persistent pool file.
type Pool struct {
	mu   sync.Mutex
	path string
	file *os.File
	data []byte
	size uint64

	numEntries uint32
	blockSize  uint32
	arenaOff   uint64
	arenaLen   uint64

	alloc *arena

	// Range dirtied by Flush since the last Drain.
	dirtyLow  uint64
	dirtyHigh uint64
	dirty     bool

	closed bool
}

// Options configures pool creation.
type Options struct {
	// PoolSize is the total file size in bytes. Only used when creating.
	PoolSize uint64

	// BlockSize is the minimum write allocation size recorded in the root.
	BlockSize uint32

	// NumEntries is the descriptor ring length. Only used when creating.
	NumEntries uint32
}

// FindPoolFile returns the pool file path for a pool named name under dir.
// The poolset form is preferred when present, matching the two filename
// forms recognized for pre-provisioned pools.
func FindPoolFile(dir, name string) (string, bool) {
	set := filepath.Join(dir, name+PoolSetSuffix)
	if _, err := os.Stat(set); err == nil {
		return set, true
	}
	simple := filepath.Join(dir, name+PoolSuffix)
	if _, err := os.Stat(simple); err == nil {
		return simple, true
	}
	return simple, false
}

// Create creates a new pool file at path with the given geometry.
func Create(path string, opts Options) (*Pool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pool directory: %w", err)
	}

	minSize := alignUp(uint64(descriptorsOff)+uint64(opts.NumEntries)*EntrySize, pageSize) + Granule
	if opts.PoolSize < minSize {
		return nil, fmt.Errorf("pool size %d below minimum %d", opts.PoolSize, minSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create pool file: %w", err)
	}

	if err := f.Truncate(int64(opts.PoolSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pool file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(opts.PoolSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap pool: %w", err)
	}

	arenaOff := alignUp(uint64(descriptorsOff)+uint64(opts.NumEntries)*EntrySize, pageSize)
	arenaLen := (opts.PoolSize - arenaOff) / Granule * Granule

	p := &Pool{
		path:       path,
		file:       f,
		data:       data,
		size:       opts.PoolSize,
		numEntries: opts.NumEntries,
		blockSize:  opts.BlockSize,
		arenaOff:   arenaOff,
		arenaLen:   arenaLen,
		alloc:      newArena(arenaLen / Granule),
	}

	copy(data[headerOffsetMagic:], poolMagic)
	data[headerOffsetVersion] = LayoutVersion
	binary.LittleEndian.PutUint32(data[headerOffsetBlockSize:], opts.BlockSize)
	binary.LittleEndian.PutUint32(data[headerOffsetNumEntries:], opts.NumEntries)
	binary.LittleEndian.PutUint32(data[headerOffsetFirstFree:], 0)
	binary.LittleEndian.PutUint32(data[headerOffsetFirstValid:], 0)
	binary.LittleEndian.PutUint64(data[headerOffsetPoolSize:], opts.PoolSize)
	binary.LittleEndian.PutUint64(data[headerOffsetArenaOff:], arenaOff)
	binary.LittleEndian.PutUint64(data[headerOffsetArenaLen:], arenaLen)

	if err := p.syncRange(0, headerPageSize); err != nil {
		p.closeLocked()
		return nil, fmt.Errorf("sync pool header: %w", err)
	}

	return p, nil
}

// Open opens an existing pool file and validates its root.
// An interrupted transaction left in the journal page is replayed before
// the pool is handed to the caller.
func Open(path string, blockSize uint32) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pool file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat pool file: %w", err)
	}

	size := uint64(info.Size())
	if size < descriptorsOff {
		f.Close()
		return nil, ErrCorrupted
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap pool: %w", err)
	}

	p := &Pool{
		path: path,
		file: f,
		data: data,
		size: size,
	}

	if string(data[headerOffsetMagic:headerOffsetMagic+4]) != poolMagic {
		p.closeLocked()
		return nil, ErrCorrupted
	}
	if data[headerOffsetVersion] != LayoutVersion {
		p.closeLocked()
		return nil, ErrLayoutMismatch
	}
	if got := binary.LittleEndian.Uint32(data[headerOffsetBlockSize:]); got != blockSize {
		p.closeLocked()
		return nil, fmt.Errorf("%w: pool has %d, expected %d", ErrBlockSizeMismatch, got, blockSize)
	}
	if got := binary.LittleEndian.Uint64(data[headerOffsetPoolSize:]); got != size {
		p.closeLocked()
		return nil, ErrCorrupted
	}

	p.blockSize = blockSize
	p.numEntries = binary.LittleEndian.Uint32(data[headerOffsetNumEntries:])
	p.arenaOff = binary.LittleEndian.Uint64(data[headerOffsetArenaOff:])
	p.arenaLen = binary.LittleEndian.Uint64(data[headerOffsetArenaLen:])
	if p.arenaOff+p.arenaLen > size || p.numEntries == 0 {
		p.closeLocked()
		return nil, ErrCorrupted
	}
	p.alloc = newArena(p.arenaLen / Granule)

	if err := p.replayJournal(); err != nil {
		p.closeLocked()
		return nil, err
	}

	return p, nil
}

// NumEntries returns the descriptor ring length.
func (p *Pool) NumEntries() uint32 { return p.numEntries }

// BlockSize returns the block size recorded in the root.
func (p *Pool) BlockSize() uint32 { return p.blockSize }

// Size returns the total pool size in bytes.
func (p *Pool) Size() uint64 { return p.size }

// ArenaSize returns the payload arena capacity in bytes.
func (p *Pool) ArenaSize() uint64 { return p.arenaLen }

// FirstFree returns the durable first-free ring index.
func (p *Pool) FirstFree() uint32 {
	return binary.LittleEndian.Uint32(p.data[headerOffsetFirstFree:])
}

// FirstValid returns the durable first-valid ring index.
func (p *Pool) FirstValid() uint32 {
	return binary.LittleEndian.Uint32(p.data[headerOffsetFirstValid:])
}

// EntrySlot returns the 64-byte descriptor slot for ring index i.
// The slice aliases the mapped pool; stores to it are made durable with
// FlushEntries + Drain.
func (p *Pool) EntrySlot(i uint32) []byte {
	off := uint64(descriptorsOff) + uint64(i)*EntrySize
	return p.data[off : off+EntrySize : off+EntrySize]
}

// EntryOffset returns the pool offset of descriptor slot i.
func (p *Pool) EntryOffset(i uint32) uint64 {
	return uint64(descriptorsOff) + uint64(i)*EntrySize
}

// PayloadBytes returns n bytes of payload space at handle.
// The slice aliases the mapped pool.
func (p *Pool) PayloadBytes(handle uint64, n uint64) []byte {
	return p.data[handle : handle+n : handle+n]
}

// Reservation is payload space handed out by Reserve but not yet
// published. It holds no durable state.
type Reservation struct {
	handle   uint64
	granules uint64
	consumed bool
}

// Handle returns the pool offset of the reserved payload space.
func (r *Reservation) Handle() uint64 { return r.handle }

// Size returns the reserved size in bytes.
func (r *Reservation) Size() uint64 { return r.granules * Granule }

// Reserve allocates size bytes (rounded up to the granule) from the
// payload arena. The reservation is in-memory only; publish it inside a
// transaction or return it with Cancel.
func (p *Pool) Reserve(size uint64) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	granules := (size + Granule - 1) / Granule
	if granules == 0 {
		granules = 1
	}

	start, ok := p.alloc.reserve(granules)
	if !ok {
		return nil, ErrNoSpace
	}

	return &Reservation{
		handle:   p.arenaOff + start*Granule,
		granules: granules,
	}, nil
}

// Cancel returns an unpublished reservation to the arena.
func (p *Pool) Cancel(r *Reservation) {
	if r == nil || r.consumed {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r.consumed = true
	if p.closed {
		return
	}
	p.alloc.release((r.handle-p.arenaOff)/Granule, r.granules)
}

// MarkAllocated records payload space at handle as in use.
// Used during recovery to rebuild the arena from live descriptors.
func (p *Pool) MarkAllocated(handle uint64, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if handle < p.arenaOff || handle+size > p.arenaOff+p.arenaLen {
		return ErrCorrupted
	}
	granules := (size + Granule - 1) / Granule
	if granules == 0 {
		granules = 1
	}
	p.alloc.markAllocated((handle-p.arenaOff)/Granule, granules)
	return nil
}

// FreeBytes returns the unreserved payload arena space in bytes.
func (p *Pool) FreeBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.freeGranules() * Granule
}

// Flush schedules the byte range [off, off+length) for durability.
// Stores to the range made before Flush are durable once a following
// Drain returns.
func (p *Pool) Flush(off, length uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if off+length > p.size {
		return ErrCorrupted
	}

	if !p.dirty {
		p.dirtyLow, p.dirtyHigh = off, off+length
		p.dirty = true
	} else {
		p.dirtyLow = min(p.dirtyLow, off)
		p.dirtyHigh = max(p.dirtyHigh, off+length)
	}

	// Kick off asynchronous writeback; Drain does the synchronous msync.
	return p.msyncRange(off, length, unix.MS_ASYNC)
}

// FlushEntries schedules the descriptor slots [first, first+n) for
// durability. The caller is responsible for splitting batches that wrap
// the ring.
func (p *Pool) FlushEntries(first, n uint32) error {
	return p.Flush(p.EntryOffset(first), uint64(n)*EntrySize)
}

// Drain blocks until every range flushed since the previous Drain is
// durable.
func (p *Pool) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if !p.dirty {
		return nil
	}

	if err := p.msyncRange(p.dirtyLow, p.dirtyHigh-p.dirtyLow, unix.MS_SYNC); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// Close syncs and unmaps the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Pool) closeLocked() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.data != nil {
		_ = unix.Msync(p.data, unix.MS_SYNC)
		if err := unix.Munmap(p.data); err != nil {
			return fmt.Errorf("munmap pool: %w", err)
		}
		p.data = nil
	}

	if p.file != nil {
		if err := p.file.Close(); err != nil {
			return fmt.Errorf("close pool file: %w", err)
		}
		p.file = nil
	}

	return nil
}

// msyncRange msyncs a page-aligned superset of [off, off+length).
// Caller holds p.mu.
func (p *Pool) msyncRange(off, length uint64, flags int) error {
	start := off / pageSize * pageSize
	end := alignUp(off+length, pageSize)
	if end > p.size {
		end = p.size
	}
	if err := unix.Msync(p.data[start:end], flags); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

func (p *Pool) syncRange(off, length uint64) error {
	return p.msyncRange(off, length, unix.MS_SYNC)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
