package writelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/pkg/image"
	"github.com/marmos91/pwlog/pkg/pmem"
)

// Config holds write log configuration.
type Config struct {
	// PoolDir is the directory holding the pool file.
	PoolDir string

	// PoolName is the pool file base name. Both <name>.poolset and
	// <name>.pool are recognized, in that order; new pools are created
	// with the simple form.
	PoolName string

	// PoolSize is the pool file size in bytes; floors at MinPoolSize.
	PoolSize uint64

	// BlockSize is the unit of allocation and lookup. Every IO offset
	// and length must be a multiple of it. Minimum MinWriteAllocSize.
	BlockSize uint32

	// LogEntries overrides the descriptor ring length. Zero derives it
	// from the pool size.
	LogEntries uint32

	// PersistOnFlush selects the mode where user completions precede
	// persistence, which the next sync point promises.
	PersistOnFlush bool

	// PersistOnWriteUntilFlush starts in persist-on-write mode and flips
	// to persist-on-flush at the first AioFlush.
	PersistOnWriteUntilFlush bool

	// MaxConcurrentWrites is the lane count.
	MaxConcurrentWrites uint32

	// FlushBatchSize caps the ops drained per payload-flush pass.
	FlushBatchSize int

	// RetireBatchSize caps the entries retired per pool transaction;
	// clamped to MaxAllocPerTransaction.
	RetireBatchSize int

	// ReadOnly rejects writes with ErrReadOnly (snapshot view).
	ReadOnly bool
}

func (c Config) withDefaults() Config {
	if c.PoolName == "" {
		c.PoolName = DefaultPoolName
	}
	if c.PoolSize < MinPoolSize {
		c.PoolSize = MinPoolSize
	}
	if c.BlockSize < MinWriteAllocSize {
		c.BlockSize = MinWriteAllocSize
	}
	if c.MaxConcurrentWrites == 0 {
		c.MaxConcurrentWrites = DefaultMaxConcurrentWrites
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 32
	}
	if c.RetireBatchSize <= 0 || c.RetireBatchSize > MaxAllocPerTransaction {
		c.RetireBatchSize = MaxAllocPerTransaction
	}
	return c
}

// deriveLogEntries sizes the ring so that descriptors plus minimum-sized
// payloads fit in the usable fraction of the pool.
func (c Config) deriveLogEntries() uint32 {
	if c.LogEntries != 0 {
		return c.LogEntries
	}
	effective := uint64(float64(c.PoolSize) * UsableSizeFraction)
	smallWrite := uint64(c.BlockSize) + BlockAllocOverheadBytes + pmem.EntrySize
	return uint32(effective / smallWrite)
}

// WriteLog is a persistent-memory-backed write-back write log fronting a
// block image.
//
// Lock ordering, outermost first: entry-reader > deferred-dispatch >
// append > main > guard. Nothing outside the finishers holds a lock
// across a pool flush.
type WriteLog struct {
	cfg     Config
	pool    *pmem.Pool
	lower   image.Image
	metrics Metrics

	blockSize uint64

	// entryReaderMu is held shared while creating payload borrows and
	// exclusively by retirement, so a borrow can never race a retire.
	entryReaderMu sync.RWMutex

	// dispatchMu serializes resource allocation attempts so deferred
	// requests keep FIFO order with new arrivals.
	dispatchMu sync.Mutex

	// appendMu serializes descriptor append batches.
	appendMu sync.Mutex

	// mu is the main lock: ring pointers, entry and dirty lists, sync
	// point chain, lanes, deferral and scheduling queues.
	mu   sync.Mutex
	cond *sync.Cond

	guard *blockGuard
	bmap  *blockMap

	ring logRing

	// entries holds live log entries, oldest first. dirty holds
	// completed entries not yet written back, oldest first.
	entries []*logEntry
	dirty   []*logEntry

	currentSyncGen   uint64
	currentSyncPoint *syncPoint
	lastOpSeq        uint64

	persistOnFlush bool
	flushSeen      bool

	freeLanes uint32
	deferred  []*writeRequest

	opsToFlush  []*writeOp
	opsToAppend []*writeOp

	// pendingSyncPoints are ready to append but waiting for a ring slot.
	pendingSyncPoints []*syncPoint

	// unpersistedOps and persistWaiters implement persist-on-write
	// AioFlush: waiters fire when the dispatched-but-unpersisted count
	// returns to zero.
	unpersistedOps int
	persistWaiters []Completion

	flushOpsInFlight   int
	flushBytesInFlight int

	persistFin  *finisher
	appendFin   *finisher
	completeFin *finisher

	workCh   chan struct{}
	workStop chan struct{}
	workWg   sync.WaitGroup

	// asyncOps tracks in-flight user operations across shutdown.
	asyncOps sync.WaitGroup

	initialized   bool
	wakeUpEnabled bool
	closed        bool
}

// New creates a write log over the lower image. Call Init before use.
// metrics may be nil.
func New(cfg Config, lower image.Image, metrics Metrics) *WriteLog {
	cfg = cfg.withDefaults()
	w := &WriteLog{
		cfg:            cfg,
		lower:          lower,
		metrics:        metrics,
		blockSize:      uint64(cfg.BlockSize),
		guard:          newBlockGuard(),
		bmap:           newBlockMap(),
		persistOnFlush: cfg.PersistOnFlush,
		freeLanes:      cfg.MaxConcurrentWrites,
		persistFin:     newFinisher(1024),
		appendFin:      newFinisher(1024),
		completeFin:    newFinisher(4096),
		workCh:         make(chan struct{}, 1),
		workStop:       make(chan struct{}),
	}
	if cfg.PersistOnWriteUntilFlush {
		w.persistOnFlush = false
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Init opens or creates the pool, recovers existing log state, starts
// the finishers, and initializes the lower image.
func (w *WriteLog) Init(ctx context.Context) error {
	w.mu.Lock()
	if w.initialized || w.closed {
		w.mu.Unlock()
		return ErrShuttingDown
	}
	w.mu.Unlock()

	if err := w.lower.Init(ctx); err != nil {
		return fmt.Errorf("init lower image: %w", err)
	}

	path, exists := pmem.FindPoolFile(w.cfg.PoolDir, w.cfg.PoolName)

	var err error
	if exists {
		w.pool, err = pmem.Open(path, w.cfg.BlockSize)
	} else {
		entries := w.cfg.deriveLogEntries()
		if entries < 2 {
			return ErrPoolTooSmall
		}
		w.pool, err = pmem.Create(path, pmem.Options{
			PoolSize:   w.cfg.PoolSize,
			BlockSize:  w.cfg.BlockSize,
			NumEntries: entries,
		})
	}
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}

	w.mu.Lock()
	w.ring = newLogRing(w.pool.NumEntries(), w.pool.FirstFree(), w.pool.FirstValid())
	w.mu.Unlock()

	if exists {
		if err := w.recover(); err != nil {
			_ = w.pool.Close()
			return fmt.Errorf("recover pool: %w", err)
		}
	}

	w.persistFin.start()
	w.appendFin.start()
	w.completeFin.start()
	w.workWg.Add(1)
	go w.processWork()

	w.mu.Lock()
	w.newSyncPointLocked()
	w.initialized = true
	w.wakeUpEnabled = true
	w.mu.Unlock()

	logger.Info("Write log initialized",
		logger.KeyPool, path,
		"entries", w.pool.NumEntries(),
		"block_size", w.cfg.BlockSize,
		"persist_on_flush", w.persistOnFlush)

	return nil
}

// ShutDown stops admission, drains in-flight operations, writes every
// dirty entry back to the image, retires clean entries, and closes the
// pool. Writes admitted before shutdown complete normally.
func (w *WriteLog) ShutDown(ctx context.Context) error {
	w.mu.Lock()
	if !w.initialized || w.closed {
		w.mu.Unlock()
		return nil
	}
	w.wakeUpEnabled = false
	w.mu.Unlock()

	// Drain operations already admitted.
	w.asyncOps.Wait()

	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("flush on shutdown: %w", err)
	}

	// Retire everything clean so the ring is compact on next open.
	for w.retireEntries(MaxAllocPerTransaction) {
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	close(w.workStop)
	w.workWg.Wait()
	w.persistFin.stop()
	w.appendFin.stop()
	w.completeFin.stop()

	if err := w.pool.Close(); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	if err := w.lower.ShutDown(ctx); err != nil {
		return fmt.Errorf("shut down lower image: %w", err)
	}

	logger.Info("Write log shut down")
	return nil
}

// Flush writes every dirty entry down to the image and returns once the
// log is clean. It does not flush the lower image itself.
func (w *WriteLog) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	for !w.cleanLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.wakeUpLocked()
		w.cond.Wait()
	}
	return nil
}

// cleanLocked reports whether nothing is pending persistence or
// writeback.
func (w *WriteLog) cleanLocked() bool {
	return len(w.dirty) == 0 &&
		w.flushOpsInFlight == 0 &&
		len(w.opsToFlush) == 0 &&
		len(w.opsToAppend) == 0 &&
		w.unpersistedOps == 0
}

// Invalidate drops the cache: dirty entries are flushed to the image
// first, then every map entry is removed and every entry retired.
func (w *WriteLog) Invalidate(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}

	w.bmap.clear()
	for w.retireEntries(MaxAllocPerTransaction) {
	}

	if err := w.lower.Invalidate(ctx); err != nil {
		return err
	}

	logger.Info("Write log invalidated")
	return nil
}

// Stats is a point-in-time snapshot of log state for observability.
type Stats struct {
	TotalEntries   uint32 `json:"total_entries"`
	FreeEntries    uint32 `json:"free_entries"`
	FirstFree      uint32 `json:"first_free"`
	FirstValid     uint32 `json:"first_valid"`
	DirtyEntries   int    `json:"dirty_entries"`
	LiveEntries    int    `json:"live_entries"`
	MapEntries     int    `json:"map_entries"`
	FreeLanes      uint32 `json:"free_lanes"`
	DeferredOps    int    `json:"deferred_ops"`
	SyncGen        uint64 `json:"sync_gen"`
	PersistOnFlush bool   `json:"persist_on_flush"`
	PayloadFree    uint64 `json:"payload_free_bytes"`
}

// Stats returns a snapshot of the log's state.
func (w *WriteLog) Stats() Stats {
	w.mu.Lock()
	s := Stats{
		TotalEntries:   w.ring.total,
		FreeEntries:    w.ring.free,
		FirstFree:      w.ring.firstFree,
		FirstValid:     w.ring.firstValid,
		DirtyEntries:   len(w.dirty),
		LiveEntries:    len(w.entries),
		FreeLanes:      w.freeLanes,
		DeferredOps:    len(w.deferred),
		SyncGen:        w.currentSyncGen,
		PersistOnFlush: w.persistOnFlush,
	}
	w.mu.Unlock()

	s.MapEntries = w.bmap.len()
	if w.pool != nil {
		s.PayloadFree = w.pool.FreeBytes()
	}
	return s
}

// newSyncPointLocked seals the current sync point and installs its
// successor. It returns the sealed predecessor, whose prior-persist
// gather the caller must activate after releasing the main lock (the
// gather can fire synchronously). Caller holds w.mu.
func (w *WriteLog) newSyncPointLocked() *syncPoint {
	prev := w.currentSyncPoint

	w.currentSyncGen++
	sp := &syncPoint{gen: w.currentSyncGen, earlier: prev}
	sp.priorPersisted = newGather(func(err error) { w.syncPointReady(sp, err) })

	// One extra sub: the predecessor must be durable before this sync
	// point can be.
	sub := sp.priorPersisted.newSub()
	if prev == nil {
		sub(nil)
	} else {
		prev.finalOpSeq = w.lastOpSeq
		if prev.persisted {
			sub(prev.persistErr)
		} else {
			prev.onPersisted = append(prev.onPersisted, sub)
		}
	}

	w.currentSyncPoint = sp
	w.lastOpSeq = 0
	return prev
}

// syncPointReady runs when every write of the sync point's generation and
// the previous sync point are durable. The sync point descriptor is then
// appended; on a prior failure the error is delivered instead.
func (w *WriteLog) syncPointReady(sp *syncPoint, priorErr error) {
	if priorErr != nil {
		w.finishSyncPoint(sp, priorErr)
		return
	}

	w.mu.Lock()
	w.pendingSyncPoints = append(w.pendingSyncPoints, sp)
	w.mu.Unlock()
	w.wakeUp()
}

// finishSyncPoint marks the sync point persisted (or failed) and fires
// its callbacks on the completion finisher.
func (w *WriteLog) finishSyncPoint(sp *syncPoint, err error) {
	w.mu.Lock()
	sp.persisted = true
	sp.persistErr = err
	callbacks := sp.onPersisted
	sp.onPersisted = nil
	sp.earlier = nil // release the chain behind us
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		w.completeFin.queue(func() { cb(err) })
	}

	logger.Debug("Sync point persisted", logger.KeyGen, sp.gen, logger.KeyError, err)
}

// appendPendingSyncPointsLocked moves ready sync points into the append
// queue when ring slots are available. Caller holds w.mu; returns true
// if anything was scheduled.
func (w *WriteLog) appendPendingSyncPointsLocked() bool {
	scheduled := false
	for len(w.pendingSyncPoints) > 0 {
		if !w.ring.reserve(1) {
			break
		}
		sp := w.pendingSyncPoints[0]
		w.pendingSyncPoints = w.pendingSyncPoints[1:]

		entry := newLogEntry(0, 0)
		entry.ram.SyncGen = sp.gen
		entry.ram.Seq = sp.finalOpSeq
		entry.ram.Flags = flagSyncPoint | flagSequenced

		op := &writeOp{entry: entry, dispatchTime: time.Now()}
		op.persistSubs = append(op.persistSubs, func(err error) {
			w.finishSyncPoint(sp, err)
		})

		w.opsToAppend = append(w.opsToAppend, op)
		scheduled = true
	}
	return scheduled
}

// wakeUp nudges the background work loop.
func (w *WriteLog) wakeUp() {
	select {
	case w.workCh <- struct{}{}:
	default:
	}
}

func (w *WriteLog) wakeUpLocked() {
	w.wakeUp()
}

// processWork is the general work loop: writeback, retirement, pending
// sync point appends, and deferred dispatch all progress here.
func (w *WriteLog) processWork() {
	defer w.workWg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.workStop:
			return
		case <-w.workCh:
		case <-ticker.C:
		}

		w.mu.Lock()
		scheduledSync := w.appendPendingSyncPointsLocked()
		w.mu.Unlock()
		if scheduledSync {
			w.appendFin.queue(w.appendScheduledOps)
		}

		w.writebackDirtyEntries()
		w.retireEntries(w.cfg.RetireBatchSize)
		w.dispatchDeferredWrites()
		w.publishRingState()

		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *WriteLog) publishRingState() {
	if w.metrics == nil {
		return
	}
	w.mu.Lock()
	free, total, dirty := w.ring.free, w.ring.total, len(w.dirty)
	w.mu.Unlock()
	w.metrics.SetRingState(free, total, dirty)
}
