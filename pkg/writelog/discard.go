package writelog

import (
	"context"
)

// AioDiscard invalidates the discarded range in the log and passes the
// discard through to the lower image. The log is flushed first so the
// image holds every write that preceded the discard.
func (w *WriteLog) AioDiscard(ctx context.Context, off, length uint64, skipPartial bool, onDone Completion) {
	w.mu.Lock()
	if !w.wakeUpEnabled {
		w.mu.Unlock()
		w.completeFin.queue(func() { onDone(ErrShuttingDown) })
		return
	}
	w.asyncOps.Add(1)
	w.mu.Unlock()

	go func() {
		err := w.Flush(ctx)
		if err == nil {
			if length > 0 {
				w.bmap.invalidateRange(blockExtentFor(Extent{
					Offset: off / w.blockSize * w.blockSize,
					Length: alignLength(off, length, w.blockSize),
				}, w.blockSize))
			}
			err = w.lower.Discard(ctx, off, length, skipPartial)
		}
		if w.metrics != nil {
			w.metrics.ObserveDiscard(int64(length))
		}
		w.asyncOps.Done()
		w.completeFin.queue(func() { onDone(err) })
	}()
}

// AioWritesame passes a writesame through to the lower image unchanged.
// The affected range is flushed and invalidated first so the log never
// holds stale data over it.
func (w *WriteLog) AioWritesame(ctx context.Context, off, length uint64, pattern []byte, onDone Completion) {
	w.mu.Lock()
	if !w.wakeUpEnabled {
		w.mu.Unlock()
		w.completeFin.queue(func() { onDone(ErrShuttingDown) })
		return
	}
	w.asyncOps.Add(1)
	w.mu.Unlock()

	go func() {
		err := w.Flush(ctx)
		if err == nil {
			w.bmap.invalidateRange(blockExtentFor(Extent{
				Offset: off / w.blockSize * w.blockSize,
				Length: alignLength(off, length, w.blockSize),
			}, w.blockSize))
			err = w.lower.Writesame(ctx, off, length, pattern)
		}
		w.asyncOps.Done()
		w.completeFin.queue(func() { onDone(err) })
	}()
}

// AioCompareAndWrite passes a compare-and-write through to the lower
// image unchanged, after flushing and invalidating the affected range.
// onDone receives the first mismatch offset when the compare fails.
func (w *WriteLog) AioCompareAndWrite(ctx context.Context, off uint64, cmp, buf []byte, onDone func(mismatchOff uint64, err error)) {
	w.mu.Lock()
	if !w.wakeUpEnabled {
		w.mu.Unlock()
		w.completeFin.queue(func() { onDone(0, ErrShuttingDown) })
		return
	}
	w.asyncOps.Add(1)
	w.mu.Unlock()

	go func() {
		var mismatch uint64
		err := w.Flush(ctx)
		if err == nil {
			w.bmap.invalidateRange(blockExtentFor(Extent{
				Offset: off / w.blockSize * w.blockSize,
				Length: alignLength(off, uint64(len(buf)), w.blockSize),
			}, w.blockSize))
			mismatch, err = w.lower.CompareAndWrite(ctx, off, cmp, buf)
		}
		w.asyncOps.Done()
		w.completeFin.queue(func() { onDone(mismatch, err) })
	}()
}

// alignLength widens [off, off+length) to cover whole blocks and returns
// the widened length.
func alignLength(off, length, blockSize uint64) uint64 {
	if length == 0 {
		return blockSize
	}
	start := off / blockSize * blockSize
	end := (off + length + blockSize - 1) / blockSize * blockSize
	return end - start
}
