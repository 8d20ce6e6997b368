package writelog

import (
	"context"
	"time"

	"github.com/marmos91/pwlog/pkg/bufpool"
)

// readBorrow is a zero-copy view of a log entry's payload. Holding a
// borrow pins the entry against retirement; Release returns it.
type readBorrow struct {
	entry *logEntry
	data  []byte
}

func (b *readBorrow) release() {
	b.entry.removeReader()
}

// readSegment is one piece of the stitched read result: either a log hit
// carrying a borrow or a miss to fill from the lower image.
type readSegment struct {
	dstOff uint64
	length uint64

	// hit
	borrow *readBorrow

	// miss
	imageOff uint64
}

// AioRead serves a user read. Hits come from the log's payload buffers;
// gaps are fetched from the lower image and stitched in order. onDone
// receives the assembled buffer, whose length is the sum of the extents.
func (w *WriteLog) AioRead(ctx context.Context, extents []Extent, onDone func([]byte, error)) {
	start := time.Now()

	for _, e := range extents {
		if !validExtent(e, w.blockSize) {
			w.completeFin.queue(func() { onDone(nil, ErrInvalidExtent) })
			return
		}
	}

	w.mu.Lock()
	if !w.wakeUpEnabled {
		w.mu.Unlock()
		w.completeFin.queue(func() { onDone(nil, ErrShuttingDown) })
		return
	}
	w.asyncOps.Add(1)
	w.mu.Unlock()

	segments, total := w.planRead(extents)

	buf := make([]byte, total)
	var hitBytes, missBytes int64

	// Copy hits immediately: payloads are immutable while borrowed, and
	// newer overlapping writes create new entries rather than mutating
	// these.
	var misses []readSegment
	for _, seg := range segments {
		if seg.borrow != nil {
			copy(buf[seg.dstOff:seg.dstOff+seg.length], seg.borrow.data)
			seg.borrow.release()
			hitBytes += int64(seg.length)
		} else {
			misses = append(misses, seg)
			missBytes += int64(seg.length)
		}
	}

	finish := func(err error) {
		if w.metrics != nil {
			w.metrics.ObserveReadRequest(int64(total), time.Since(start), hitBytes, missBytes)
		}
		w.asyncOps.Done()
		if err != nil {
			w.completeFin.queue(func() { onDone(nil, err) })
			return
		}
		w.completeFin.queue(func() { onDone(buf, nil) })
	}

	if len(misses) == 0 {
		finish(nil)
		return
	}

	// Miss extents are fetched on their own goroutine so submission
	// never blocks on lower-image latency.
	go func() {
		for _, seg := range misses {
			tmp := bufpool.Get(int(seg.length))
			err := w.lower.Read(ctx, seg.imageOff, tmp[:seg.length])
			if err != nil {
				bufpool.Put(tmp)
				finish(err)
				return
			}
			copy(buf[seg.dstOff:seg.dstOff+seg.length], tmp[:seg.length])
			bufpool.Put(tmp)
		}
		finish(nil)
	}()
}

// planRead resolves the extents against the block map, carving each into
// hit segments (with payload borrows taken) and miss segments. The
// entry-reader lock is held shared while borrows are created so
// retirement cannot race them.
func (w *WriteLog) planRead(extents []Extent) ([]readSegment, uint64) {
	var segments []readSegment
	var dstOff uint64

	w.entryReaderMu.RLock()
	defer w.entryReaderMu.RUnlock()

	for _, ext := range extents {
		be := blockExtentFor(ext, w.blockSize)
		overlaps := w.bmap.findOverlapping(be)

		cursor := be.Start
		for _, me := range overlaps {
			hit := me.extent
			if hit.Start < cursor {
				hit.Start = cursor
			}
			if hit.End > be.End {
				hit.End = be.End
			}

			if hit.Start > cursor {
				miss := BlockExtent{cursor, hit.Start - 1}
				segments = append(segments, readSegment{
					dstOff:   dstOff + (miss.Start-be.Start)*w.blockSize,
					length:   miss.Blocks() * w.blockSize,
					imageOff: miss.Start * w.blockSize,
				})
			}

			entry := me.entry
			entry.addReader()
			// Offset of the hit within the entry's payload.
			payloadOff := hit.Start*w.blockSize - entry.ram.ImageOffset
			segments = append(segments, readSegment{
				dstOff: dstOff + (hit.Start-be.Start)*w.blockSize,
				length: hit.Blocks() * w.blockSize,
				borrow: &readBorrow{
					entry: entry,
					data:  entry.payload[payloadOff : payloadOff+hit.Blocks()*w.blockSize],
				},
			})

			cursor = hit.End + 1
		}

		if cursor <= be.End {
			miss := BlockExtent{cursor, be.End}
			segments = append(segments, readSegment{
				dstOff:   dstOff + (miss.Start-be.Start)*w.blockSize,
				length:   miss.Blocks() * w.blockSize,
				imageOff: miss.Start * w.blockSize,
			})
		}

		dstOff += ext.Length
	}

	return segments, dstOff
}
