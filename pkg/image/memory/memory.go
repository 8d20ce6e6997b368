// Package memory implements an in-memory block image for tests and
// benchmarks.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/pwlog/pkg/image"
)

// Image is an in-memory image. Safe for concurrent use.
type Image struct {
	mu     sync.RWMutex
	data   []byte
	closed bool

	// Fault hooks for tests: while set, every matching operation
	// returns the injected error.
	failWrites error
	failReads  error
}

// New creates an in-memory image of size bytes.
func New(size uint64) *Image {
	return &Image{data: make([]byte, size)}
}

var _ image.Image = (*Image)(nil)

// Init implements image.Image.
func (im *Image) Init(ctx context.Context) error { return nil }

// ShutDown implements image.Image.
func (im *Image) ShutDown(ctx context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.closed = true
	return nil
}

// Size implements image.Image.
func (im *Image) Size() uint64 {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return uint64(len(im.data))
}

// Read implements image.Image.
func (im *Image) Read(ctx context.Context, off uint64, buf []byte) error {
	im.mu.RLock()
	defer im.mu.RUnlock()

	if im.closed {
		return image.ErrClosed
	}
	if im.failReads != nil {
		return im.failReads
	}
	if off+uint64(len(buf)) > uint64(len(im.data)) {
		return image.ErrOutOfRange
	}
	copy(buf, im.data[off:])
	return nil
}

// Write implements image.Image.
func (im *Image) Write(ctx context.Context, off uint64, buf []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.closed {
		return image.ErrClosed
	}
	if im.failWrites != nil {
		return im.failWrites
	}
	if off+uint64(len(buf)) > uint64(len(im.data)) {
		return image.ErrOutOfRange
	}
	copy(im.data[off:], buf)
	return nil
}

// Flush implements image.Image.
func (im *Image) Flush(ctx context.Context) error {
	im.mu.RLock()
	defer im.mu.RUnlock()
	if im.closed {
		return image.ErrClosed
	}
	return nil
}

// Discard zeroes the byte range.
func (im *Image) Discard(ctx context.Context, off, length uint64, skipPartial bool) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.closed {
		return image.ErrClosed
	}
	if off+length > uint64(len(im.data)) {
		return image.ErrOutOfRange
	}
	clear(im.data[off : off+length])
	return nil
}

// Writesame tiles pattern across the byte range.
func (im *Image) Writesame(ctx context.Context, off, length uint64, pattern []byte) error {
	if len(pattern) == 0 || length%uint64(len(pattern)) != 0 {
		return fmt.Errorf("pattern length %d does not tile %d bytes", len(pattern), length)
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	if im.closed {
		return image.ErrClosed
	}
	if off+length > uint64(len(im.data)) {
		return image.ErrOutOfRange
	}
	for i := uint64(0); i < length; i += uint64(len(pattern)) {
		copy(im.data[off+i:], pattern)
	}
	return nil
}

// CompareAndWrite writes buf at off iff the current contents equal cmp.
func (im *Image) CompareAndWrite(ctx context.Context, off uint64, cmp, buf []byte) (uint64, error) {
	if len(cmp) != len(buf) {
		return 0, fmt.Errorf("compare and write buffers differ in length")
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	if im.closed {
		return 0, image.ErrClosed
	}
	if off+uint64(len(buf)) > uint64(len(im.data)) {
		return 0, image.ErrOutOfRange
	}
	for i := range cmp {
		if im.data[off+uint64(i)] != cmp[i] {
			return uint64(i), image.ErrMismatch
		}
	}
	copy(im.data[off:], buf)
	return 0, nil
}

// Invalidate implements image.Image.
func (im *Image) Invalidate(ctx context.Context) error { return nil }

// Bytes returns a copy of the byte range, for test assertions.
func (im *Image) Bytes(off, length uint64) []byte {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]byte, length)
	copy(out, im.data[off:off+length])
	return out
}

// FailWrites injects an error into subsequent writes; nil clears it.
func (im *Image) FailWrites(err error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.failWrites = err
}

// FailReads injects an error into subsequent reads; nil clears it.
func (im *Image) FailReads(err error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.failReads = err
}
