// Package image defines the lower-image contract consumed by the write
// log: the writeback target behind the log, which is either the raw block
// image or a lower cache layer.
package image

import (
	"context"
	"errors"
)

// Common errors returned by Image implementations.
var (
	// ErrClosed is returned when operations are attempted on a closed image.
	ErrClosed = errors.New("image is closed")

	// ErrOutOfRange is returned for IO beyond the image size.
	ErrOutOfRange = errors.New("extent beyond image size")

	// ErrMismatch is returned by CompareAndWrite when the compare buffer
	// does not match the image contents.
	ErrMismatch = errors.New("compare buffer mismatch")
)

// Image is the write log's view of the layer below it.
//
// Implementations must be safe for concurrent use; the log issues up to
// its in-flight writeback limit of operations at once. Methods are
// synchronous; the log runs them on its own workers and converts returns
// into completions.
type Image interface {
	// Init prepares the image for IO.
	Init(ctx context.Context) error

	// ShutDown releases resources. The image must not be used afterwards.
	ShutDown(ctx context.Context) error

	// Read fills buf from the image at off. Short reads are errors.
	Read(ctx context.Context, off uint64, buf []byte) error

	// Write stores buf at off.
	Write(ctx context.Context, off uint64, buf []byte) error

	// Flush makes every completed Write durable.
	Flush(ctx context.Context) error

	// Discard deallocates the byte range. Implementations may zero or
	// punch holes; subsequent reads return zeroes. When skipPartial is
	// set, ranges smaller than the backend's discard granularity may be
	// ignored.
	Discard(ctx context.Context, off, length uint64, skipPartial bool) error

	// Writesame tiles pattern across the byte range.
	Writesame(ctx context.Context, off, length uint64, pattern []byte) error

	// CompareAndWrite writes buf at off iff the current contents equal
	// cmp. On mismatch it returns ErrMismatch and the byte offset of the
	// first difference.
	CompareAndWrite(ctx context.Context, off uint64, cmp, buf []byte) (mismatchOff uint64, err error)

	// Invalidate drops any caching the image layer does. For raw images
	// this is a no-op.
	Invalidate(ctx context.Context) error

	// Size returns the image size in bytes.
	Size() uint64
}
