// Package file implements a raw-file-backed block image.
//
// The image is a single preallocated file addressed with positional reads
// and writes. Flush maps to fdatasync and Discard punches holes, so a
// sparse image only consumes space for written ranges.
package file

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pwlog/pkg/image"
)

// Config holds file image configuration.
type Config struct {
	// Path is the image file location. Created at Size if missing.
	Path string

	// Size is the image size in bytes.
	Size uint64
}

// Image is a raw image file.
type Image struct {
	cfg Config

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New creates a file image. The file is opened at Init.
func New(cfg Config) *Image {
	return &Image{cfg: cfg}
}

var _ image.Image = (*Image)(nil)

// Init opens or creates the image file and sizes it.
func (im *Image) Init(ctx context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.file != nil {
		return nil
	}

	f, err := os.OpenFile(im.cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open image file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat image file: %w", err)
	}
	if uint64(info.Size()) < im.cfg.Size {
		if err := f.Truncate(int64(im.cfg.Size)); err != nil {
			f.Close()
			return fmt.Errorf("size image file: %w", err)
		}
	}

	im.file = f
	return nil
}

// ShutDown syncs and closes the image file.
func (im *Image) ShutDown(ctx context.Context) error {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.closed || im.file == nil {
		im.closed = true
		return nil
	}
	im.closed = true

	if err := im.file.Sync(); err != nil {
		im.file.Close()
		return fmt.Errorf("sync image file: %w", err)
	}
	if err := im.file.Close(); err != nil {
		return fmt.Errorf("close image file: %w", err)
	}
	im.file = nil
	return nil
}

// Size returns the configured image size.
func (im *Image) Size() uint64 { return im.cfg.Size }

// Read fills buf from the image at off.
func (im *Image) Read(ctx context.Context, off uint64, buf []byte) error {
	f, err := im.handle()
	if err != nil {
		return err
	}
	if off+uint64(len(buf)) > im.cfg.Size {
		return image.ErrOutOfRange
	}

	if _, err := f.ReadAt(buf, int64(off)); err != nil {
		return fmt.Errorf("read image at %d: %w", off, err)
	}
	return nil
}

// Write stores buf at off.
func (im *Image) Write(ctx context.Context, off uint64, buf []byte) error {
	f, err := im.handle()
	if err != nil {
		return err
	}
	if off+uint64(len(buf)) > im.cfg.Size {
		return image.ErrOutOfRange
	}

	if _, err := f.WriteAt(buf, int64(off)); err != nil {
		return fmt.Errorf("write image at %d: %w", off, err)
	}
	return nil
}

// Flush makes completed writes durable with fdatasync.
func (im *Image) Flush(ctx context.Context) error {
	f, err := im.handle()
	if err != nil {
		return err
	}
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("fdatasync image: %w", err)
	}
	return nil
}

// Discard punches a hole over the byte range; subsequent reads return
// zeroes. skipPartial has no effect for files, which discard at byte
// granularity.
func (im *Image) Discard(ctx context.Context, off, length uint64, skipPartial bool) error {
	f, err := im.handle()
	if err != nil {
		return err
	}
	if off+length > im.cfg.Size {
		return image.ErrOutOfRange
	}
	if length == 0 {
		return nil
	}

	err = unix.Fallocate(int(f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		int64(off), int64(length))
	if err != nil {
		return fmt.Errorf("punch hole at %d+%d: %w", off, length, err)
	}
	return nil
}

// Writesame tiles pattern across the byte range.
func (im *Image) Writesame(ctx context.Context, off, length uint64, pattern []byte) error {
	if len(pattern) == 0 || length%uint64(len(pattern)) != 0 {
		return fmt.Errorf("pattern length %d does not tile %d bytes", len(pattern), length)
	}
	buf := make([]byte, length)
	for i := 0; i < len(buf); i += len(pattern) {
		copy(buf[i:], pattern)
	}
	return im.Write(ctx, off, buf)
}

// CompareAndWrite writes buf at off iff the current contents equal cmp.
func (im *Image) CompareAndWrite(ctx context.Context, off uint64, cmp, buf []byte) (uint64, error) {
	if len(cmp) != len(buf) {
		return 0, fmt.Errorf("compare and write buffers differ in length")
	}

	current := make([]byte, len(cmp))
	if err := im.Read(ctx, off, current); err != nil {
		return 0, err
	}
	for i := range cmp {
		if current[i] != cmp[i] {
			return uint64(i), image.ErrMismatch
		}
	}
	return 0, im.Write(ctx, off, buf)
}

// Invalidate is a no-op: the raw file holds no cache of its own.
func (im *Image) Invalidate(ctx context.Context) error { return nil }

func (im *Image) handle() (*os.File, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed || im.file == nil {
		return nil, image.ErrClosed
	}
	return im.file, nil
}
