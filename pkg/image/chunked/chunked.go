// Package chunked adapts flat object stores (S3, embedded KV) into block
// images by splitting the image into fixed-size chunk objects.
//
// Reads and writes are translated into whole-chunk gets and puts with
// read-modify-write for partial chunks. Missing chunks read as zeroes, so
// a sparse image costs nothing until written.
package chunked

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/pwlog/pkg/image"
)

// DefaultChunkSize is the chunk object size (4MB).
const DefaultChunkSize = 4 * 1024 * 1024

// Store is the flat object store backing a chunked image.
//
// Keys are opaque strings; values are whole chunks. Get reports found =
// false for chunks never written.
type Store interface {
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config holds chunked image configuration.
type Config struct {
	// Size is the image size in bytes.
	Size uint64

	// ChunkSize is the chunk object size; defaults to DefaultChunkSize.
	ChunkSize uint64

	// KeyPrefix namespaces the image's chunk keys within the store.
	KeyPrefix string
}

// Image is an image.Image backed by a chunk-per-object store.
type Image struct {
	store     Store
	size      uint64
	chunkSize uint64
	prefix    string

	// chunkLocks serializes read-modify-write cycles per chunk.
	chunkLocks sync.Map // chunk index -> *sync.Mutex

	mu     sync.Mutex
	closed bool
}

// New creates a chunked image over store.
func New(store Store, cfg Config) *Image {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Image{
		store:     store,
		size:      cfg.Size,
		chunkSize: cfg.ChunkSize,
		prefix:    cfg.KeyPrefix,
	}
}

var _ image.Image = (*Image)(nil)

// Init implements image.Image.
func (im *Image) Init(ctx context.Context) error { return nil }

// ShutDown implements image.Image.
func (im *Image) ShutDown(ctx context.Context) error {
	im.mu.Lock()
	if im.closed {
		im.mu.Unlock()
		return nil
	}
	im.closed = true
	im.mu.Unlock()
	return im.store.Close(ctx)
}

// Size implements image.Image.
func (im *Image) Size() uint64 { return im.size }

// Invalidate implements image.Image. The store holds no cache.
func (im *Image) Invalidate(ctx context.Context) error { return nil }

// Flush implements image.Image.
func (im *Image) Flush(ctx context.Context) error {
	if err := im.checkOpen(); err != nil {
		return err
	}
	return im.store.Flush(ctx)
}

// Read implements image.Image.
func (im *Image) Read(ctx context.Context, off uint64, buf []byte) error {
	if err := im.checkRange(off, uint64(len(buf))); err != nil {
		return err
	}

	var done uint64
	for done < uint64(len(buf)) {
		chunk := (off + done) / im.chunkSize
		inChunk := (off + done) % im.chunkSize
		n := min(im.chunkSize-inChunk, uint64(len(buf))-done)

		data, found, err := im.store.Get(ctx, im.chunkKey(chunk))
		if err != nil {
			return fmt.Errorf("get chunk %d: %w", chunk, err)
		}
		dst := buf[done : done+n]
		if !found || uint64(len(data)) <= inChunk {
			clear(dst)
		} else {
			copied := copy(dst, data[inChunk:])
			clear(dst[copied:])
		}
		done += n
	}
	return nil
}

// Write implements image.Image.
func (im *Image) Write(ctx context.Context, off uint64, buf []byte) error {
	if err := im.checkRange(off, uint64(len(buf))); err != nil {
		return err
	}

	var done uint64
	for done < uint64(len(buf)) {
		chunk := (off + done) / im.chunkSize
		inChunk := (off + done) % im.chunkSize
		n := min(im.chunkSize-inChunk, uint64(len(buf))-done)

		if err := im.modifyChunk(ctx, chunk, func(data []byte) []byte {
			if uint64(len(data)) < inChunk+n {
				grown := make([]byte, inChunk+n)
				copy(grown, data)
				data = grown
			}
			copy(data[inChunk:inChunk+n], buf[done:done+n])
			return data
		}); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// Discard implements image.Image. Whole chunks are deleted; partially
// covered chunks are zeroed unless skipPartial is set.
func (im *Image) Discard(ctx context.Context, off, length uint64, skipPartial bool) error {
	if err := im.checkRange(off, length); err != nil {
		return err
	}

	end := off + length
	for chunkStart := off / im.chunkSize * im.chunkSize; chunkStart < end; chunkStart += im.chunkSize {
		chunk := chunkStart / im.chunkSize
		lo := max(off, chunkStart)
		hi := min(end, chunkStart+im.chunkSize)

		if lo == chunkStart && hi == chunkStart+im.chunkSize {
			if err := im.store.Delete(ctx, im.chunkKey(chunk)); err != nil {
				return fmt.Errorf("delete chunk %d: %w", chunk, err)
			}
			continue
		}
		if skipPartial {
			continue
		}
		if err := im.modifyChunk(ctx, chunk, func(data []byte) []byte {
			if uint64(len(data)) <= lo-chunkStart {
				return data
			}
			zeroHi := min(hi-chunkStart, uint64(len(data)))
			clear(data[lo-chunkStart : zeroHi])
			return data
		}); err != nil {
			return err
		}
	}
	return nil
}

// Writesame implements image.Image.
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

// CompareAndWrite implements image.Image.
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

// modifyChunk runs a read-modify-write cycle on one chunk under its lock.
func (im *Image) modifyChunk(ctx context.Context, chunk uint64, mutate func([]byte) []byte) error {
	lockAny, _ := im.chunkLocks.LoadOrStore(chunk, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	key := im.chunkKey(chunk)
	data, _, err := im.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get chunk %d: %w", chunk, err)
	}
	data = mutate(data)
	if err := im.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put chunk %d: %w", chunk, err)
	}
	return nil
}

func (im *Image) chunkKey(chunk uint64) string {
	return fmt.Sprintf("%schunk-%08d", im.prefix, chunk)
}

func (im *Image) checkOpen() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return image.ErrClosed
	}
	return nil
}

func (im *Image) checkRange(off, length uint64) error {
	if err := im.checkOpen(); err != nil {
		return err
	}
	if off+length > im.size {
		return image.ErrOutOfRange
	}
	return nil
}
