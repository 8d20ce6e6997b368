package chunked

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pwlog/pkg/image"
)

// mapStore is an in-memory chunked.Store for tests.
type mapStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deletes int
}

func newMapStore() *mapStore {
	return &mapStore{objects: make(map[string][]byte)}
}

func (s *mapStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *mapStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	s.puts++
	return nil
}

func (s *mapStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deletes++
	return nil
}

func (s *mapStore) Flush(ctx context.Context) error { return nil }
func (s *mapStore) Close(ctx context.Context) error { return nil }

func newTestImage(t *testing.T) (*Image, *mapStore) {
	t.Helper()
	store := newMapStore()
	im := New(store, Config{Size: 64 * 1024, ChunkSize: 4096, KeyPrefix: "img/"})
	require.NoError(t, im.Init(context.Background()))
	return im, store
}

func TestChunkedReadUnwrittenReturnsZeroes(t *testing.T) {
	im, _ := newTestImage(t)

	buf := make([]byte, 8192)
	buf[0] = 0xFF
	require.NoError(t, im.Read(context.Background(), 0, buf))
	for _, b := range buf {
		if b != 0 {
			t.Fatal("unwritten range must read as zeroes")
		}
	}
}

func TestChunkedWriteReadRoundTrip(t *testing.T) {
	im, _ := newTestImage(t)
	ctx := context.Background()

	// Spans two chunks with an unaligned start.
	data := make([]byte, 6000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, im.Write(ctx, 3000, data))

	got := make([]byte, 6000)
	require.NoError(t, im.Read(ctx, 3000, got))
	assert.Equal(t, data, got)

	// Bytes before the write are still zero.
	head := make([]byte, 3000)
	require.NoError(t, im.Read(ctx, 0, head))
	for _, b := range head {
		require.Zero(t, b)
	}
}

func TestChunkedOutOfRange(t *testing.T) {
	im, _ := newTestImage(t)
	ctx := context.Background()

	err := im.Write(ctx, 64*1024-100, make([]byte, 200))
	assert.ErrorIs(t, err, image.ErrOutOfRange)

	err = im.Read(ctx, 64*1024, make([]byte, 1))
	assert.ErrorIs(t, err, image.ErrOutOfRange)
}

func TestChunkedDiscardDeletesWholeChunks(t *testing.T) {
	im, store := newTestImage(t)
	ctx := context.Background()

	require.NoError(t, im.Write(ctx, 0, make([]byte, 16384)))
	before := len(store.objects)
	require.Equal(t, 4, before)

	// Covers chunk 1 fully, chunks 0 and 2 partially.
	require.NoError(t, im.Discard(ctx, 2048, 8192, false))
	assert.Equal(t, 3, len(store.objects))

	buf := make([]byte, 16384)
	buf[0] = 1
	require.NoError(t, im.Read(ctx, 0, buf))
	for i := 2048; i < 2048+8192; i++ {
		require.Zero(t, buf[i], "offset %d not discarded", i)
	}
}

func TestChunkedDiscardSkipPartial(t *testing.T) {
	im, _ := newTestImage(t)
	ctx := context.Background()

	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0xAB
	}
	require.NoError(t, im.Write(ctx, 0, data))

	// Partial chunk with skipPartial: nothing changes.
	require.NoError(t, im.Discard(ctx, 0, 2048, true))

	got := make([]byte, 4096)
	require.NoError(t, im.Read(ctx, 0, got))
	assert.Equal(t, data, got)
}

func TestChunkedWritesame(t *testing.T) {
	im, _ := newTestImage(t)
	ctx := context.Background()

	require.NoError(t, im.Writesame(ctx, 1024, 2048, []byte{0xDE, 0xAD}))

	got := make([]byte, 2048)
	require.NoError(t, im.Read(ctx, 1024, got))
	for i := 0; i < len(got); i += 2 {
		require.Equal(t, byte(0xDE), got[i])
		require.Equal(t, byte(0xAD), got[i+1])
	}

	err := im.Writesame(ctx, 0, 100, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestChunkedCompareAndWrite(t *testing.T) {
	im, _ := newTestImage(t)
	ctx := context.Background()

	old := []byte("old-value-here")
	require.NoError(t, im.Write(ctx, 512, old))

	// Matching compare succeeds.
	_, err := im.CompareAndWrite(ctx, 512, old, []byte("new-value-here"))
	require.NoError(t, err)

	got := make([]byte, len(old))
	require.NoError(t, im.Read(ctx, 512, got))
	assert.Equal(t, []byte("new-value-here"), got)

	// Mismatch reports the first differing offset.
	mismatch, err := im.CompareAndWrite(ctx, 512, []byte("new-valXe-here"), old)
	assert.ErrorIs(t, err, image.ErrMismatch)
	assert.Equal(t, uint64(7), mismatch)
}

func TestChunkedClosedImage(t *testing.T) {
	im, _ := newTestImage(t)
	ctx := context.Background()

	require.NoError(t, im.ShutDown(ctx))
	err := im.Read(ctx, 0, make([]byte, 1))
	assert.ErrorIs(t, err, image.ErrClosed)
}
