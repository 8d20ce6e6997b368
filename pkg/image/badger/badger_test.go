package badger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerImageRoundTrip(t *testing.T) {
	ctx := context.Background()

	im, err := New(Config{
		Dir:       t.TempDir(),
		Size:      8 * 1024 * 1024,
		ChunkSize: 64 * 1024,
	})
	require.NoError(t, err)
	require.NoError(t, im.Init(ctx))
	defer im.ShutDown(ctx)

	data := bytes.Repeat([]byte{0x42}, 100*1024)
	require.NoError(t, im.Write(ctx, 32*1024, data))
	require.NoError(t, im.Flush(ctx))

	got := make([]byte, len(data))
	require.NoError(t, im.Read(ctx, 32*1024, got))
	assert.Equal(t, data, got)
}

func TestBadgerImagePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	im, err := New(Config{Dir: dir, Size: 1024 * 1024})
	require.NoError(t, err)
	require.NoError(t, im.Init(ctx))

	require.NoError(t, im.Write(ctx, 0, []byte("durable bytes")))
	require.NoError(t, im.Flush(ctx))
	require.NoError(t, im.ShutDown(ctx))

	im, err = New(Config{Dir: dir, Size: 1024 * 1024})
	require.NoError(t, err)
	require.NoError(t, im.Init(ctx))
	defer im.ShutDown(ctx)

	got := make([]byte, 13)
	require.NoError(t, im.Read(ctx, 0, got))
	assert.Equal(t, []byte("durable bytes"), got)
}

func TestBadgerImageDiscard(t *testing.T) {
	ctx := context.Background()

	im, err := New(Config{Dir: t.TempDir(), Size: 1024 * 1024, ChunkSize: 4096})
	require.NoError(t, err)
	require.NoError(t, im.Init(ctx))
	defer im.ShutDown(ctx)

	require.NoError(t, im.Write(ctx, 0, bytes.Repeat([]byte{0xAA}, 8192)))
	require.NoError(t, im.Discard(ctx, 0, 4096, false))

	got := make([]byte, 8192)
	require.NoError(t, im.Read(ctx, 0, got))
	for i := 0; i < 4096; i++ {
		require.Zero(t, got[i])
	}
	for i := 4096; i < 8192; i++ {
		require.Equal(t, byte(0xAA), got[i])
	}
}
