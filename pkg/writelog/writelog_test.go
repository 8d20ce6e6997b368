package writelog

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pwlog/pkg/image/memory"
)

const tb = uint64(512) // test block size

// newTestLog creates an initialized write log over an in-memory image.
func newTestLog(t *testing.T, mutate func(*Config)) (*WriteLog, *memory.Image) {
	t.Helper()

	img := memory.New(64 * 1024 * 1024)
	cfg := Config{
		PoolDir:             t.TempDir(),
		BlockSize:           uint32(tb),
		LogEntries:          256,
		MaxConcurrentWrites: 8,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	wl := New(cfg, img, nil)
	require.NoError(t, wl.Init(context.Background()))
	t.Cleanup(func() { _ = wl.ShutDown(context.Background()) })

	return wl, img
}

func doWrite(t *testing.T, wl *WriteLog, extents []Extent, data []byte) error {
	t.Helper()

	done := make(chan error, 1)
	wl.AioWrite(extents, data, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("write did not complete")
		return nil
	}
}

func doRead(t *testing.T, wl *WriteLog, extents []Extent) ([]byte, error) {
	t.Helper()

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	wl.AioRead(context.Background(), extents, func(buf []byte, err error) {
		done <- result{buf, err}
	})
	select {
	case r := <-done:
		return r.buf, r.err
	case <-time.After(10 * time.Second):
		t.Fatal("read did not complete")
		return nil, nil
	}
}

func doFlush(t *testing.T, wl *WriteLog) error {
	t.Helper()

	done := make(chan error, 1)
	wl.AioFlush(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("flush did not complete")
		return nil
	}
}

func pattern(b byte, n uint64) []byte {
	return bytes.Repeat([]byte{b}, int(n))
}

// crash stops the log without writeback or retirement, simulating a
// process crash with the pool left as-is.
func crash(t *testing.T, wl *WriteLog) {
	t.Helper()

	wl.mu.Lock()
	wl.wakeUpEnabled = false
	wl.mu.Unlock()

	close(wl.workStop)
	wl.workWg.Wait()
	wl.persistFin.stop()
	wl.appendFin.stop()
	wl.completeFin.stop()

	// Let in-flight writebacks drain before unmapping the pool.
	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return wl.flushOpsInFlight == 0
	}, 5*time.Second, 10*time.Millisecond)

	wl.mu.Lock()
	wl.closed = true
	wl.mu.Unlock()
	require.NoError(t, wl.pool.Close())
}

// ============================================================================
// Write and read round trips
// ============================================================================

// Persist-on-write: the user completion fires only after the descriptor
// is durable, and a read returns the written bytes.
func TestPersistOnWriteSingleWrite(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	want := pattern('A', tb)
	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, want))

	got, err := doRead(t, wl, []Extent{{0, tb}})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadMissForwardedToImage(t *testing.T) {
	wl, img := newTestLog(t, nil)

	want := pattern('M', 2*tb)
	require.NoError(t, img.Write(context.Background(), 4*tb, want))

	got, err := doRead(t, wl, []Extent{{4 * tb, 2 * tb}})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadStitchesHitsAndMisses(t *testing.T) {
	wl, img := newTestLog(t, nil)

	// Image holds 'I' at blocks 0..3; the log holds 'L' at blocks 1..2.
	require.NoError(t, img.Write(context.Background(), 0, pattern('I', 4*tb)))
	require.NoError(t, doWrite(t, wl, []Extent{{tb, 2 * tb}}, pattern('L', 2*tb)))

	got, err := doRead(t, wl, []Extent{{0, 4 * tb}})
	require.NoError(t, err)

	want := append(pattern('I', tb), pattern('L', 2*tb)...)
	want = append(want, pattern('I', tb)...)
	assert.Equal(t, want, got)
}

func TestMultiExtentWrite(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	data := append(pattern('1', tb), pattern('2', tb)...)
	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}, {8 * tb, tb}}, data))

	got, err := doRead(t, wl, []Extent{{0, tb}})
	require.NoError(t, err)
	assert.Equal(t, pattern('1', tb), got)

	got, err = doRead(t, wl, []Extent{{8 * tb, tb}})
	require.NoError(t, err)
	assert.Equal(t, pattern('2', tb), got)
}

// ============================================================================
// Input validation
// ============================================================================

func TestUnalignedWriteRejected(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	err := doWrite(t, wl, []Extent{{1, tb}}, pattern('A', tb))
	assert.ErrorIs(t, err, ErrInvalidExtent)

	err = doWrite(t, wl, []Extent{{0, tb - 1}}, pattern('A', tb-1))
	assert.ErrorIs(t, err, ErrInvalidExtent)
}

func TestUnalignedReadRejected(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	_, err := doRead(t, wl, []Extent{{3, tb}})
	assert.ErrorIs(t, err, ErrInvalidExtent)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	wl, _ := newTestLog(t, func(cfg *Config) { cfg.ReadOnly = true })

	err := doWrite(t, wl, []Extent{{0, tb}}, pattern('A', tb))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestWriteAfterShutdownRejected(t *testing.T) {
	wl, _ := newTestLog(t, nil)
	require.NoError(t, wl.ShutDown(context.Background()))

	done := make(chan error, 1)
	wl.AioWrite([]Extent{{0, tb}}, pattern('A', tb), func(err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrShuttingDown)
}

// ============================================================================
// Overlap serialization
// ============================================================================

// Overlapping writes complete in submission order and the newest data
// wins where they overlap.
func TestOverlapSerialization(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	pat1 := pattern('1', 2*tb)
	pat2 := pattern('2', 2*tb)

	order := make(chan int, 2)
	done := make(chan struct{})

	wl.AioWrite([]Extent{{0, 2 * tb}}, pat1, func(err error) {
		require.NoError(t, err)
		order <- 1
	})
	wl.AioWrite([]Extent{{tb, 2 * tb}}, pat2, func(err error) {
		require.NoError(t, err)
		order <- 2
		close(done)
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("writes did not complete")
	}

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)

	got, err := doRead(t, wl, []Extent{{0, 3 * tb}})
	require.NoError(t, err)

	want := append(pattern('1', tb), pat2...)
	assert.Equal(t, want, got)
}

// ============================================================================
// Interval map behavior through the write path
// ============================================================================

// A write strictly inside an earlier one splits its mapping: three map
// entries, the outer two sharing the older log entry.
func TestWriteSplitsEarlierMapping(t *testing.T) {
	wl, img := newTestLog(t, nil)

	// Writebacks fail so both entries stay in the log and the map.
	img.FailWrites(assert.AnError)

	require.NoError(t, doWrite(t, wl, []Extent{{0, 4 * tb}}, pattern('X', 4*tb)))
	require.NoError(t, doWrite(t, wl, []Extent{{tb, 2 * tb}}, pattern('Y', 2*tb)))

	found := wl.bmap.findOverlapping(BlockExtent{0, 3})
	require.Len(t, found, 3)
	assert.Equal(t, BlockExtent{0, 0}, found[0].extent)
	assert.Equal(t, BlockExtent{1, 2}, found[1].extent)
	assert.Equal(t, BlockExtent{3, 3}, found[2].extent)
	assert.Same(t, found[0].entry, found[2].entry)
	assert.Equal(t, int32(2), found[0].entry.referringMapEntries.Load())

	got, err := doRead(t, wl, []Extent{{0, 4 * tb}})
	require.NoError(t, err)

	want := append(pattern('X', tb), pattern('Y', 2*tb)...)
	want = append(want, pattern('X', tb)...)
	assert.Equal(t, want, got)

	img.FailWrites(nil)
}

// ============================================================================
// Flush semantics
// ============================================================================

func TestFlushPersistOnWriteCompletesImmediatelyWhenIdle(t *testing.T) {
	wl, _ := newTestLog(t, nil)
	require.NoError(t, doFlush(t, wl))
}

// Persist-on-flush: the user completion fires at dispatch; AioFlush
// creates a sync point whose descriptor append makes everything before
// it durable, surviving a crash.
func TestPersistOnFlushCrashRecovery(t *testing.T) {
	dir := t.TempDir()

	img := memory.New(64 * 1024 * 1024)
	cfg := Config{
		PoolDir:        dir,
		BlockSize:      uint32(tb),
		LogEntries:     256,
		PersistOnFlush: true,
	}
	wl := New(cfg, img, nil)
	require.NoError(t, wl.Init(context.Background()))

	// Writebacks fail so everything stays in the log.
	img.FailWrites(assert.AnError)

	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, pattern('A', tb)))
	require.NoError(t, doFlush(t, wl))

	crash(t, wl)

	// Reopen over a fresh, empty image: the data must come from the log.
	wl2 := New(cfg, memory.New(64*1024*1024), nil)
	require.NoError(t, wl2.Init(context.Background()))
	defer wl2.ShutDown(context.Background())

	got, err := doRead(t, wl2, []Extent{{0, tb}})
	require.NoError(t, err)
	assert.Equal(t, pattern('A', tb), got)

	// The sync gen advanced past the recovered sync point.
	assert.GreaterOrEqual(t, wl2.Stats().SyncGen, uint64(2))
}

func TestPersistOnWriteCrashRecovery(t *testing.T) {
	dir := t.TempDir()

	img := memory.New(64 * 1024 * 1024)
	cfg := Config{
		PoolDir:    dir,
		BlockSize:  uint32(tb),
		LogEntries: 256,
	}
	wl := New(cfg, img, nil)
	require.NoError(t, wl.Init(context.Background()))

	img.FailWrites(assert.AnError)

	// Completion in persist-on-write mode means the descriptor is
	// durable; no flush needed before the crash.
	require.NoError(t, doWrite(t, wl, []Extent{{2 * tb, 2 * tb}}, pattern('B', 2*tb)))

	crash(t, wl)

	wl2 := New(cfg, memory.New(64*1024*1024), nil)
	require.NoError(t, wl2.Init(context.Background()))
	defer wl2.ShutDown(context.Background())

	got, err := doRead(t, wl2, []Extent{{2 * tb, 2 * tb}})
	require.NoError(t, err)
	assert.Equal(t, pattern('B', 2*tb), got)
}

// The first flush flips persist-on-write-until-flush into
// persist-on-flush mode.
func TestPersistOnWriteUntilFlushFlips(t *testing.T) {
	wl, _ := newTestLog(t, func(cfg *Config) { cfg.PersistOnWriteUntilFlush = true })

	assert.False(t, wl.Stats().PersistOnFlush)
	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, pattern('A', tb)))
	require.NoError(t, doFlush(t, wl))
	assert.True(t, wl.Stats().PersistOnFlush)
}

// Repeated flushes with no intervening writes are idempotent.
func TestRepeatedFlushIdempotent(t *testing.T) {
	wl, _ := newTestLog(t, func(cfg *Config) { cfg.PersistOnFlush = true })

	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, pattern('A', tb)))
	require.NoError(t, doFlush(t, wl))
	require.NoError(t, doFlush(t, wl))
	require.NoError(t, doFlush(t, wl))
}

// ============================================================================
// Resource deferral
// ============================================================================

// With no lanes available, a write parks in the deferred FIFO and
// dispatches once lanes free up.
func TestResourceDeferral(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	wl.mu.Lock()
	lanes := wl.freeLanes
	wl.freeLanes = 0
	wl.mu.Unlock()

	done := make(chan error, 1)
	wl.AioWrite([]Extent{{0, tb}}, pattern('D', tb), func(err error) { done <- err })

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.deferred) == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("deferred write completed without resources")
	case <-time.After(50 * time.Millisecond):
	}

	wl.mu.Lock()
	wl.freeLanes = lanes
	wl.mu.Unlock()
	wl.dispatchDeferredWrites()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("deferred write never dispatched")
	}

	got, err := doRead(t, wl, []Extent{{0, tb}})
	require.NoError(t, err)
	assert.Equal(t, pattern('D', tb), got)
}

// A multi-extent write reserves all of its resources or none: with only
// one ring slot reservable, a two-extent write defers and leaves the
// free count untouched.
func TestMultiExtentReservationIsAtomic(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	wl.mu.Lock()
	savedFree := wl.ring.free
	wl.ring.free = 1
	wl.mu.Unlock()

	done := make(chan error, 1)
	data := append(pattern('a', tb), pattern('b', tb)...)
	wl.AioWrite([]Extent{{0, tb}, {4 * tb, tb}}, data, func(err error) { done <- err })

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.deferred) == 1
	}, 5*time.Second, 10*time.Millisecond)

	wl.mu.Lock()
	assert.Equal(t, uint32(1), wl.ring.free)
	assert.Equal(t, wl.cfg.MaxConcurrentWrites, wl.freeLanes)
	wl.ring.free = savedFree
	wl.mu.Unlock()
	wl.dispatchDeferredWrites()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("deferred multi-extent write never dispatched")
	}
}

// Deferred writes keep FIFO order with each other.
func TestDeferredWritesCompleteInOrder(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	wl.mu.Lock()
	lanes := wl.freeLanes
	wl.freeLanes = 0
	wl.mu.Unlock()

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		off := uint64(i) * 4 * tb
		wl.AioWrite([]Extent{{off, tb}}, pattern(byte('0'+i), tb), func(err error) {
			require.NoError(t, err)
			order <- i
		})
	}

	require.Eventually(t, func() bool {
		wl.mu.Lock()
		defer wl.mu.Unlock()
		return len(wl.deferred) == 3
	}, 5*time.Second, 10*time.Millisecond)

	wl.mu.Lock()
	wl.freeLanes = lanes
	wl.mu.Unlock()
	wl.dispatchDeferredWrites()

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatal("deferred writes never completed")
		}
	}
}

// ============================================================================
// Writeback and retirement
// ============================================================================

// After writeback, entries retire: ring space returns, map entries
// disappear, and the image holds the data.
func TestWritebackAndRetirement(t *testing.T) {
	wl, img := newTestLog(t, nil)

	const k = 4
	for i := 0; i < k; i++ {
		off := uint64(i) * 2 * tb
		require.NoError(t, doWrite(t, wl, []Extent{{off, tb}}, pattern(byte('a'+i), tb)))
	}

	require.NoError(t, wl.Flush(context.Background()))

	require.Eventually(t, func() bool {
		s := wl.Stats()
		return s.LiveEntries == 0 && s.MapEntries == 0 && s.FreeEntries == s.TotalEntries-1
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, uint32(k), wl.Stats().FirstValid)

	for i := 0; i < k; i++ {
		off := uint64(i) * 2 * tb
		assert.Equal(t, pattern(byte('a'+i), tb), img.Bytes(off, tb))
	}

	// Retired data is still readable, now from the image.
	got, err := doRead(t, wl, []Extent{{0, tb}})
	require.NoError(t, err)
	assert.Equal(t, pattern('a', tb), got)
}

// A failed writeback retries until the image heals; the user write is
// never failed.
func TestWritebackRetriesOnImageError(t *testing.T) {
	wl, img := newTestLog(t, nil)

	img.FailWrites(assert.AnError)
	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, pattern('R', tb)))

	// The entry stays dirty while the image fails.
	time.Sleep(300 * time.Millisecond)
	assert.GreaterOrEqual(t, wl.Stats().DirtyEntries, 1)

	img.FailWrites(nil)
	require.NoError(t, wl.Flush(context.Background()))
	assert.Equal(t, pattern('R', tb), img.Bytes(0, tb))
}

// ============================================================================
// Discard
// ============================================================================

func TestDiscardInvalidatesAndPassesThrough(t *testing.T) {
	wl, _ := newTestLog(t, nil)

	require.NoError(t, doWrite(t, wl, []Extent{{0, 4 * tb}}, pattern('X', 4*tb)))

	done := make(chan error, 1)
	wl.AioDiscard(context.Background(), tb, 2*tb, false, func(err error) { done <- err })
	require.NoError(t, <-done)

	got, err := doRead(t, wl, []Extent{{0, 4 * tb}})
	require.NoError(t, err)

	want := append(pattern('X', tb), make([]byte, 2*tb)...)
	want = append(want, pattern('X', tb)...)
	assert.Equal(t, want, got)
}

// ============================================================================
// Invalidate
// ============================================================================

func TestInvalidateDropsCache(t *testing.T) {
	wl, img := newTestLog(t, nil)

	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, pattern('V', tb)))
	require.NoError(t, wl.Invalidate(context.Background()))

	s := wl.Stats()
	assert.Zero(t, s.MapEntries)
	assert.Zero(t, s.LiveEntries)

	// Data was flushed to the image before the drop.
	assert.Equal(t, pattern('V', tb), img.Bytes(0, tb))
}

// ============================================================================
// Pool reopen
// ============================================================================

// A clean shutdown retires everything; reopening finds an empty ring
// with the pointers preserved.
func TestCleanShutdownReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		PoolDir:    dir,
		BlockSize:  uint32(tb),
		LogEntries: 256,
	}

	wl := New(cfg, memory.New(64*1024*1024), nil)
	require.NoError(t, wl.Init(context.Background()))
	require.NoError(t, doWrite(t, wl, []Extent{{0, tb}}, pattern('S', tb)))
	require.NoError(t, wl.ShutDown(context.Background()))

	wl2 := New(cfg, memory.New(64*1024*1024), nil)
	require.NoError(t, wl2.Init(context.Background()))
	defer wl2.ShutDown(context.Background())

	s := wl2.Stats()
	assert.Zero(t, s.LiveEntries)
	assert.Equal(t, s.FirstFree, s.FirstValid)
}
