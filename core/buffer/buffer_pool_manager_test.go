package buffer

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kurodb/kuro/core/storage/disk"
	"github.com/kurodb/kuro/core/storage/page"
)

// memDiskManager is an in-memory DiskManager recording write counts, used
// where the tests need to observe exactly which disk calls the pool issues.
type memDiskManager struct {
	mu       sync.Mutex
	pageSize int
	pages    map[page.PageID][]byte
	next     page.PageID
	writes   map[page.PageID]int
	freed    map[page.PageID]int
}

func newMemDiskManager(pageSize int) *memDiskManager {
	return &memDiskManager{
		pageSize: pageSize,
		pages:    make(map[page.PageID][]byte),
		next:     1,
		writes:   make(map[page.PageID]int),
		freed:    make(map[page.PageID]int),
	}
}

func (m *memDiskManager) AllocatePage() (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.pages[id] = make([]byte, m.pageSize)
	return id, nil
}

func (m *memDiskManager) DeallocatePage(id page.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	m.freed[id]++
	return nil
}

func (m *memDiskManager) ReadPage(id page.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.pages[id]; ok {
		copy(buf, data)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (m *memDiskManager) WritePage(id page.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[id] = append([]byte(nil), buf...)
	m.writes[id]++
	return nil
}

func (m *memDiskManager) PageSize() int { return m.pageSize }
func (m *memDiskManager) Sync() error   { return nil }

func (m *memDiskManager) writeCount(id page.PageID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[id]
}

func newTestPool(t *testing.T, poolSize int, dm DiskManager) *BufferPoolManager {
	t.Helper()
	logger := zap.NewNop()
	return NewBufferPoolManager(poolSize, 2, dm, nil, logger, nil)
}

// TestBufferPool_Exhaustion pins every frame through NewPage, verifies the
// pool refuses further allocations, then frees one frame and checks the next
// NewPage reuses exactly that frame.
func TestBufferPool_Exhaustion(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 10, dm)

	frames := make([]*page.Page, 0, 10)
	ids := make([]page.PageID, 0, 10)
	for i := 0; i < 10; i++ {
		p, id, err := bpm.NewPage()
		require.NoError(t, err)
		frames = append(frames, p)
		ids = append(ids, id)
	}

	_, _, err := bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull, "all frames pinned")

	require.NoError(t, bpm.UnpinPage(ids[0], false))

	p, _, err := bpm.NewPage()
	require.NoError(t, err)
	require.Same(t, frames[0], p, "the freed frame is the one reused")
}

// TestBufferPool_FetchHitPins verifies a resident fetch pins the same frame
// and that the frame stays unevictable until every pin is released.
func TestBufferPool_FetchHitPins(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 2, dm)

	p1, id, err := bpm.NewPage()
	require.NoError(t, err)

	p2, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Same(t, p1, p2)
	require.Equal(t, uint32(2), p1.PinCount())

	require.NoError(t, bpm.UnpinPage(id, false))
	require.Equal(t, uint32(1), p1.PinCount())

	// Still pinned once: filling the rest of the pool and asking for more
	// must not evict it.
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(id, false))
	_, _, err = bpm.NewPage()
	require.NoError(t, err)
}

// TestBufferPool_DirtyEvictionRoundTrip writes through a real disk file:
// modify a page, unpin it dirty, force its eviction, and re-fetch it. The
// payload must survive the trip through the file.
func TestBufferPool_DirtyEvictionRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "kuro.db"), 512, true, logger)
	require.NoError(t, err)
	defer dm.Close()

	bpm := NewBufferPoolManager(3, 2, dm, nil, logger, nil)

	ids := make([]page.PageID, 0, 5)
	for i := 0; i < 5; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, false))
		ids = append(ids, id)
	}

	payload := []byte("the payload that must survive eviction")

	p, err := bpm.FetchPage(ids[0])
	require.NoError(t, err)
	copy(p.Data(), payload)
	require.NoError(t, bpm.UnpinPage(ids[0], true))

	// Fetch enough other pages to push ids[0] out of the 3-frame pool.
	for _, id := range ids[1:4] {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, false))
	}

	p, err = bpm.FetchPage(ids[0])
	require.NoError(t, err)
	require.True(t, bytes.Equal(p.Data()[:len(payload)], payload),
		"payload must be reloaded from disk intact")
	require.NoError(t, bpm.UnpinPage(ids[0], false))
}

// TestBufferPool_UnpinErrors covers the failure modes of UnpinPage: a page
// that is not resident and a page whose pin count is already zero.
func TestBufferPool_UnpinErrors(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 4, dm)

	require.ErrorIs(t, bpm.UnpinPage(99, false), ErrPageNotFound)

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id, false))
	require.ErrorIs(t, bpm.UnpinPage(id, false), ErrPageNotPinned)
}

// TestBufferPool_UnpinDirtyIsSticky verifies the dirty flag is OR-ed: a
// later unpin claiming clean must not erase an earlier dirty claim.
func TestBufferPool_UnpinDirtyIsSticky(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 4, dm)

	p, id, err := bpm.NewPage()
	require.NoError(t, err)
	_, err = bpm.FetchPage(id)
	require.NoError(t, err)

	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.UnpinPage(id, false))
	require.True(t, p.IsDirty(), "clean unpin must not clear a prior dirty state")
}

// TestBufferPool_FlushPage verifies a resident flush issues exactly one
// disk write, leaves the dirty flag untouched, and that flushing a
// non-resident page fails without touching the disk manager.
func TestBufferPool_FlushPage(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 4, dm)

	p, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("flushed bytes"))
	require.NoError(t, bpm.UnpinPage(id, true))

	require.NoError(t, bpm.FlushPage(id))
	require.Equal(t, 1, dm.writeCount(id))
	require.True(t, p.IsDirty(), "flush is advisory and leaves the dirty flag")

	require.ErrorIs(t, bpm.FlushPage(777), ErrPageNotFound)
	require.Equal(t, 0, dm.writeCount(777))
}

// TestBufferPool_DeletePage covers the three delete outcomes: pinned pages
// refuse deletion, resident unpinned pages are unmapped and their frame
// recycled, and non-resident ids still reach the disk manager.
func TestBufferPool_DeletePage(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 4, dm)

	_, id, err := bpm.NewPage()
	require.NoError(t, err)
	require.ErrorIs(t, bpm.DeletePage(id), ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(id, false))
	require.NoError(t, bpm.DeletePage(id))
	require.Equal(t, 1, dm.freed[id])
	_, err = bpm.FetchPage(id)
	require.NoError(t, err, "deleted id can be fetched again as a fresh read")
	require.NoError(t, bpm.UnpinPage(id, false))

	require.NoError(t, bpm.DeletePage(4242), "non-resident delete is a logical deallocation")
	require.Equal(t, 1, dm.freed[4242])
}

// TestBufferPool_FlushAll verifies every dirty resident page reaches disk
// and clean pages are skipped.
func TestBufferPool_FlushAll(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 8, dm)

	dirty := make([]page.PageID, 0, 3)
	clean := make([]page.PageID, 0, 2)
	for i := 0; i < 3; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, true))
		dirty = append(dirty, id)
	}
	for i := 0; i < 2; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, false))
		clean = append(clean, id)
	}

	require.NoError(t, bpm.FlushAll())
	for _, id := range dirty {
		require.Equal(t, 1, dm.writeCount(id))
	}
	for _, id := range clean {
		require.Equal(t, 0, dm.writeCount(id))
	}
}

// TestBufferPool_EvictionWritesBackOnce verifies a dirty victim is written
// exactly once on eviction and the reloaded copy matches.
func TestBufferPool_EvictionWritesBackOnce(t *testing.T) {
	dm := newMemDiskManager(512)
	bpm := newTestPool(t, 1, dm)

	p, id, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("dirty victim"))
	require.NoError(t, bpm.UnpinPage(id, true))

	// The pool has a single frame, so this allocation evicts id.
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, 1, dm.writeCount(id))
	require.NoError(t, bpm.UnpinPage(id2, false))

	p, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, []byte("dirty victim"), p.Data()[:12])
	require.False(t, p.IsDirty(), "a freshly loaded page is clean")
	require.NoError(t, bpm.UnpinPage(id, false))
}

// TestBufferPool_Concurrent runs many goroutines over a shared set of pages
// with a pool smaller than the working set, exercising eviction under
// contention. Every pin is matched by exactly one unpin.
func TestBufferPool_Concurrent(t *testing.T) {
	dm := newMemDiskManager(256)
	bpm := newTestPool(t, 8, dm)

	ids := make([]page.PageID, 0, 32)
	for i := 0; i < 32; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, false))
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := ids[(g*500+i)%len(ids)]
				p, err := bpm.FetchPage(id)
				if err != nil {
					// Transient exhaustion is legal when every frame is
					// momentarily pinned by the other goroutines.
					continue
				}
				dirty := i%4 == 0
				if dirty {
					p.Lock()
					p.Data()[0] = byte(g)
					p.Unlock()
				}
				_ = bpm.UnpinPage(id, dirty)
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, bpm.FlushAll())
}
