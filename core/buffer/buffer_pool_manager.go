// Package buffer implements the page cache of the storage engine: a fixed
// array of page frames, an extendible-hash page table mapping resident page
// ids to frames, and an LRU replacer tracking the unpinned ones.
package buffer

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kurodb/kuro/core/hash"
	"github.com/kurodb/kuro/core/storage/page"
	internaltelemetry "github.com/kurodb/kuro/internal/telemetry"
)

// DefaultPoolSize is the frame count used when the caller passes 0.
const DefaultPoolSize = 128

// BufferPoolManager mediates every page access between the access methods
// and the disk manager. Each frame is in exactly one of three places at any
// quiescent moment: the free list, the replacer, or pinned in use.
type BufferPoolManager struct {
	poolSize int
	pageSize int

	disk DiskManager
	log  LogManager // nil disables the WAL hook

	mu        sync.Mutex
	frames    []*page.Page
	pageTable *hash.ExtendibleHashTable[page.PageID, *page.Page]
	replacer  Replacer[*page.Page]
	freeList  *list.List // of *page.Page

	logger  *zap.Logger
	metrics *internaltelemetry.PoolMetrics
}

// NewBufferPoolManager creates a pool of poolSize frames sized to the disk
// manager's page size. All frames start on the free list. logManager may be
// nil (tests); metrics may be nil.
func NewBufferPoolManager(
	poolSize int,
	bucketSize int,
	diskManager DiskManager,
	logManager LogManager,
	logger *zap.Logger,
	metrics *internaltelemetry.PoolMetrics,
) *BufferPoolManager {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		poolSize: poolSize,
		pageSize: diskManager.PageSize(),
		disk:     diskManager,
		log:      logManager,
		frames:   make([]*page.Page, poolSize),
		pageTable: hash.NewExtendibleHashTable[page.PageID, *page.Page](
			bucketSize,
			func(id page.PageID) uint64 { return hash.Uint64(uint64(id)) },
		),
		replacer: NewLRUReplacer[*page.Page](),
		freeList: list.New(),
		logger:   logger,
		metrics:  metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.frames[i] = page.New(page.InvalidPageID, bpm.pageSize)
		bpm.freeList.PushBack(bpm.frames[i])
	}
	logger.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize))
	return bpm
}

// PoolSize reports the number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// PageSize reports the frame payload size in bytes.
func (bpm *BufferPoolManager) PageSize() int { return bpm.pageSize }

// FetchPage returns the frame holding pageID, pinned. A resident page is
// returned directly; otherwise a landing frame is claimed from the free list
// or the replacer, written back if dirty, and filled from disk. Returns
// ErrBufferPoolFull when every frame is pinned.
func (bpm *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if p, ok := bpm.pageTable.Find(pageID); ok {
		bpm.replacer.Erase(p)
		bpm.pinLocked(p)
		if bpm.metrics != nil {
			bpm.metrics.HitsCounter.Add(context.Background(), 1)
		}
		return p, nil
	}

	if bpm.metrics != nil {
		bpm.metrics.MissesCounter.Add(context.Background(), 1)
	}

	p, err := bpm.landingFrameLocked()
	if err != nil {
		return nil, err
	}

	bpm.pageTable.Insert(pageID, p)
	bpm.replacer.Erase(p) // landing frames are never tracked, but be safe
	p.Reset()
	if err := bpm.disk.ReadPage(pageID, p.Data()); err != nil {
		// The frame is empty again; give it back to the free list.
		bpm.pageTable.Remove(pageID)
		bpm.freeList.PushBack(p)
		return nil, fmt.Errorf("read page %d: %w", pageID, err)
	}
	p.SetID(pageID)
	p.SetDirty(false)
	bpm.pinLocked(p)
	return p, nil
}

// NewPage allocates a fresh page on disk and pins an empty frame for it.
// When no frame is available the fresh id is handed back to the disk
// manager and ErrBufferPoolFull is returned.
func (bpm *BufferPoolManager) NewPage() (*page.Page, page.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	pageID, err := bpm.disk.AllocatePage()
	if err != nil {
		return nil, page.InvalidPageID, fmt.Errorf("allocate page: %w", err)
	}

	p, err := bpm.landingFrameLocked()
	if err != nil {
		_ = bpm.disk.DeallocatePage(pageID)
		return nil, page.InvalidPageID, err
	}

	p.Reset()
	p.SetID(pageID)
	p.SetDirty(false)
	bpm.pageTable.Insert(pageID, p)
	bpm.replacer.Erase(p)
	bpm.pinLocked(p)
	bpm.logger.Debug("new page", zap.Uint64("page_id", uint64(pageID)))
	return p, pageID, nil
}

// UnpinPage drops one pin on a resident page, OR-ing dirty into the frame's
// dirty flag. A caller claiming clean never erases a prior dirty state. When
// the pin count reaches zero the frame becomes evictable.
func (bpm *BufferPoolManager) UnpinPage(pageID page.PageID, dirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	p, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	if p.PinCount() == 0 {
		return fmt.Errorf("%w: page %d", ErrPageNotPinned, pageID)
	}
	p.Unpin()
	if dirty {
		p.MarkDirty()
	}
	if p.PinCount() == 0 {
		bpm.replacer.Insert(p)
		if bpm.metrics != nil {
			bpm.metrics.PinnedUpDownCounter.Add(context.Background(), -1)
		}
	}
	return nil
}

// FlushPage writes a resident page to disk, forcing the log first. The dirty
// flag is left untouched; flushing is advisory, a checkpoint protocol above
// the pool decides when a frame is clean.
func (bpm *BufferPoolManager) FlushPage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	p, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	return bpm.writeBackLocked(p)
}

// DeletePage drops a page from the pool and deallocates it on disk. A
// non-resident page is a logical deallocation only. A pinned page cannot be
// deleted.
func (bpm *BufferPoolManager) DeletePage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if p, ok := bpm.pageTable.Find(pageID); ok {
		if p.PinCount() != 0 {
			return fmt.Errorf("%w: page %d", ErrPagePinned, pageID)
		}
		bpm.pageTable.Remove(pageID)
		bpm.replacer.Erase(p)
		p.Reset()
		bpm.freeList.PushBack(p)
	}
	if err := bpm.disk.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("deallocate page %d: %w", pageID, err)
	}
	return nil
}

// FlushAll writes every dirty resident page and syncs the disk manager.
// The first error is reported after the sweep completes.
func (bpm *BufferPoolManager) FlushAll() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	for _, p := range bpm.frames {
		if p.ID() == page.InvalidPageID || !p.IsDirty() {
			continue
		}
		if err := bpm.writeBackLocked(p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("flush during FlushAll failed",
				zap.Uint64("page_id", uint64(p.ID())), zap.Error(err))
			continue
		}
		p.SetDirty(false)
	}
	if err := bpm.disk.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// pinLocked pins p, maintaining the pinned-frames gauge on the 0->1 edge.
func (bpm *BufferPoolManager) pinLocked(p *page.Page) {
	p.Pin()
	if p.PinCount() == 1 && bpm.metrics != nil {
		bpm.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
	}
}

// landingFrameLocked claims a frame for a page about to become resident:
// free list first, then the replacer. A dirty victim is written back (log
// first) and its old mapping removed. Caller holds bpm.mu.
func (bpm *BufferPoolManager) landingFrameLocked() (*page.Page, error) {
	if front := bpm.freeList.Front(); front != nil {
		bpm.freeList.Remove(front)
		return front.Value.(*page.Page), nil
	}

	victim, ok := bpm.replacer.Victim()
	if !ok {
		bpm.logger.Warn("no evictable frame", zap.Int("pool_size", bpm.poolSize))
		return nil, ErrBufferPoolFull
	}
	if bpm.metrics != nil {
		bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	}
	if victim.IsDirty() {
		if err := bpm.writeBackLocked(victim); err != nil {
			// The victim is out of the replacer and would leak; put it back.
			bpm.replacer.Insert(victim)
			return nil, err
		}
		victim.SetDirty(false)
	}
	bpm.pageTable.Remove(victim.ID())
	bpm.logger.Debug("evicted frame", zap.Uint64("old_page_id", uint64(victim.ID())))
	return victim, nil
}

// writeBackLocked persists p's payload under its current id, forcing the log
// durable through p's LSN first. Caller holds bpm.mu.
func (bpm *BufferPoolManager) writeBackLocked(p *page.Page) error {
	if bpm.log != nil && p.LSN() != page.InvalidLSN {
		if err := bpm.log.Flush(p.LSN()); err != nil {
			return fmt.Errorf("flush log for page %d (lsn %d): %w", p.ID(), p.LSN(), err)
		}
	}
	if err := bpm.disk.WritePage(p.ID(), p.Data()); err != nil {
		return fmt.Errorf("write page %d: %w", p.ID(), err)
	}
	if bpm.metrics != nil {
		bpm.metrics.FlushesCounter.Add(context.Background(), 1)
	}
	return nil
}
