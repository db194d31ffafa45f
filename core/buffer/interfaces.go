package buffer

import (
	"github.com/kurodb/kuro/core/storage/page"
)

// DiskManager is the block device abstraction the pool reads and writes
// through. core/storage/disk provides the file-backed implementation.
type DiskManager interface {
	AllocatePage() (page.PageID, error)
	DeallocatePage(id page.PageID) error
	ReadPage(id page.PageID, buf []byte) error
	WritePage(id page.PageID, buf []byte) error
	PageSize() int
	Sync() error
}

// LogManager is the write-ahead-log hook: before a dirty page goes to disk
// the pool forces the log durable through that page's LSN. A nil LogManager
// disables the hook.
type LogManager interface {
	Flush(upTo page.LSN) error
}
