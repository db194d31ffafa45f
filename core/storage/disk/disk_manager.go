// Package disk provides the file-backed disk manager: one file, fixed-size
// pages, a header page at offset 0 carrying the file metadata.
package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/kurodb/kuro/core/storage/page"
)

const (
	// DefaultPageSize is the payload size of one page in bytes.
	DefaultPageSize = 4096

	fileMagic     uint32 = 0x4B55524F // "KURO"
	fileVersion   uint32 = 1
	headerEncSize        = 4 + 4 + 4 + 8 + 8
)

var (
	ErrIO              = errors.New("i/o error")
	ErrDBFileExists    = errors.New("database file already exists")
	ErrDBFileNotFound  = errors.New("database file not found")
	ErrSerialization   = errors.New("error during serialization")
	ErrDeserialization = errors.New("error during deserialization")
	ErrInvalidPageID   = errors.New("invalid page id")
)

// fileHeader is the fixed-layout metadata written to page 0.
type fileHeader struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	PageCount uint64
	LastLSN   uint64
}

// FileDiskManager reads and writes fixed-size pages of a single database
// file. Page 0 holds the header; allocation starts at page 1 and extends the
// file. Deallocated pages go to an in-memory free set and are reused by the
// next allocation.
type FileDiskManager struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	pageSize int
	numPages uint64
	freeSet  map[page.PageID]struct{}
	logger   *zap.Logger
}

// Open opens an existing database file, or creates it when create is true.
// Creating an existing file and opening a missing one both fail.
func Open(filePath string, pageSize int, create bool, logger *zap.Logger) (*FileDiskManager, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < headerEncSize {
		return nil, fmt.Errorf("page size %d smaller than file header", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &FileDiskManager{
		filePath: filePath,
		pageSize: pageSize,
		freeSet:  make(map[page.PageID]struct{}),
		logger:   logger,
	}

	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, filePath)
		}
		file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, filePath, err)
		}
		dm.file = file
		// Header occupies page 0; allocations hand out page 1 onward.
		dm.numPages = 1
		header := fileHeader{
			Magic:     fileMagic,
			Version:   fileVersion,
			PageSize:  uint32(pageSize),
			PageCount: dm.numPages,
			LastLSN:   uint64(page.InvalidLSN),
		}
		if err := dm.writeHeader(&header); err != nil {
			_ = file.Close()
			_ = os.Remove(filePath)
			return nil, err
		}

	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, filePath)
		}
		file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
		}
		dm.file = file
		var header fileHeader
		if err := dm.readHeader(&header); err != nil {
			_ = file.Close()
			return nil, err
		}
		if header.Magic != fileMagic {
			_ = file.Close()
			return nil, fmt.Errorf("invalid database file magic number 0x%x", header.Magic)
		}
		if header.PageSize != uint32(pageSize) {
			_ = file.Close()
			return nil, fmt.Errorf("database file page size (%d) does not match configured page size (%d)",
				header.PageSize, pageSize)
		}
		fi, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, err)
		}
		dm.numPages = uint64(fi.Size()) / uint64(pageSize)
		if dm.numPages < header.PageCount {
			dm.numPages = header.PageCount
		}

	default:
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, statErr)
	}

	logger.Info("disk manager opened",
		zap.String("file", filePath),
		zap.Int("page_size", pageSize),
		zap.Uint64("pages", dm.numPages))
	return dm, nil
}

func (dm *FileDiskManager) writeHeader(header *fileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	buf.Write(make([]byte, dm.pageSize-buf.Len()))
	if _, err := dm.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return dm.file.Sync()
}

func (dm *FileDiskManager) readHeader(header *fileHeader) error {
	data := make([]byte, headerEncSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil && !(err == io.EOF && n == headerEncSize) {
		return fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return nil
}

// PageSize reports the configured page size in bytes.
func (dm *FileDiskManager) PageSize() int { return dm.pageSize }

// NumPages reports the file size in pages, header included.
func (dm *FileDiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// ReadPage fills buf with the on-disk contents of pageID.
func (dm *FileDiskManager) ReadPage(pageID page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPage(pageID, buf); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	if n != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, n)
	}
	return nil
}

// WritePage persists buf under pageID. Durability is deferred to Sync; the
// buffer pool decides when to force.
func (dm *FileDiskManager) WritePage(pageID page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPage(pageID, buf); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

func (dm *FileDiskManager) checkPage(pageID page.PageID, buf []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if pageID == page.InvalidPageID || uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d (file has %d pages)", ErrInvalidPageID, pageID, dm.numPages)
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("page buffer size (%d) != disk manager page size (%d)", len(buf), dm.pageSize)
	}
	return nil
}

// AllocatePage returns a fresh page id, reusing a deallocated page when one
// is available and extending the file otherwise.
func (dm *FileDiskManager) AllocatePage() (page.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return page.InvalidPageID, fmt.Errorf("%w: file not open", ErrIO)
	}
	for id := range dm.freeSet {
		delete(dm.freeSet, id)
		return id, nil
	}
	newPageID := page.PageID(dm.numPages)
	empty := make([]byte, dm.pageSize)
	offset := int64(newPageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(empty, offset); err != nil {
		return page.InvalidPageID, fmt.Errorf("%w: extending file for page %d: %v", ErrIO, newPageID, err)
	}
	dm.numPages++
	return newPageID, nil
}

// DeallocatePage returns pageID to the free set for reuse. Deallocating an
// unknown or already-free page is a no-op.
func (dm *FileDiskManager) DeallocatePage(pageID page.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pageID == page.InvalidPageID || uint64(pageID) >= dm.numPages {
		return nil
	}
	dm.freeSet[pageID] = struct{}{}
	return nil
}

// Sync flushes all buffered writes to stable storage.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	return dm.file.Sync()
}

// Close syncs and closes the file, persisting the page count in the header.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	header := fileHeader{
		Magic:     fileMagic,
		Version:   fileVersion,
		PageSize:  uint32(dm.pageSize),
		PageCount: dm.numPages,
		LastLSN:   uint64(page.InvalidLSN),
	}
	if err := dm.writeHeader(&header); err != nil {
		dm.logger.Error("writing header on close", zap.Error(err))
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("syncing file on close", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
