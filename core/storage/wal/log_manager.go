// Package wal implements the write-ahead log: an append-only sequence of
// checksummed records in size-bounded segment files, buffered in memory and
// flushed by a background goroutine or on demand.
package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the in-memory log buffer capacity.
	DefaultBufferSize = 1 << 16
	// DefaultSegmentSizeLimit rotates segments past this many bytes.
	DefaultSegmentSizeLimit = int64(16 << 20)

	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	flushInterval = 200 * time.Millisecond
)

// LogManager appends records to the active segment through an in-memory
// buffer. Flush makes the log durable through a target LSN; the buffer pool
// calls it before writing a dirty page whose LSN is past the durable point.
type LogManager struct {
	logDir           string
	bufferSize       int
	segmentSizeLimit int64
	logger           *zap.Logger

	mu               sync.Mutex
	file             *os.File
	currentSegmentID uint64
	segmentOffset    int64
	buffer           *bytes.Buffer
	nextLSN          LSN // LSN assigned to the next appended record
	durableLSN       LSN // highest LSN known flushed and synced
	closed           bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLogManager opens the log directory, recovers the latest segment and LSN
// position, and starts the background flusher.
func NewLogManager(logDir string, logger *zap.Logger) (*LogManager, error) {
	return NewLogManagerWithOptions(logDir, DefaultBufferSize, DefaultSegmentSizeLimit, logger)
}

// NewLogManagerWithOptions is NewLogManager with explicit buffer and segment
// size bounds.
func NewLogManagerWithOptions(logDir string, bufferSize int, segmentSizeLimit int64, logger *zap.Logger) (*LogManager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if segmentSizeLimit < int64(bufferSize) {
		return nil, fmt.Errorf("log segment size limit (%d) must be at least the buffer size (%d)",
			segmentSizeLimit, bufferSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		bufferSize:       bufferSize,
		segmentSizeLimit: segmentSizeLimit,
		logger:           logger,
		buffer:           bytes.NewBuffer(make([]byte, 0, bufferSize)),
		stopChan:         make(chan struct{}),
	}
	if err := lm.recoverLatestSegment(); err != nil {
		return nil, err
	}

	lm.wg.Add(1)
	go lm.flusher()

	logger.Info("log manager initialized",
		zap.String("log_dir", logDir),
		zap.Uint64("segment_id", lm.currentSegmentID),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

func (lm *LogManager) segmentPath(segmentID uint64) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("%s%020d%s", segmentPrefix, segmentID, segmentSuffix))
}

// recoverLatestSegment finds the newest segment file, scans segments from the
// newest back to the first one holding a record for the last LSN, and reopens
// the newest segment for appending. A fresh directory starts segment 1 and
// LSN 1.
func (lm *LogManager) recoverLatestSegment() error {
	entries, err := os.ReadDir(lm.logDir)
	if err != nil {
		return fmt.Errorf("reading log directory %s: %w", lm.logDir, err)
	}

	var segmentIDs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		segmentIDs = append(segmentIDs, id)
	}

	lm.currentSegmentID = 1
	lm.nextLSN = 1
	if len(segmentIDs) > 0 {
		sort.Slice(segmentIDs, func(i, j int) bool { return segmentIDs[i] < segmentIDs[j] })
		lm.currentSegmentID = segmentIDs[len(segmentIDs)-1]
		// A segment opened by a roll can still be empty; its predecessor
		// then holds the last LSN.
		for i := len(segmentIDs) - 1; i >= 0; i-- {
			lastLSN, err := lm.scanLastLSN(lm.segmentPath(segmentIDs[i]))
			if err != nil {
				return err
			}
			if lastLSN != InvalidLSN {
				lm.nextLSN = lastLSN + 1
				break
			}
		}
	}

	file, err := os.OpenFile(lm.segmentPath(lm.currentSegmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log segment: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log segment: %w", err)
	}
	lm.file = file
	lm.segmentOffset = fi.Size()
	lm.durableLSN = lm.nextLSN - 1
	return nil
}

// scanLastLSN reads records until the end of the segment, tolerating a torn
// tail, and returns the last complete record's LSN.
func (lm *LogManager) scanLastLSN(path string) (LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return InvalidLSN, fmt.Errorf("opening segment for recovery: %w", err)
	}
	defer f.Close()

	last := InvalidLSN
	for {
		rec, err := DecodeRecord(f)
		if err == io.EOF {
			return last, nil
		}
		if err == ErrCorruptRecord {
			lm.logger.Warn("corrupt record at log tail, truncating recovery scan",
				zap.String("segment", path))
			return last, nil
		}
		if err != nil {
			return InvalidLSN, fmt.Errorf("scanning segment %s: %w", path, err)
		}
		last = rec.LSN
	}
}

// Append assigns the next LSN to rec and stages it in the log buffer. The
// record becomes durable on the next flush.
func (lm *LogManager) Append(rec *Record) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrLogClosed
	}
	if rec.encodedSize() > lm.bufferSize {
		return InvalidLSN, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, rec.encodedSize())
	}
	if lm.buffer.Len()+rec.encodedSize() > lm.bufferSize {
		if err := lm.flushLocked(); err != nil {
			return InvalidLSN, err
		}
	}

	rec.LSN = lm.nextLSN
	lm.nextLSN++
	if err := rec.Encode(lm.buffer); err != nil {
		return InvalidLSN, fmt.Errorf("encoding log record: %w", err)
	}
	return rec.LSN, nil
}

// Flush makes the log durable through upTo. Flushing drains the whole
// buffer, so a single call suffices regardless of target.
func (lm *LogManager) Flush(upTo LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.durableLSN >= upTo {
		return nil
	}
	return lm.flushLocked()
}

// Sync makes every appended record durable.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

// DurableLSN reports the highest LSN known to be on stable storage.
func (lm *LogManager) DurableLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.durableLSN
}

// CurrentLSN reports the LSN of the last appended record.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// flushLocked writes the buffer to the active segment, syncs it, and rolls
// the segment past the size limit. Caller holds lm.mu.
func (lm *LogManager) flushLocked() error {
	if lm.file == nil {
		return ErrLogClosed
	}
	if lm.buffer.Len() > 0 {
		n, err := lm.file.Write(lm.buffer.Bytes())
		if err != nil {
			return fmt.Errorf("writing log buffer: %w", err)
		}
		lm.segmentOffset += int64(n)
		lm.buffer.Reset()
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("syncing log segment: %w", err)
	}
	lm.durableLSN = lm.nextLSN - 1

	if lm.segmentOffset >= lm.segmentSizeLimit {
		return lm.rollSegmentLocked()
	}
	return nil
}

// rollSegmentLocked closes the active segment and opens the next one.
func (lm *LogManager) rollSegmentLocked() error {
	if err := lm.file.Close(); err != nil {
		return fmt.Errorf("closing full log segment: %w", err)
	}
	lm.currentSegmentID++
	file, err := os.OpenFile(lm.segmentPath(lm.currentSegmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log segment %d: %w", lm.currentSegmentID, err)
	}
	lm.file = file
	lm.segmentOffset = 0
	lm.logger.Info("rolled log segment", zap.Uint64("segment_id", lm.currentSegmentID))
	return nil
}

// flusher periodically forces the buffer to disk so appends never sit in
// memory longer than the flush interval.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lm.mu.Lock()
			if !lm.closed {
				if err := lm.flushLocked(); err != nil {
					lm.logger.Error("background log flush failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		case <-lm.stopChan:
			return
		}
	}
}

// Close flushes outstanding records, stops the flusher, and closes the
// active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	flushErr := lm.flushLocked()
	lm.closed = true
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	var closeErr error
	if lm.file != nil {
		closeErr = lm.file.Close()
		lm.file = nil
	}
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
