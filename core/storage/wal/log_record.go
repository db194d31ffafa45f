package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/kurodb/kuro/core/storage/page"
)

// LSN is a log sequence number, global and monotonically increasing.
type LSN = page.LSN

const InvalidLSN = page.InvalidLSN

// RecordType tags the operation a log record describes.
type RecordType byte

const (
	RecordTypeUpdate RecordType = iota + 1
	RecordTypeNewPage
	RecordTypeFreePage
	RecordTypeCheckpoint
)

var (
	ErrRecordTooLarge = errors.New("log record too large for log buffer")
	ErrCorruptRecord  = errors.New("log record checksum mismatch")
	ErrLogClosed      = errors.New("log manager is closed")
)

// Record is a single WAL entry. LSN is assigned by Append.
type Record struct {
	LSN    LSN
	Type   RecordType
	PageID page.PageID
	Data   []byte
}

// record wire layout: u32 payloadLen | u32 crc | payload,
// payload: u64 lsn | u8 type | u64 pageID | data.
const recordHeaderSize = 4 + 4

func (r *Record) encodedSize() int {
	return recordHeaderSize + 8 + 1 + 8 + len(r.Data)
}

// Encode appends the record's wire form to buf.
func (r *Record) Encode(buf *bytes.Buffer) error {
	payload := make([]byte, 8+1+8+len(r.Data))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(r.LSN))
	payload[8] = byte(r.Type)
	binary.LittleEndian.PutUint64(payload[9:17], uint64(r.PageID))
	copy(payload[17:], r.Data)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := buf.Write(header[:]); err != nil {
		return err
	}
	_, err := buf.Write(payload)
	return err
}

// DecodeRecord reads one record from r, verifying its checksum. Returns
// io.EOF cleanly at end of stream.
func DecodeRecord(r io.Reader) (*Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(header[0:4])
	crc := binary.LittleEndian.Uint32(header[4:8])
	if payloadLen < 17 {
		return nil, fmt.Errorf("%w: payload length %d", ErrCorruptRecord, payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Torn tail write; treat as end of log.
			return nil, io.EOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, ErrCorruptRecord
	}
	rec := &Record{
		LSN:    LSN(binary.LittleEndian.Uint64(payload[0:8])),
		Type:   RecordType(payload[8]),
		PageID: page.PageID(binary.LittleEndian.Uint64(payload[9:17])),
	}
	if len(payload) > 17 {
		rec.Data = append([]byte(nil), payload[17:]...)
	}
	return rec, nil
}
