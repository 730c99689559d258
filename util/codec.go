package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// RecordHeaderSize is the fixed prefix of every segment record:
// seq(4) + crc(4) + len(4) + time(4), little-endian signed int32 each.
const RecordHeaderSize = 16

// DelayHeaderSize is the fixed prefix of every delay-log record:
// due(4) + len(4).
const DelayHeaderSize = 8

// PackInt32 encodes v as a 4-byte little-endian signed integer.
func PackInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// UnpackInt32 decodes a 4-byte little-endian signed integer.
func UnpackInt32(data []byte) (int32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("int32 needs 4 bytes, got %d", len(data))
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// ReadInt32At reads one packed int32 at the given byte offset.
func ReadInt32At(r io.ReaderAt, offset int64) (int32, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// SignedCRC returns the IEEE CRC32 of data reinterpreted as a signed
// 32-bit integer. Values with bit 31 set come out negative, matching
// the wire format on every architecture.
func SignedCRC(data []byte) int32 {
	return int32(crc32.ChecksumIEEE(data))
}

// RecordHeader is the decoded fixed prefix of one segment record.
type RecordHeader struct {
	Seq  int32
	CRC  int32
	Len  int32
	Time int32
}

// EncodeRecord frames one segment record: header followed by payload.
func EncodeRecord(seq int32, ts int32, payload []byte) []byte {
	buf := make([]byte, RecordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(seq))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(SignedCRC(payload)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(len(payload))))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ts))
	copy(buf[RecordHeaderSize:], payload)
	return buf
}

// DecodeRecordHeader decodes the 16-byte record prefix.
func DecodeRecordHeader(data []byte) (RecordHeader, error) {
	if len(data) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("record header needs %d bytes, got %d", RecordHeaderSize, len(data))
	}
	return RecordHeader{
		Seq:  int32(binary.LittleEndian.Uint32(data[0:4])),
		CRC:  int32(binary.LittleEndian.Uint32(data[4:8])),
		Len:  int32(binary.LittleEndian.Uint32(data[8:12])),
		Time: int32(binary.LittleEndian.Uint32(data[12:16])),
	}, nil
}

// EncodeDelayRecord frames one delay-log record: due time, payload
// length, payload.
func EncodeDelayRecord(due int32, payload []byte) []byte {
	buf := make([]byte, DelayHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(due))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(len(payload))))
	copy(buf[DelayHeaderSize:], payload)
	return buf
}
