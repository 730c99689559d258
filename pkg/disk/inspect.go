package disk

import (
	"golang.org/x/exp/mmap"

	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

// RecordInfo describes one record found by a raw segment walk.
type RecordInfo struct {
	Seq    int32
	CRC    int32
	Len    int32
	Time   int32
	Offset int64
	Valid  bool
}

// ScanSegment walks every record of a segment data file through a
// read-only mapping, validating each payload against its stored CRC.
// The walk stops at the first frame that does not parse, so orphan
// bytes past a torn append are simply not reported.
func ScanSegment(path string) ([]RecordInfo, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, types.IoErrorf("mmap %s: %v", path, err)
	}
	defer r.Close()

	var records []RecordInfo
	pos := int64(0)
	hdr := make([]byte, util.RecordHeaderSize)
	for pos+util.RecordHeaderSize <= int64(r.Len()) {
		if _, err := r.ReadAt(hdr, pos); err != nil {
			break
		}
		h, err := util.DecodeRecordHeader(hdr)
		if err != nil || h.Len < 0 {
			break
		}
		end := pos + util.RecordHeaderSize + int64(h.Len)
		if end > int64(r.Len()) {
			break
		}
		payload := make([]byte, h.Len)
		if _, err := r.ReadAt(payload, pos+util.RecordHeaderSize); err != nil {
			break
		}
		records = append(records, RecordInfo{
			Seq:    h.Seq,
			CRC:    h.CRC,
			Len:    h.Len,
			Time:   h.Time,
			Offset: pos,
			Valid:  util.SignedCRC(payload) == h.CRC,
		})
		pos = end
	}
	return records, nil
}
