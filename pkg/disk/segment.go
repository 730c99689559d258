package disk

import (
	"errors"
	"math"
	"os"
	"time"

	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

// Append writes payloads as consecutive records into the current
// segment of topic and returns the first assigned sequence. Structural
// failures reset both handle pools and retry; plain I/O failures
// surface immediately.
func (s *Store) Append(topic string, payloads [][]byte) (int64, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		seq, err := s.appendOnce(topic, payloads)
		if err == nil {
			metrics.MessagesPushed.Add(float64(len(payloads)))
			return seq, nil
		}
		lastErr = err
		if !errors.Is(err, types.ErrFile) {
			return 0, err
		}
		util.Warn("append to %s attempt %d: %v", topic, attempt+1, err)
		s.Release()
	}
	return 0, lastErr
}

func (s *Store) appendOnce(topic string, payloads [][]byte) (int64, error) {
	dir, stem, err := s.currentPartition(topic, len(payloads))
	if err != nil {
		return 0, err
	}

	idxPath := s.indexPath(dir, stem)
	idx, err := s.writePool.Get(dir, types.RoleIndex, idxPath, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return 0, types.IoErrorf("open %s: %v", idxPath, err)
	}
	if err := lockFile(idx); err != nil {
		return 0, types.IoErrorf("lock %s: %v", idxPath, err)
	}

	seq, err := s.appendLocked(dir, stem, idx, payloads)
	if uerr := unlockFile(idx); uerr != nil && err == nil {
		err = types.IoErrorf("unlock %s: %v", idxPath, uerr)
	}
	return seq, err
}

func (s *Store) appendLocked(dir string, stem int64, idx *os.File, payloads [][]byte) (int64, error) {
	iinfo, err := idx.Stat()
	if err != nil {
		return 0, types.IoErrorf("stat index %s/%s: %v", dir, stemName(stem), err)
	}
	isize := iinfo.Size()
	if rem := isize % 4; rem != 0 {
		// a torn index entry is invisible to readers; drop it
		isize -= rem
		if err := idx.Truncate(isize); err != nil {
			return 0, types.IoErrorf("trim torn index %s/%s: %v", dir, stemName(stem), err)
		}
	}
	records := isize / 4
	baseSeq := stem + records

	var lastEnd int64
	if records > 0 {
		end, err := util.ReadInt32At(idx, isize-4)
		if err != nil {
			return 0, types.IoErrorf("read index tail %s/%s: %v", dir, stemName(stem), err)
		}
		lastEnd = int64(end)
	}

	datPath := s.datPath(dir, stem)
	dat, err := s.writePool.Get(dir, types.RoleDat, datPath, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return 0, types.IoErrorf("open %s: %v", datPath, err)
	}
	if err := lockFile(dat); err != nil {
		return 0, types.IoErrorf("lock %s: %v", datPath, err)
	}
	defer func() {
		if err := unlockFile(dat); err != nil {
			util.Error("unlock %s: %v", datPath, err)
		}
	}()

	dinfo, err := dat.Stat()
	if err != nil {
		return 0, types.IoErrorf("stat %s: %v", datPath, err)
	}
	switch {
	case dinfo.Size() < lastEnd:
		return 0, types.FileErrorf("segment %s/%s shorter (%d) than its index tail (%d)",
			dir, stemName(stem), dinfo.Size(), lastEnd)
	case dinfo.Size() > lastEnd:
		// orphan bytes from an interrupted append past the committed tail
		if err := dat.Truncate(lastEnd); err != nil {
			return 0, types.IoErrorf("trim orphan tail of %s: %v", datPath, err)
		}
	}

	now := int32(s.now().Unix())
	datBuf := make([]byte, 0, len(payloads)*util.RecordHeaderSize)
	idxBuf := make([]byte, 0, len(payloads)*4)
	end := lastEnd
	for i, payload := range payloads {
		if int64(len(payload)) > math.MaxInt32-util.RecordHeaderSize {
			return 0, types.FileErrorf("payload %d too large: %d bytes", i, len(payload))
		}
		rec := util.EncodeRecord(int32(baseSeq+int64(i)), now, payload)
		datBuf = append(datBuf, rec...)
		end += int64(len(rec))
		idxBuf = append(idxBuf, util.PackInt32(int32(end))...)
	}

	if _, err := dat.WriteAt(datBuf, lastEnd); err != nil {
		if terr := dat.Truncate(lastEnd); terr != nil {
			util.Error("restore %s after failed append: %v", datPath, terr)
		}
		return 0, types.IoErrorf("append %s: %v", datPath, err)
	}
	if _, err := idx.WriteAt(idxBuf, isize); err != nil {
		// the index is the commit point: rewind the data file so the
		// segment stays consistent with its index
		if terr := dat.Truncate(lastEnd); terr != nil {
			util.Error("restore %s after failed index append: %v", datPath, terr)
		}
		return 0, types.IoErrorf("append index %s/%s: %v", dir, stemName(stem), err)
	}
	return baseSeq, nil
}

// ReadOne returns the record at the absolute sequence, or nil when the
// generation holds no such record yet.
func (s *Store) ReadOne(topic string, offset int64) (*types.Message, error) {
	msgs, err := s.ReadRange(topic, offset, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// ReadRange reads up to limit records starting at offset, fanning out
// across segment boundaries. It never touches the consumer cursor.
func (s *Store) ReadRange(topic string, offset int64, limit int) ([]types.Message, error) {
	if offset < 0 || limit <= 0 {
		return nil, nil
	}
	entries, err := s.loadManifest(topic)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	label, err := s.Label(topic)
	if err != nil {
		return nil, err
	}

	var msgs []types.Message
	idx := findSegment(entries, offset)
	for len(msgs) < limit && idx < len(entries) {
		if offset < entries[idx] {
			return nil, types.FileErrorf("offset %d below segment start %d in %s", offset, entries[idx], topic)
		}
		msg, err := s.readRecord(topic, entries[idx], offset)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			idx++
			continue
		}
		msg.Label = label
		msgs = append(msgs, *msg)
		offset++
		if idx+1 < len(entries) && offset >= entries[idx+1] {
			idx++
		}
	}
	return msgs, nil
}

// readRecord fetches one record of the segment starting at stem,
// retrying transient failures against a concurrent writer. A position
// past the segment's committed tail yields nil.
func (s *Store) readRecord(topic string, stem, offset int64) (*types.Message, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			metrics.ReadRetries.Inc()
			time.Sleep(readDelay)
		}
		msg, err := s.readRecordOnce(topic, stem, offset)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, types.ErrIo) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Store) readRecordOnce(topic string, stem, offset int64) (*types.Message, error) {
	pos := offset - stem
	if pos < 0 {
		return nil, types.FileErrorf("offset %d precedes segment %s of %s", offset, stemName(stem), topic)
	}

	idxPath := s.indexPath(topic, stem)
	idx, err := s.readPool.Get(topic, types.RoleIndex, idxPath, os.O_RDONLY)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.FileErrorf("index %s missing for manifest entry of %s", stemName(stem), topic)
		}
		return nil, types.IoErrorf("open %s: %v", idxPath, err)
	}
	iinfo, err := idx.Stat()
	if err != nil {
		return nil, types.IoErrorf("stat %s: %v", idxPath, err)
	}
	if pos >= iinfo.Size()/4 {
		return nil, nil
	}

	var start int64
	if pos > 0 {
		v, err := util.ReadInt32At(idx, (pos-1)*4)
		if err != nil {
			return nil, types.IoErrorf("read index entry %d of %s/%s: %v", pos-1, topic, stemName(stem), err)
		}
		start = int64(v)
	}
	endv, err := util.ReadInt32At(idx, pos*4)
	if err != nil {
		return nil, types.IoErrorf("read index entry %d of %s/%s: %v", pos, topic, stemName(stem), err)
	}
	end := int64(endv)
	if end < start+util.RecordHeaderSize {
		return nil, types.FileErrorf("record %d of %s/%s spans %d bytes", pos, topic, stemName(stem), end-start)
	}

	datPath := s.datPath(topic, stem)
	dat, err := s.readPool.Get(topic, types.RoleDat, datPath, os.O_RDONLY)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.FileErrorf("segment %s missing for manifest entry of %s", stemName(stem), topic)
		}
		return nil, types.IoErrorf("open %s: %v", datPath, err)
	}

	buf := make([]byte, end-start)
	if _, err := dat.ReadAt(buf, start); err != nil {
		return nil, types.IoErrorf("read record %d of %s/%s: %v", pos, topic, stemName(stem), err)
	}

	hdr, err := util.DecodeRecordHeader(buf)
	if err != nil {
		return nil, types.FileErrorf("record %d of %s/%s: %v", pos, topic, stemName(stem), err)
	}
	if int64(hdr.Seq) != offset {
		return nil, types.FileErrorf("record %d of %s/%s carries sequence %d, want %d",
			pos, topic, stemName(stem), hdr.Seq, offset)
	}
	payload := buf[util.RecordHeaderSize:]
	if int64(hdr.Len) != int64(len(payload)) {
		return nil, types.FileErrorf("record %d of %s/%s length %d does not match frame %d",
			pos, topic, stemName(stem), hdr.Len, len(payload))
	}
	if crc := util.SignedCRC(payload); crc != hdr.CRC {
		return nil, types.FileErrorf("record %d of %s/%s crc %d does not match payload crc %d",
			pos, topic, stemName(stem), hdr.CRC, crc)
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return &types.Message{
		Seq:     hdr.Seq,
		Hash:    hdr.CRC,
		Len:     hdr.Len,
		Time:    hdr.Time,
		Payload: out,
	}, nil
}
