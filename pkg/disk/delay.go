package disk

import (
	"io"
	"os"
	"time"

	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

// WriteDelay appends items to the topic's delay log. The existence of
// delayRebuild is a lock-free barrier: while a rebuilder owns the log,
// writers back off exponentially and release their own cached handle
// so the rebuilder can replace the file underneath.
func (s *Store) WriteDelay(topic string, items []types.Item) error {
	if len(items) == 0 {
		return nil
	}

	rbPath := s.topicFile(topic, types.FileDelayRebuild)
	backoff := rebuildBackoffStart
	for i := 0; ; i++ {
		if _, err := os.Stat(rbPath); os.IsNotExist(err) {
			break
		}
		if i >= rebuildPolls {
			return types.CreateFailedf("delay rebuild of %s still in progress", topic)
		}
		s.writePool.Close(topic, types.RoleDelayMessage)
		time.Sleep(backoff)
		backoff *= 2
	}

	if err := os.MkdirAll(s.topicPath(topic), 0o755); err != nil {
		return types.CreateFailedf("create topic %s: %v", topic, err)
	}

	dmPath := s.topicFile(topic, types.FileDelayMessage)
	f, err := s.writePool.Get(topic, types.RoleDelayMessage, dmPath, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return types.IoErrorf("open %s: %v", dmPath, err)
	}
	if err := lockFile(f); err != nil {
		return types.IoErrorf("lock %s: %v", dmPath, err)
	}
	defer func() {
		if err := unlockFile(f); err != nil {
			util.Error("unlock %s: %v", dmPath, err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return types.IoErrorf("stat %s: %v", dmPath, err)
	}
	size := info.Size()
	if size == 0 {
		if _, err := f.WriteAt(util.PackInt32(4), 0); err != nil {
			return types.IoErrorf("seed %s: %v", dmPath, err)
		}
		size = 4
	}

	now := s.now().Unix()
	var buf []byte
	for _, item := range items {
		buf = append(buf, util.EncodeDelayRecord(int32(now+int64(item.Delay)), item.Payload)...)
	}
	if _, err := f.WriteAt(buf, size); err != nil {
		return types.IoErrorf("append %s: %v", dmPath, err)
	}

	metrics.DelayedPushed.Add(float64(len(items)))
	return nil
}

// Promote drains matured delay records into the segment store. Called
// at the start of every Pop and every length query.
func (s *Store) Promote(topic string) error {
	dmPath := s.topicFile(topic, types.FileDelayMessage)

	for pass := 0; pass < 2; pass++ {
		if _, err := os.Stat(dmPath); os.IsNotExist(err) {
			return nil
		}

		f, err := s.writePool.Get(topic, types.RoleDelayMessage, dmPath, os.O_RDWR)
		if err != nil {
			if os.IsNotExist(err) {
				// a peer just swapped the log during its compaction
				continue
			}
			return types.IoErrorf("open %s: %v", dmPath, err)
		}
		if err := lockFile(f); err != nil {
			return types.IoErrorf("lock %s: %v", dmPath, err)
		}

		info, err := f.Stat()
		if err != nil {
			unlockDelay(f, dmPath)
			return types.IoErrorf("stat %s: %v", dmPath, err)
		}
		size := info.Size()
		if size < 4 {
			unlockDelay(f, dmPath)
			return nil
		}

		vs, err := util.ReadInt32At(f, 0)
		if err != nil {
			unlockDelay(f, dmPath)
			return types.IoErrorf("read %s header: %v", dmPath, err)
		}
		validStart := int64(vs)
		if validStart < 4 || validStart > size {
			unlockDelay(f, dmPath)
			return types.FileErrorf("delay log of %s has valid_start %d outside [4, %d]", topic, validStart, size)
		}

		if validStart > s.partitionSize && s.compactionAllowed() {
			if err := s.compactDelayLocked(topic, f, validStart, size); err != nil {
				return err
			}
			continue
		}

		err = s.promotePass(topic, f, validStart, size)
		unlockDelay(f, dmPath)
		return err
	}
	return nil
}

func unlockDelay(f *os.File, path string) {
	if err := unlockFile(f); err != nil {
		util.Error("unlock %s: %v", path, err)
	}
}

// compactionAllowed gates delay-log rebuilds on the local hour,
// skipping hours 02 through 06 (02:00-06:59).
func (s *Store) compactionAllowed() bool {
	hour := s.now().Hour()
	return hour < 2 || hour > 6
}

// compactDelayLocked copies the live suffix of the delay log behind a
// fresh header into delayRebuild, then swaps the files. The caller's
// lock is released here via the handle-pool close.
func (s *Store) compactDelayLocked(topic string, f *os.File, validStart, size int64) error {
	dmPath := s.topicFile(topic, types.FileDelayMessage)
	rbPath := s.topicFile(topic, types.FileDelayRebuild)

	rb, err := os.OpenFile(rbPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		unlockDelay(f, dmPath)
		return types.IoErrorf("create %s: %v", rbPath, err)
	}
	if _, err := rb.Write(util.PackInt32(4)); err == nil {
		_, err = io.Copy(rb, io.NewSectionReader(f, validStart, size-validStart))
	}
	if cerr := rb.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(rbPath); rerr != nil {
			util.Error("remove %s after failed rebuild: %v", rbPath, rerr)
		}
		unlockDelay(f, dmPath)
		return types.IoErrorf("rebuild %s: %v", dmPath, err)
	}

	// drops the lock along with the handles
	s.writePool.Close(topic, types.RoleDelayMessage)
	s.readPool.Close(topic, types.RoleDelayMessage)

	var swapErr error
	for attempt := 0; attempt < renameRetries; attempt++ {
		if err := os.Remove(dmPath); err != nil && !os.IsNotExist(err) {
			swapErr = err
			continue
		}
		if err := os.Rename(rbPath, dmPath); err != nil {
			swapErr = err
			continue
		}
		swapErr = nil
		break
	}
	if swapErr != nil {
		return types.IoErrorf("swap rebuilt delay log of %s: %v", topic, swapErr)
	}

	metrics.DelayCompactions.Inc()
	util.Info("delay log of %s compacted, %d bytes discarded", topic, validStart-4)
	return nil
}

// promotePass splits every pending record into matured payloads, which
// batch-append into segments, and not-yet-due records, which spill into
// delayRead for the next pass.
func (s *Store) promotePass(topic string, f *os.File, validStart, size int64) error {
	tempPath := s.topicFile(topic, types.FileDelayTemp)
	readPath := s.topicFile(topic, types.FileDelayRead)
	dmPath := s.topicFile(topic, types.FileDelayMessage)

	tf, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return types.IoErrorf("create %s: %v", tempPath, err)
	}
	if err := lockFile(tf); err != nil {
		tf.Close()
		return types.IoErrorf("lock %s: %v", tempPath, err)
	}
	cleanup := func() {
		unlockDelay(tf, tempPath)
		tf.Close()
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			util.Error("remove %s: %v", tempPath, err)
		}
	}

	now := int32(s.now().Unix())
	var matured [][]byte

	if rf, err := os.OpenFile(readPath, os.O_RDWR, 0o644); err == nil {
		if err := lockFile(rf); err != nil {
			rf.Close()
			cleanup()
			return types.IoErrorf("lock %s: %v", readPath, err)
		}
		rinfo, err := rf.Stat()
		if err == nil {
			matured, err = splitDelayRecords(rf, 0, rinfo.Size(), now, tf, matured)
		}
		unlockDelay(rf, readPath)
		rf.Close()
		if err != nil {
			cleanup()
			return types.FileErrorf("replay %s: %v", readPath, err)
		}
		if err := os.Remove(readPath); err != nil {
			cleanup()
			return types.IoErrorf("remove %s: %v", readPath, err)
		}
	} else if !os.IsNotExist(err) {
		cleanup()
		return types.IoErrorf("open %s: %v", readPath, err)
	}

	adviseSequential(f)
	matured, err = splitDelayRecords(f, validStart, size, now, tf, matured)
	if err != nil {
		cleanup()
		return types.FileErrorf("scan %s: %v", dmPath, err)
	}

	if len(matured) > 0 {
		if _, err := s.Append(topic, matured); err != nil {
			cleanup()
			return err
		}
		metrics.DelayedPromoted.Add(float64(len(matured)))
	}

	// tombstone everything consumed this pass
	if _, err := f.WriteAt(util.PackInt32(int32(size)), 0); err != nil {
		cleanup()
		return types.IoErrorf("advance %s header: %v", dmPath, err)
	}

	tinfo, err := tf.Stat()
	if err != nil {
		cleanup()
		return types.IoErrorf("stat %s: %v", tempPath, err)
	}
	spill := tinfo.Size() > 0
	unlockDelay(tf, tempPath)
	if err := tf.Close(); err != nil {
		return types.IoErrorf("close %s: %v", tempPath, err)
	}
	if spill {
		if err := os.Rename(tempPath, readPath); err != nil {
			return types.IoErrorf("rename %s: %v", tempPath, err)
		}
	} else if err := os.Remove(tempPath); err != nil {
		return types.IoErrorf("remove %s: %v", tempPath, err)
	}
	return nil
}

// splitDelayRecords walks [pos, end) of r, copying not-yet-due records
// into spill and collecting matured payloads. A short read at the
// record-header boundary is treated as EOF; a short payload is a
// format violation.
func splitDelayRecords(r io.ReaderAt, pos, end int64, now int32, spill *os.File, matured [][]byte) ([][]byte, error) {
	hdr := make([]byte, util.DelayHeaderSize)
	for pos+util.DelayHeaderSize <= end {
		if _, err := r.ReadAt(hdr, pos); err != nil {
			break
		}
		due, _ := util.UnpackInt32(hdr[0:4])
		length, _ := util.UnpackInt32(hdr[4:8])
		if length < 0 {
			return matured, io.ErrUnexpectedEOF
		}
		if pos+util.DelayHeaderSize+int64(length) > end {
			return matured, io.ErrUnexpectedEOF
		}
		payload := make([]byte, length)
		if _, err := r.ReadAt(payload, pos+util.DelayHeaderSize); err != nil {
			return matured, err
		}
		pos += util.DelayHeaderSize + int64(length)

		if due > now {
			if _, err := spill.Write(util.EncodeDelayRecord(due, payload)); err != nil {
				return matured, err
			}
		} else {
			matured = append(matured, payload)
		}
	}
	return matured, nil
}
