package disk

import (
	"errors"
	"os"
	"time"

	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

// CurrentOffset returns the next sequence the consumer will read. With
// fromStart the value is lifted onto the 64-bit global axis spanning
// every retired generation.
func (s *Store) CurrentOffset(topic string, fromStart bool) (int64, error) {
	cur, err := s.readCursor(topic)
	if err != nil {
		return 0, err
	}
	if fromStart {
		label, err := s.Label(topic)
		if err != nil {
			return 0, err
		}
		cur += s.labelSize * int64(label)
	}
	return cur, nil
}

func (s *Store) readCursor(topic string) (int64, error) {
	path := s.topicFile(topic, types.FileCurrent)
	f, err := s.readPool.Get(topic, types.RoleCurrent, path, os.O_RDONLY)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, types.IoErrorf("open %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, types.IoErrorf("stat %s: %v", path, err)
	}
	if info.Size() < 4 {
		return 0, nil
	}
	v, err := util.ReadInt32At(f, 0)
	if err != nil {
		return 0, types.IoErrorf("read %s: %v", path, err)
	}
	return int64(v), nil
}

// MaxOffset returns the sequence one past the last stored record,
// promoting matured delay records first.
func (s *Store) MaxOffset(topic string, fromStart bool) (int64, error) {
	if err := s.Promote(topic); err != nil {
		return 0, err
	}

	entries, err := s.loadManifest(topic)
	if err != nil {
		return 0, err
	}

	var max int64
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		var records int64
		if info, err := os.Stat(s.indexPath(topic, last)); err == nil {
			records = info.Size() / 4
		} else if !os.IsNotExist(err) {
			return 0, types.IoErrorf("stat index %s of %s: %v", stemName(last), topic, err)
		}
		max = last + records
	}

	if fromStart {
		label, err := s.Label(topic)
		if err != nil {
			return 0, err
		}
		max += s.labelSize * int64(label)
	}
	return max, nil
}

// Pop removes and returns the next message of the topic, or nil when
// the queue is drained. When the active generation is exhausted and a
// successor exists, Pop promotes it and retries.
func (s *Store) Pop(topic string) (*types.Message, error) {
	if err := s.Promote(topic); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < rolloverRetries; attempt++ {
		msg, rolled, err := s.popOnce(topic)
		if err != nil {
			if errors.Is(err, types.ErrIo) {
				lastErr = err
				time.Sleep(rolloverDelay)
				continue
			}
			return nil, err
		}
		if rolled {
			continue
		}
		if msg != nil {
			metrics.MessagesPopped.Inc()
		}
		return msg, nil
	}
	return nil, lastErr
}

// popOnce advances the cursor past one message under its exclusive
// lock. rolled reports that a generation promotion happened and the
// read should be retried.
func (s *Store) popOnce(topic string) (msg *types.Message, rolled bool, err error) {
	if _, err := os.Stat(s.topicPath(topic)); os.IsNotExist(err) {
		return nil, false, nil
	}

	path := s.topicFile(topic, types.FileCurrent)
	f, err := s.writePool.Get(topic, types.RoleCurrent, path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return nil, false, types.IoErrorf("open %s: %v", path, err)
	}
	if err := lockFile(f); err != nil {
		return nil, false, types.IoErrorf("lock %s: %v", path, err)
	}

	var cur int64
	info, err := f.Stat()
	if err != nil {
		unlockCursor(f, path)
		return nil, false, types.IoErrorf("stat %s: %v", path, err)
	}
	if info.Size() >= 4 {
		v, err := util.ReadInt32At(f, 0)
		if err != nil {
			unlockCursor(f, path)
			return nil, false, types.IoErrorf("read %s: %v", path, err)
		}
		cur = int64(v)
	}

	msg, err = s.ReadOne(topic, cur)
	if err != nil {
		unlockCursor(f, path)
		return nil, false, err
	}
	if msg != nil {
		if _, err := f.WriteAt(util.PackInt32(int32(cur+1)), 0); err != nil {
			unlockCursor(f, path)
			return nil, false, types.IoErrorf("advance %s: %v", path, err)
		}
		unlockCursor(f, path)
		return msg, false, nil
	}
	unlockCursor(f, path)

	// generation drained: promote the successor if a writer flagged one
	if _, err := os.Stat(s.topicFile(topic, types.FileLock)); err == nil {
		promoted, err := s.rolloverReader(topic)
		if err != nil {
			return nil, false, err
		}
		return nil, promoted, nil
	}
	return nil, false, nil
}

func unlockCursor(f *os.File, path string) {
	if err := unlockFile(f); err != nil {
		util.Error("unlock %s: %v", path, err)
	}
}
