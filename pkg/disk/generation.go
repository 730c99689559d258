package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

// Label returns the topic's generation counter; a topic without a
// label file is generation zero.
func (s *Store) Label(topic string) (int32, error) {
	s.labelMu.Lock()
	if label, ok := s.labels[topic]; ok {
		s.labelMu.Unlock()
		return label, nil
	}
	s.labelMu.Unlock()

	data, err := os.ReadFile(s.topicFile(topic, types.FileLabel))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, types.IoErrorf("read label of %s: %v", topic, err)
	}
	label, err := util.UnpackInt32(data)
	if err != nil {
		return 0, types.FileErrorf("label of %s: %v", topic, err)
	}

	s.labelMu.Lock()
	s.labels[topic] = label
	s.labelMu.Unlock()
	return label, nil
}

func (s *Store) dropCachedLabel(topics ...string) {
	s.labelMu.Lock()
	for _, t := range topics {
		delete(s.labels, t)
	}
	s.labelMu.Unlock()
}

func (s *Store) successorName(topic string, next int32) string {
	return fmt.Sprintf("%s_%d", topic, next)
}

func (s *Store) historyName(topic string, next int32) string {
	return fmt.Sprintf("%s_h_%d", topic, next)
}

// beginRollover is the writer side of generation rollover: mark the
// saturated directory with the lock sentinel and create the successor
// the reader will promote. Returns the successor directory name, which
// accepts appends immediately.
func (s *Store) beginRollover(topic string) (string, error) {
	label, err := s.Label(topic)
	if err != nil {
		return "", err
	}
	next := label + 1
	succ := s.successorName(topic, next)

	lockPath := s.topicFile(topic, types.FileLock)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", types.CreateFailedf("create sentinel %s: %v", lockPath, err)
	}
	if err := lf.Close(); err != nil {
		return "", types.IoErrorf("close sentinel %s: %v", lockPath, err)
	}

	if err := os.MkdirAll(s.topicPath(succ), 0o755); err != nil {
		return "", types.CreateFailedf("create successor %s: %v", succ, err)
	}
	if err := os.WriteFile(s.topicFile(succ, types.FileLabel), util.PackInt32(next), 0o644); err != nil {
		return "", types.IoErrorf("write label of %s: %v", succ, err)
	}
	s.dropCachedLabel(succ)
	return succ, nil
}

// rolloverReader is the reader side: retire the drained generation and
// promote its successor. promoted=false means no successor exists yet.
func (s *Store) rolloverReader(topic string) (bool, error) {
	label, err := s.Label(topic)
	if err != nil {
		return false, err
	}
	next := label + 1
	succ := s.successorName(topic, next)

	if info, err := os.Stat(s.topicPath(succ)); err != nil || !info.IsDir() {
		return false, nil
	}

	rootLock := s.rootLockPath(topic)
	lf, err := os.OpenFile(rootLock, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, types.CreateFailedf("create sentinel %s: %v", rootLock, err)
	}
	if err := lf.Close(); err != nil {
		return false, types.IoErrorf("close sentinel %s: %v", rootLock, err)
	}
	defer func() {
		if err := os.Remove(rootLock); err != nil && !os.IsNotExist(err) {
			util.Error("remove sentinel %s: %v", rootLock, err)
		}
	}()

	// every cached descriptor points into directories about to move
	s.ReleaseTopic(topic)
	s.ReleaseTopic(succ)

	if err := s.changeTopicStore(topic, next); err != nil {
		return false, err
	}

	s.dropCachedLabel(topic, succ)
	metrics.Rollovers.Inc()
	util.Info("topic %s promoted to generation %d", topic, next)
	return true, nil
}

// changeTopicStore performs the rename chain that swaps the successor
// in. Any failure unwinds the completed renames in LIFO order so the
// directory tree lands in either the old or the new layout, never
// in between.
func (s *Store) changeTopicStore(topic string, next int32) error {
	topicPath := s.topicPath(topic)
	histPath := s.topicPath(s.historyName(topic, next))
	succPath := s.topicPath(s.successorName(topic, next))

	type step struct {
		from, to string
	}
	var done []step

	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			if err := os.Rename(done[i].to, done[i].from); err != nil {
				util.Error("rollback rename %s -> %s: %v", done[i].to, done[i].from, err)
			}
		}
	}

	rename := func(from, to string) error {
		if err := os.Rename(from, to); err != nil {
			rollback()
			return types.IoErrorf("rename %s -> %s: %v", from, to, err)
		}
		done = append(done, step{from, to})
		return nil
	}

	moveIfPresent := func(name string) error {
		from := filepath.Join(histPath, name)
		if _, err := os.Stat(from); os.IsNotExist(err) {
			return nil
		}
		return rename(from, filepath.Join(succPath, name))
	}

	if err := rename(topicPath, histPath); err != nil {
		return err
	}
	if err := moveIfPresent(types.FileDelayMessage); err != nil {
		return err
	}
	if err := moveIfPresent(types.FileDelayRead); err != nil {
		return err
	}
	return rename(succPath, topicPath)
}
