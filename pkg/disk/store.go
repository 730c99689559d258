package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/downfa11-org/filemq/pkg/config"
	"github.com/downfa11-org/filemq/pkg/types"
)

// Retry budgets. Every sentinel spin and retry loop is bounded: an
// exhausted sentinel wait surfaces as CreateFailed, an exhausted retry
// loop returns the last error it saw.
const (
	sentinelRetries = 500
	sentinelDelay   = 10 * time.Millisecond

	writeRetries = 100

	readRetries = 500
	readDelay   = time.Millisecond

	rolloverRetries = 100
	rolloverDelay   = 10 * time.Millisecond

	renameRetries = 100

	rebuildPolls        = 14
	rebuildBackoffStart = time.Microsecond
)

// Store is the per-root engine state: the topic directories live under
// folder, and the two handle pools cache descriptors per (topic, role).
// All cross-process coordination goes through advisory locks, sentinel
// files and atomic renames; the store itself holds no global locks.
type Store struct {
	folder        string
	partitionSize int64 // segment .dat byte cap
	labelSize     int64 // per-generation sequence capacity

	readPool  *Cache
	writePool *Cache

	labelMu sync.Mutex
	labels  map[string]int32

	now func() time.Time
}

func NewStore(cfg *config.Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Folder, 0o755); err != nil {
		return nil, types.CreateFailedf("create root %s: %v", cfg.Folder, err)
	}
	return &Store{
		folder:        cfg.Folder,
		partitionSize: cfg.PartitionBytes(),
		labelSize:     cfg.LabelSize,
		readPool:      NewCache(),
		writePool:     NewCache(),
		labels:        make(map[string]int32),
		now:           time.Now,
	}, nil
}

// SetNowFunc replaces the store clock. Public method for testing.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Release closes every cached descriptor in both pools.
func (s *Store) Release() {
	s.readPool.Close("", "")
	s.writePool.Close("", "")
}

// ReleaseTopic closes the cached descriptors of one topic.
func (s *Store) ReleaseTopic(topic string) {
	s.readPool.Close(topic, "")
	s.writePool.Close(topic, "")
}

// Delete removes a topic directory and any root-level sentinel of it.
func (s *Store) Delete(topic string) error {
	s.ReleaseTopic(topic)
	s.labelMu.Lock()
	delete(s.labels, topic)
	s.labelMu.Unlock()

	if err := os.RemoveAll(s.topicPath(topic)); err != nil {
		return types.IoErrorf("remove topic %s: %v", topic, err)
	}
	if err := os.Remove(s.rootLockPath(topic)); err != nil && !os.IsNotExist(err) {
		return types.IoErrorf("remove sentinel for %s: %v", topic, err)
	}
	return nil
}

func (s *Store) topicPath(topic string) string {
	return filepath.Join(s.folder, topic)
}

func (s *Store) topicFile(topic, name string) string {
	return filepath.Join(s.folder, topic, name)
}

func (s *Store) rootLockPath(topic string) string {
	return filepath.Join(s.folder, topic+".lock")
}

func stemName(seq int64) string {
	return fmt.Sprintf("%010d", seq)
}

func (s *Store) datPath(topic string, stem int64) string {
	return s.topicFile(topic, stemName(stem)+".dat")
}

func (s *Store) indexPath(topic string, stem int64) string {
	return s.topicFile(topic, stemName(stem)+".index")
}
