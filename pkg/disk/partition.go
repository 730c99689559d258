package disk

import (
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

var stemIndexPattern = regexp.MustCompile(`^(\d{10})\.index$`)

// currentPartition resolves the segment an append of count messages
// goes into. When the active generation is saturated it redirects the
// append into a freshly created successor directory, so the returned
// directory name may differ from topic. Bounded at one redirect: a
// batch too large for an empty generation cannot succeed.
func (s *Store) currentPartition(topic string, count int) (string, int64, error) {
	if int64(count) > s.labelSize {
		return "", 0, types.CreateFailedf("batch of %d exceeds generation capacity %d", count, s.labelSize)
	}
	dir := topic
	for attempt := 0; attempt < 2; attempt++ {
		stem, saturated, err := s.pickSegment(dir, count)
		if err != nil {
			return "", 0, err
		}
		if !saturated {
			return dir, stem, nil
		}
		if attempt > 0 {
			break
		}
		succ, err := s.beginRollover(dir)
		if err != nil {
			return "", 0, err
		}
		util.Info("topic %s saturated, appending into successor %s", dir, succ)
		dir = succ
	}
	return "", 0, types.CreateFailedf("batch of %d exceeds generation capacity %d", count, s.labelSize)
}

// pickSegment returns the current segment start of dir, or
// saturated=true when the generation cannot hold count more messages.
func (s *Store) pickSegment(dir string, count int) (int64, bool, error) {
	lockPath := s.topicFile(dir, types.FileLock)
	for i := 0; ; i++ {
		if _, err := os.Stat(lockPath); os.IsNotExist(err) {
			break
		}
		if i >= sentinelRetries {
			return 0, false, types.CreateFailedf("rollover sentinel for %s held too long", dir)
		}
		time.Sleep(sentinelDelay)
	}

	piPath := s.topicFile(dir, types.FilePartitionIndex)
	if _, err := os.Stat(piPath); os.IsNotExist(err) {
		if err := os.MkdirAll(s.topicPath(dir), 0o755); err != nil {
			return 0, false, types.CreateFailedf("create topic %s: %v", dir, err)
		}
	}

	f, err := s.writePool.Get(dir, types.RolePartitionIndex, piPath, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return 0, false, types.IoErrorf("open %s: %v", piPath, err)
	}
	if err := lockFile(f); err != nil {
		return 0, false, types.IoErrorf("lock %s: %v", piPath, err)
	}

	stem, saturated, err := s.pickSegmentLocked(dir, f, count)
	if uerr := unlockFile(f); uerr != nil && err == nil {
		err = types.IoErrorf("unlock %s: %v", piPath, uerr)
	}
	return stem, saturated, err
}

func (s *Store) pickSegmentLocked(dir string, f *os.File, count int) (int64, bool, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, false, types.IoErrorf("stat partition index of %s: %v", dir, err)
	}
	size := info.Size()

	if size%4 != 0 {
		util.Warn("partition index of %s torn (%d bytes), rebuilding", dir, size)
		if size, err = s.rebuildManifestLocked(dir, f); err != nil {
			return 0, false, err
		}
	}
	if size == 0 {
		if _, err := f.WriteAt(util.PackInt32(0), 0); err != nil {
			return 0, false, types.IoErrorf("seed partition index of %s: %v", dir, err)
		}
		return 0, false, nil
	}

	curStart, err := util.ReadInt32At(f, size-4)
	if err != nil {
		return 0, false, types.IoErrorf("read partition index tail of %s: %v", dir, err)
	}
	stem := int64(curStart)

	dinfo, err := os.Stat(s.datPath(dir, stem))
	if os.IsNotExist(err) {
		return stem, false, nil
	}
	if err != nil {
		return 0, false, types.IoErrorf("stat segment %s of %s: %v", stemName(stem), dir, err)
	}

	var records int64
	if iinfo, err := os.Stat(s.indexPath(dir, stem)); err == nil {
		records = iinfo.Size() / 4
	}
	lastSeq := stem + records

	if lastSeq+int64(count) > s.labelSize {
		return 0, true, nil
	}

	if dinfo.Size() > s.partitionSize {
		if _, err := f.WriteAt(util.PackInt32(int32(lastSeq)), size); err != nil {
			return 0, false, types.IoErrorf("append partition index entry for %s: %v", dir, err)
		}
		util.Debug("topic %s rotated segment at sequence %d", dir, lastSeq)
		return lastSeq, false, nil
	}
	return stem, false, nil
}

// loadManifest returns every segment start sequence of topic in
// ascending order, rebuilding a missing or torn partitionIndex from
// the on-disk .index files first. An empty topic yields no entries.
func (s *Store) loadManifest(topic string) ([]int64, error) {
	piPath := s.topicFile(topic, types.FilePartitionIndex)

	info, err := os.Stat(piPath)
	if os.IsNotExist(err) {
		stems, serr := s.scanStems(topic)
		if serr != nil || len(stems) == 0 {
			return nil, serr
		}
		util.Warn("partition index of %s missing with %d segments on disk, rebuilding", topic, len(stems))
		if err := s.RepairPartitionIndex(topic); err != nil {
			return nil, err
		}
		if info, err = os.Stat(piPath); err != nil {
			return nil, types.IoErrorf("stat %s: %v", piPath, err)
		}
	} else if err != nil {
		return nil, types.IoErrorf("stat %s: %v", piPath, err)
	} else if info.Size()%4 != 0 {
		util.Warn("partition index of %s torn (%d bytes), rebuilding", topic, info.Size())
		if err := s.RepairPartitionIndex(topic); err != nil {
			return nil, err
		}
		if info, err = os.Stat(piPath); err != nil {
			return nil, types.IoErrorf("stat %s: %v", piPath, err)
		}
	}

	f, err := s.readPool.Get(topic, types.RolePartitionIndex, piPath, os.O_RDONLY)
	if err != nil {
		return nil, types.IoErrorf("open %s: %v", piPath, err)
	}

	n := info.Size() / 4
	entries := make([]int64, 0, n)
	for i := int64(0); i < n; i++ {
		v, err := util.ReadInt32At(f, i*4)
		if err != nil {
			return nil, types.IoErrorf("read partition index entry %d of %s: %v", i, topic, err)
		}
		entries = append(entries, int64(v))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i] <= entries[i-1] {
			return nil, types.FileErrorf("partition index of %s not ascending at entry %d", topic, i)
		}
	}
	return entries, nil
}

// findSegment locates the manifest entry whose segment contains offset.
func findSegment(entries []int64, offset int64) int {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i] > offset
	})
	if idx > 0 {
		return idx - 1
	}
	return 0
}

// RepairPartitionIndex rebuilds the manifest from the sorted set of
// on-disk .index files.
func (s *Store) RepairPartitionIndex(topic string) error {
	stems, err := s.scanStems(topic)
	if err != nil {
		return err
	}

	piPath := s.topicFile(topic, types.FilePartitionIndex)
	f, err := s.writePool.Get(topic, types.RolePartitionIndex, piPath, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return types.IoErrorf("open %s: %v", piPath, err)
	}
	if err := lockFile(f); err != nil {
		return types.IoErrorf("lock %s: %v", piPath, err)
	}
	defer func() {
		if err := unlockFile(f); err != nil {
			util.Error("unlock %s: %v", piPath, err)
		}
	}()

	buf := make([]byte, 0, len(stems)*4)
	for _, stem := range stems {
		buf = append(buf, util.PackInt32(int32(stem))...)
	}
	if err := f.Truncate(0); err != nil {
		return types.IoErrorf("truncate %s: %v", piPath, err)
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return types.IoErrorf("rewrite %s: %v", piPath, err)
	}

	metrics.ManifestRepairs.Inc()
	util.Info("partition index of %s rebuilt with %d segments", topic, len(stems))
	return nil
}

// rebuildManifestLocked rewrites a torn manifest through the already
// locked write handle and returns the new size.
func (s *Store) rebuildManifestLocked(topic string, f *os.File) (int64, error) {
	stems, err := s.scanStems(topic)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 0, len(stems)*4)
	for _, stem := range stems {
		buf = append(buf, util.PackInt32(int32(stem))...)
	}
	if err := f.Truncate(0); err != nil {
		return 0, types.IoErrorf("truncate partition index of %s: %v", topic, err)
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return 0, types.IoErrorf("rewrite partition index of %s: %v", topic, err)
	}
	metrics.ManifestRepairs.Inc()
	return int64(len(buf)), nil
}

// scanStems lists the start sequences of every segment present on disk.
func (s *Store) scanStems(topic string) ([]int64, error) {
	dirents, err := os.ReadDir(s.topicPath(topic))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.IoErrorf("scan topic %s: %v", topic, err)
	}

	var stems []int64
	for _, e := range dirents {
		m := stemIndexPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		stem, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		stems = append(stems, stem)
	}
	sort.Slice(stems, func(i, j int) bool { return stems[i] < stems[j] })
	return stems, nil
}
