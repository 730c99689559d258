package fifo_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/downfa11-org/filemq/pkg/config"
	"github.com/downfa11-org/filemq/pkg/fifo"
	"github.com/downfa11-org/filemq/pkg/types"
)

func newQueue(t *testing.T, folder string, labelSize int64) *fifo.Queue {
	t.Helper()
	cfg := &config.Config{
		Folder:          folder,
		PartitionSizeMB: 1,
		LabelSize:       labelSize,
	}
	q, err := fifo.New(cfg)
	require.NoError(t, err)
	t.Cleanup(q.Release)
	return q
}

func TestPushPopBasic(t *testing.T) {
	q := newQueue(t, t.TempDir(), 0)
	topic := "t-" + uuid.NewString()[:8]

	for _, payload := range []string{"a", "bb", "ccc"} {
		require.NoError(t, q.Push([]byte(payload), 0, topic))
	}

	length, err := q.Length(topic)
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	for i, want := range []string{"a", "bb", "ccc"} {
		msg, err := q.Pop(topic, false)
		require.NoError(t, err)
		require.NotNil(t, msg, "pop %d", i)
		assert.Equal(t, want, string(msg.Payload))
		assert.Equal(t, int32(i), msg.Seq)
	}

	msg, err := q.Pop(topic, false)
	require.NoError(t, err)
	assert.Nil(t, msg)

	length, err = q.Length(topic)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestLengthEqualsMaxMinusCurrent(t *testing.T) {
	q := newQueue(t, t.TempDir(), 0)

	require.NoError(t, q.Push([]byte("x"), 0, "t"))
	require.NoError(t, q.Push([]byte("y"), 0, "t"))
	_, err := q.Pop("t", false)
	require.NoError(t, err)

	length, err := q.Length("t")
	require.NoError(t, err)
	max, err := q.MaxOffset("t", true)
	require.NoError(t, err)
	cur, err := q.CurrentOffset("t", true)
	require.NoError(t, err)
	assert.Equal(t, max-cur, length)
	assert.Equal(t, int64(1), length)
}

func TestGetQueueAcrossSegments(t *testing.T) {
	q := newQueue(t, t.TempDir(), 0)

	// batches big enough to force several segment rotations
	const total = 200000
	const batchSize = 20000
	for b := 0; b < total/batchSize; b++ {
		items := make([]types.Item, batchSize)
		for i := range items {
			items[i] = types.Item{Payload: []byte(fmt.Sprintf("%08d", b*batchSize+i))}
		}
		require.NoError(t, q.PushMulti(items, "big"))
	}

	max, err := q.MaxOffset("big", false)
	require.NoError(t, err)
	assert.Equal(t, int64(total), max)

	for _, k := range []int64{0, 50000, 199999} {
		msg, err := q.GetMessage(k, "big")
		require.NoError(t, err)
		require.NotNil(t, msg, "offset %d", k)
		assert.Equal(t, fmt.Sprintf("%08d", k), string(msg.Payload))
		assert.Equal(t, int32(k), msg.Seq)
	}
}

func TestBufferedSend(t *testing.T) {
	q := newQueue(t, t.TempDir(), 0)

	q.SetMessage([]byte("one"), 0, "t")
	q.SetMessage([]byte("two"), 0, "t")
	q.SetMessage([]byte("other"), 0, "u")

	// nothing flushed yet
	length, err := q.Length("t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	require.NoError(t, q.Send("t"))
	length, err = q.Length("t")
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	length, err = q.Length("u")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	require.NoError(t, q.Send())
	length, err = q.Length("u")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestPopIgnoreErrorSwallows(t *testing.T) {
	dir := t.TempDir()
	q := newQueue(t, dir, 0)

	require.NoError(t, q.Push([]byte("payload"), 0, "t"))

	// corrupt the record so the fetch fails structurally
	datPath := filepath.Join(dir, "t", "0000000000.dat")
	data, err := os.ReadFile(datPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(datPath, data, 0o644))

	_, err = q.Pop("t", false)
	require.Error(t, err)

	msg, err := q.Pop("t", true)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestCrashRecoveryRebuildsManifest(t *testing.T) {
	dir := t.TempDir()
	q := newQueue(t, dir, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push([]byte(fmt.Sprintf("m%d", i)), 0, "t"))
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "t", "partitionIndex")))
	q.Release()

	length, err := q.Length("t")
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	for i := 0; i < 5; i++ {
		msg, err := q.Pop("t", false)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(msg.Payload))
	}
}

func TestGenerationRolloverFacade(t *testing.T) {
	dir := t.TempDir()
	q := newQueue(t, dir, 10)

	for i := 0; i < 11; i++ {
		require.NoError(t, q.Push([]byte(fmt.Sprintf("m%d", i)), 0, "t"))
	}

	_, err := os.Stat(filepath.Join(dir, "t_1"))
	require.NoError(t, err, "successor directory should exist")

	var popped []string
	for {
		msg, err := q.Pop("t", false)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		popped = append(popped, string(msg.Payload))
	}
	require.Len(t, popped, 11)
	assert.Equal(t, "m10", popped[10])

	cur, err := q.CurrentOffset("t", true)
	require.NoError(t, err)
	assert.Equal(t, int64(11), cur)

	label, err := q.Label("t")
	require.NoError(t, err)
	assert.Equal(t, int32(1), label)
}

func TestConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	topic := "shared"

	// two independent queue instances share the directory, so every
	// append serializes on the advisory index lock alone
	q1 := newQueue(t, dir, 0)
	q2 := newQueue(t, dir, 0)

	const perWriter = 1000
	g, _ := errgroup.WithContext(context.Background())
	for w, q := range map[int]*fifo.Queue{1: q1, 2: q2} {
		w, q := w, q
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				if err := q.Push([]byte(fmt.Sprintf("w%d-%04d", w, i)), 0, topic); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	length, err := q1.Length(topic)
	require.NoError(t, err)
	assert.Equal(t, int64(2*perWriter), length)

	seen := make(map[string]bool, 2*perWriter)
	var lastSeq int32 = -1
	for {
		msg, err := q1.Pop(topic, false)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		require.Greater(t, msg.Seq, lastSeq, "sequences must ascend")
		lastSeq = msg.Seq
		require.False(t, seen[string(msg.Payload)], "payload %q delivered twice", msg.Payload)
		seen[string(msg.Payload)] = true
	}
	assert.Len(t, seen, 2*perWriter)
	assert.Equal(t, int32(2*perWriter-1), lastSeq)
}

func TestSharedCursorCoversSequenceOnce(t *testing.T) {
	dir := t.TempDir()
	q1 := newQueue(t, dir, 0)
	q2 := newQueue(t, dir, 0)

	const total = 200
	items := make([]types.Item, total)
	for i := range items {
		items[i] = types.Item{Payload: []byte(fmt.Sprintf("%04d", i))}
	}
	require.NoError(t, q1.PushMulti(items, "t"))

	var mu sync.Mutex
	seen := make(map[string]int)

	g, _ := errgroup.WithContext(context.Background())
	for _, q := range []*fifo.Queue{q1, q2} {
		q := q
		g.Go(func() error {
			for {
				msg, err := q.Pop("t", false)
				if err != nil {
					return err
				}
				if msg == nil {
					return nil
				}
				mu.Lock()
				seen[string(msg.Payload)]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, seen, total)
	for payload, count := range seen {
		assert.Equal(t, 1, count, "payload %s", payload)
	}
}

func TestDelayThroughFacade(t *testing.T) {
	q := newQueue(t, t.TempDir(), 0)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	q.Store().SetNowFunc(func() time.Time { return at })

	require.NoError(t, q.Push([]byte("delayed"), 1, "t"))

	msg, err := q.Pop("t", false)
	require.NoError(t, err)
	assert.Nil(t, msg)

	at = at.Add(2 * time.Second)
	msg, err = q.Pop("t", false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "delayed", string(msg.Payload))
}

func TestDeleteTopic(t *testing.T) {
	dir := t.TempDir()
	q := newQueue(t, dir, 0)

	require.NoError(t, q.Push([]byte("gone"), 0, "t"))
	require.NoError(t, q.Delete("t"))

	if _, err := os.Stat(filepath.Join(dir, "t")); !os.IsNotExist(err) {
		t.Fatalf("topic directory survived delete, stat err = %v", err)
	}

	length, err := q.Length("t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}
