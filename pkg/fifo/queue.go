// Package fifo exposes the durable file-backed queue: named topics,
// immediate and time-delayed messages, and a single externally
// advanced consumer cursor per topic. All coordination between
// processes sharing a root directory happens inside pkg/disk.
package fifo

import (
	"sync"

	"github.com/downfa11-org/filemq/pkg/config"
	"github.com/downfa11-org/filemq/pkg/disk"
	"github.com/downfa11-org/filemq/pkg/metrics"
	"github.com/downfa11-org/filemq/pkg/types"
	"github.com/downfa11-org/filemq/util"
)

// DefaultTopic receives messages pushed without an explicit topic.
const DefaultTopic = "default"

// Queue is the topic façade over one root directory. A Queue does not
// serialize its own calls: concurrent calls on one Queue share its
// cached descriptors, and advisory locks taken on a shared descriptor
// do not exclude each other. Many Queues (and many processes) may share
// one root; each Queue opens its own descriptors, so their advisory
// locks serialize them.
type Queue struct {
	cfg   *config.Config
	store *disk.Store

	bufMu  sync.Mutex
	buffer map[string][]types.Item
}

func New(cfg *config.Config) (*Queue, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	util.SetLevel(cfg.LogLevel)

	store, err := disk.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Queue{
		cfg:    cfg,
		store:  store,
		buffer: make(map[string][]types.Item),
	}, nil
}

// Store exposes the underlying engine. Public method for testing.
func (q *Queue) Store() *disk.Store {
	return q.store
}

// Push enqueues one payload. A positive delay routes it through the
// delay log; it becomes visible once due and a reader promotes it.
func (q *Queue) Push(payload []byte, delay int, topic string) error {
	return q.PushMulti([]types.Item{{Payload: payload, Delay: delay}}, topic)
}

// PushMulti enqueues a batch. Immediate items keep their argument
// order in sequence space; delayed items go to the delay log.
func (q *Queue) PushMulti(items []types.Item, topic string) error {
	if topic == "" {
		topic = DefaultTopic
	}

	var immediate [][]byte
	var delayed []types.Item
	for _, item := range items {
		if item.Delay > 0 {
			delayed = append(delayed, item)
		} else {
			immediate = append(immediate, item.Payload)
		}
	}

	if len(immediate) > 0 {
		if _, err := q.store.Append(topic, immediate); err != nil {
			return err
		}
	}
	if len(delayed) > 0 {
		if err := q.store.WriteDelay(topic, delayed); err != nil {
			return err
		}
	}
	return nil
}

// SetMessage buffers one item in memory for a later Send.
func (q *Queue) SetMessage(payload []byte, delay int, topic string) {
	if topic == "" {
		topic = DefaultTopic
	}
	q.bufMu.Lock()
	q.buffer[topic] = append(q.buffer[topic], types.Item{Payload: payload, Delay: delay})
	q.bufMu.Unlock()
}

// Send flushes buffered items. Without arguments every buffered topic
// flushes; with arguments only the named ones do. Items that fail to
// flush are returned to the buffer.
func (q *Queue) Send(topics ...string) error {
	q.bufMu.Lock()
	pending := make(map[string][]types.Item)
	if len(topics) == 0 {
		for topic, items := range q.buffer {
			pending[topic] = items
			delete(q.buffer, topic)
		}
	} else {
		for _, topic := range topics {
			if topic == "" {
				topic = DefaultTopic
			}
			if items, ok := q.buffer[topic]; ok {
				pending[topic] = items
				delete(q.buffer, topic)
			}
		}
	}
	q.bufMu.Unlock()

	var firstErr error
	for topic, items := range pending {
		if firstErr == nil {
			if firstErr = q.PushMulti(items, topic); firstErr == nil {
				continue
			}
		}
		q.bufMu.Lock()
		q.buffer[topic] = append(items, q.buffer[topic]...)
		q.bufMu.Unlock()
	}
	return firstErr
}

// Pop removes and returns the next message, or nil when the topic is
// drained. With ignoreErr any engine error is swallowed and nil
// returned instead.
func (q *Queue) Pop(topic string, ignoreErr bool) (*types.Message, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	msg, err := q.store.Pop(topic)
	if err != nil {
		if ignoreErr {
			util.Debug("pop %s suppressed: %v", topic, err)
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// GetQueue reads up to limit messages starting at offset without
// touching the consumer cursor.
func (q *Queue) GetQueue(offset int64, limit int, topic string) ([]types.Message, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	return q.store.ReadRange(topic, offset, limit)
}

// GetMessage reads the single message at offset, or nil.
func (q *Queue) GetMessage(offset int64, topic string) (*types.Message, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	return q.store.ReadOne(topic, offset)
}

// Length returns the backlog between the consumer cursor and the last
// stored message, promoting matured delay records first.
func (q *Queue) Length(topic string) (int64, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	max, err := q.store.MaxOffset(topic, true)
	if err != nil {
		return 0, err
	}
	cur, err := q.store.CurrentOffset(topic, true)
	if err != nil {
		return 0, err
	}
	length := max - cur
	if length < 0 {
		length = 0
	}
	metrics.QueueLength.WithLabelValues(topic).Set(float64(length))
	return length, nil
}

func (q *Queue) MaxOffset(topic string, fromStart bool) (int64, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	return q.store.MaxOffset(topic, fromStart)
}

func (q *Queue) CurrentOffset(topic string, fromStart bool) (int64, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	return q.store.CurrentOffset(topic, fromStart)
}

// Label returns the topic's generation counter.
func (q *Queue) Label(topic string) (int32, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	return q.store.Label(topic)
}

// Delete removes a topic and everything stored under it.
func (q *Queue) Delete(topic string) error {
	if topic == "" {
		topic = DefaultTopic
	}
	q.bufMu.Lock()
	delete(q.buffer, topic)
	q.bufMu.Unlock()
	return q.store.Delete(topic)
}

// Release closes every cached file handle. The Queue stays usable;
// handles reopen on demand.
func (q *Queue) Release() {
	q.store.Release()
}
