package wal

import (
	"context"
	"sync"

	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/types"
)

// MemoryStream is an in-process Stream for tests and local development.
// It provides the same ordering and consumer-group semantics as the
// durable backends; all data is lost on process exit.
type MemoryStream struct {
	mu            sync.Mutex
	numPartitions int32
	topics        map[string][]*memPartition
	committed     map[groupKey]map[int32]int64
	notify        map[string]chan struct{}
	connected     bool
}

type memPartition struct {
	records []*Record
}

type groupKey struct {
	topic string
	group string
}

// NewMemoryStream builds an in-memory stream with the given partition
// count per topic.
func NewMemoryStream(numPartitions int32) *MemoryStream {
	if numPartitions <= 0 {
		numPartitions = DefaultNumPartitions
	}
	return &MemoryStream{
		numPartitions: numPartitions,
		topics:        make(map[string][]*memPartition),
		committed:     make(map[groupKey]map[int32]int64),
		notify:        make(map[string]chan struct{}),
	}
}

func (s *MemoryStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.topics = make(map[string][]*memPartition)
	s.committed = make(map[groupKey]map[int32]int64)
	for _, ch := range s.notify {
		close(ch)
	}
	s.notify = make(map[string]chan struct{})
	return nil
}

func (s *MemoryStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// partitions returns the topic's partition slice, creating it on first
// use. Caller holds s.mu.
func (s *MemoryStream) partitions(topic string) []*memPartition {
	parts, ok := s.topics[topic]
	if !ok {
		parts = make([]*memPartition, s.numPartitions)
		for i := range parts {
			parts[i] = &memPartition{}
		}
		s.topics[topic] = parts
	}
	return parts
}

// waitCh returns the channel closed on the topic's next append.
// Caller holds s.mu.
func (s *MemoryStream) waitCh(topic string) chan struct{} {
	ch, ok := s.notify[topic]
	if !ok {
		ch = make(chan struct{})
		s.notify[topic] = ch
	}
	return ch
}

func (s *MemoryStream) Append(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (StreamPos, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return StreamPos{}, types.WrapErr(types.CodeConnection, ErrNotConnected, "append to %s", topic)
	}

	partition := partitionForKey(key, s.numPartitions)
	part := s.partitions(topic)[partition]

	pos := StreamPos{
		Topic:       topic,
		Partition:   partition,
		Offset:      int64(len(part.records)),
		TimestampMS: types.NowMS(),
	}
	rec := &Record{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Position: pos,
		Headers:  copyHeaders(headers),
	}
	part.records = append(part.records, rec)

	// Wake blocked subscribers.
	if ch, ok := s.notify[topic]; ok {
		close(ch)
		delete(s.notify, topic)
	}
	return pos, nil
}

func (s *MemoryStream) Subscribe(ctx context.Context, topic, group string, start *StreamPos) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "subscribe %s/%s", topic, group)
	}

	next := make(map[int32]int64, s.numPartitions)
	committed := s.committed[groupKey{topic, group}]
	for p := int32(0); p < s.numPartitions; p++ {
		if start != nil && start.Partition == p {
			next[p] = start.Offset + 1
			continue
		}
		next[p] = committed[p]
	}

	clog := log.WithComponent("wal")
	clog.Debug().
		Str("topic", topic).
		Str("group", group).
		Msg("In-memory subscription started")

	return &memorySubscription{stream: s, topic: topic, group: group, next: next}, nil
}

func (s *MemoryStream) Positions(ctx context.Context, topic, group string) (map[int32]StreamPos, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int32]StreamPos)
	for partition, offset := range s.committed[groupKey{topic, group}] {
		out[partition] = StreamPos{
			Topic:       topic,
			Partition:   partition,
			Offset:      offset,
			TimestampMS: types.NowMS(),
		}
	}
	return out, nil
}

// AllRecords returns every record of a topic in partition order.
// Testing helper.
func (s *MemoryStream) AllRecords(topic string) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, part := range s.topics[topic] {
		out = append(out, part.records...)
	}
	return out
}

// RecordCount returns the total record count of a topic. Testing helper.
func (s *MemoryStream) RecordCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, part := range s.topics[topic] {
		n += len(part.records)
	}
	return n
}

// ClearTopic drops a topic's records. Testing helper.
func (s *MemoryStream) ClearTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

type memorySubscription struct {
	stream *MemoryStream
	topic  string
	group  string

	mu     sync.Mutex
	next   map[int32]int64
	cursor int32
	closed bool
}

// Next returns the next unread record, blocking until one is appended
// or the context ends. Partitions are drained fairly via a rotating
// cursor.
func (m *memorySubscription) Next(ctx context.Context) (*Record, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		m.stream.mu.Lock()
		if !m.stream.connected {
			m.stream.mu.Unlock()
			m.mu.Unlock()
			return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "next on %s/%s", m.topic, m.group)
		}
		parts := m.stream.partitions(m.topic)
		n := int32(len(parts))
		for i := int32(0); i < n; i++ {
			p := (m.cursor + i) % n
			part := parts[p]
			if off := m.next[p]; off < int64(len(part.records)) {
				rec := part.records[off]
				m.next[p] = off + 1
				m.cursor = (p + 1) % n
				m.stream.mu.Unlock()
				m.mu.Unlock()
				return rec, nil
			}
		}
		ch := m.stream.waitCh(m.topic)
		m.stream.mu.Unlock()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Commit records the group's progress past rec. The stored offset is
// the next offset the group will consume.
func (m *memorySubscription) Commit(ctx context.Context, rec *Record) error {
	m.stream.mu.Lock()
	defer m.stream.mu.Unlock()

	key := groupKey{m.topic, m.group}
	committed, ok := m.stream.committed[key]
	if !ok {
		committed = make(map[int32]int64)
		m.stream.committed[key] = committed
	}
	if next := rec.Position.Offset + 1; next > committed[rec.Position.Partition] {
		committed[rec.Position.Partition] = next
	}
	return nil
}

func (m *memorySubscription) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyHeaders(h map[string][]byte) map[string][]byte {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(h))
	for k, v := range h {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
