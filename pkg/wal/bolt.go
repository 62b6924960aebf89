package wal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/types"
)

var (
	// Bucket names
	bucketMeta    = []byte("meta")
	bucketRecords = []byte("records")
	bucketGroups  = []byte("groups")

	keyNumPartitions = []byte("num_partitions")
)

// BoltStream is a single-file durable Stream for single-node installs
// and development. Records live in one nested bucket per
// topic/partition with monotonically increasing offsets; consumer
// group positions are persisted so consumption resumes across restarts.
type BoltStream struct {
	path          string
	numPartitions int32

	mu     sync.Mutex
	db     *bolt.DB
	notify map[string]chan struct{}
}

// NewBoltStream builds a bolt-backed stream at path. The partition
// count is persisted on first open; later opens reuse the stored value
// so key hashing stays stable.
func NewBoltStream(path string, numPartitions int32) *BoltStream {
	if numPartitions <= 0 {
		numPartitions = DefaultNumPartitions
	}
	return &BoltStream{
		path:          path,
		numPartitions: numPartitions,
		notify:        make(map[string]chan struct{}),
	}
}

func (s *BoltStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create wal directory: %w", err)
	}
	db, err := bolt.Open(s.path, 0o600, nil)
	if err != nil {
		return types.WrapErr(types.CodeConnection, err, "failed to open wal database %s", s.path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRecords, err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketGroups); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketGroups, err)
		}

		if stored := meta.Get(keyNumPartitions); stored != nil {
			s.numPartitions = int32(binary.BigEndian.Uint64(stored))
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(s.numPartitions))
		return meta.Put(keyNumPartitions, buf[:])
	})
	if err != nil {
		db.Close()
		return err
	}

	s.db = db
	clog := log.WithComponent("wal")
	clog.Info().
		Str("path", s.path).
		Int32("partitions", s.numPartitions).
		Msg("Bolt WAL opened")
	return nil
}

func (s *BoltStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	for _, ch := range s.notify {
		close(ch)
	}
	s.notify = make(map[string]chan struct{})
	return err
}

func (s *BoltStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// boltRecord is the stored envelope. Position fields are derived from
// the bucket name and key on read.
type boltRecord struct {
	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	TimestampMS int64             `json:"timestamp_ms"`
	Headers     map[string][]byte `json:"headers,omitempty"`
}

func partitionBucketName(topic string, partition int32) []byte {
	return []byte(fmt.Sprintf("%s/%d", topic, partition))
}

func groupPositionKey(group, topic string, partition int32) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", group, topic, partition))
}

func offsetKey(offset int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return buf[:]
}

func (s *BoltStream) Append(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (StreamPos, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return StreamPos{}, types.WrapErr(types.CodeConnection, ErrNotConnected, "append to %s", topic)
	}

	partition := partitionForKey(key, s.numPartitions)
	pos := StreamPos{Topic: topic, Partition: partition, TimestampMS: types.NowMS()}

	err := db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		part, err := records.CreateBucketIfNotExists(partitionBucketName(topic, partition))
		if err != nil {
			return fmt.Errorf("failed to create partition bucket: %w", err)
		}
		seq, err := part.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate offset: %w", err)
		}
		pos.Offset = int64(seq - 1)

		data, err := json.Marshal(boltRecord{
			Key:         key,
			Value:       value,
			TimestampMS: pos.TimestampMS,
			Headers:     headers,
		})
		if err != nil {
			return err
		}
		return part.Put(offsetKey(pos.Offset), data)
	})
	if err != nil {
		return StreamPos{}, types.WrapErr(types.CodeConnection, err, "failed to append to %s", topic)
	}

	s.mu.Lock()
	if ch, ok := s.notify[topic]; ok {
		close(ch)
		delete(s.notify, topic)
	}
	s.mu.Unlock()
	return pos, nil
}

// waitCh returns the channel closed on the topic's next append.
func (s *BoltStream) waitCh(topic string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.notify[topic]
	if !ok {
		ch = make(chan struct{})
		s.notify[topic] = ch
	}
	return ch
}

func (s *BoltStream) Subscribe(ctx context.Context, topic, group string, start *StreamPos) (Subscription, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "subscribe %s/%s", topic, group)
	}

	next := make(map[int32]int64, s.numPartitions)
	err := db.View(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		for p := int32(0); p < s.numPartitions; p++ {
			if start != nil && start.Partition == p {
				next[p] = start.Offset + 1
				continue
			}
			if v := groups.Get(groupPositionKey(group, topic, p)); v != nil {
				next[p] = int64(binary.BigEndian.Uint64(v))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &boltSubscription{stream: s, topic: topic, group: group, next: next}, nil
}

func (s *BoltStream) Positions(ctx context.Context, topic, group string) (map[int32]StreamPos, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "positions %s/%s", topic, group)
	}

	out := make(map[int32]StreamPos)
	err := db.View(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		for p := int32(0); p < s.numPartitions; p++ {
			if v := groups.Get(groupPositionKey(group, topic, p)); v != nil {
				out[p] = StreamPos{
					Topic:       topic,
					Partition:   p,
					Offset:      int64(binary.BigEndian.Uint64(v)),
					TimestampMS: types.NowMS(),
				}
			}
		}
		return nil
	})
	return out, err
}

type boltSubscription struct {
	stream *BoltStream
	topic  string
	group  string

	mu     sync.Mutex
	next   map[int32]int64
	cursor int32
	closed bool
}

func (b *boltSubscription) Next(ctx context.Context) (*Record, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		b.mu.Unlock()

		b.stream.mu.Lock()
		db := b.stream.db
		n := b.stream.numPartitions
		b.stream.mu.Unlock()
		if db == nil {
			return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "next on %s/%s", b.topic, b.group)
		}

		// Grab the wait channel before scanning so an append between
		// the scan and the wait still wakes us.
		ch := b.stream.waitCh(b.topic)

		var rec *Record
		err := db.View(func(tx *bolt.Tx) error {
			records := tx.Bucket(bucketRecords)
			b.mu.Lock()
			defer b.mu.Unlock()
			for i := int32(0); i < n; i++ {
				p := (b.cursor + i) % n
				part := records.Bucket(partitionBucketName(b.topic, p))
				if part == nil {
					continue
				}
				off := b.next[p]
				data := part.Get(offsetKey(off))
				if data == nil {
					continue
				}
				var stored boltRecord
				if err := json.Unmarshal(data, &stored); err != nil {
					return fmt.Errorf("corrupt wal record %s/%d@%d: %w", b.topic, p, off, err)
				}
				rec = &Record{
					Key:   stored.Key,
					Value: stored.Value,
					Position: StreamPos{
						Topic:       b.topic,
						Partition:   p,
						Offset:      off,
						TimestampMS: stored.TimestampMS,
					},
					Headers: stored.Headers,
				}
				b.next[p] = off + 1
				b.cursor = (p + 1) % n
				return nil
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (b *boltSubscription) Commit(ctx context.Context, rec *Record) error {
	b.stream.mu.Lock()
	db := b.stream.db
	b.stream.mu.Unlock()
	if db == nil {
		return types.WrapErr(types.CodeConnection, ErrNotConnected, "commit on %s/%s", b.topic, b.group)
	}

	return db.Update(func(tx *bolt.Tx) error {
		groups := tx.Bucket(bucketGroups)
		key := groupPositionKey(b.group, b.topic, rec.Position.Partition)
		next := rec.Position.Offset + 1
		if v := groups.Get(key); v != nil && int64(binary.BigEndian.Uint64(v)) >= next {
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(next))
		return groups.Put(key, buf[:])
	})
}

func (b *boltSubscription) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
