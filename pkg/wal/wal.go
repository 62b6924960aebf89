package wal

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/types"
)

// DefaultTopic is the log topic used when none is configured.
const DefaultTopic = "entdb-wal"

// Sentinel errors shared by all backends.
var (
	ErrNotConnected = errors.New("wal: not connected")
	ErrClosed       = errors.New("wal: closed")
)

// StreamPos identifies one record coordinate in the log.
type StreamPos struct {
	Topic       string `json:"topic"`
	Partition   int32  `json:"partition"`
	Offset      int64  `json:"offset"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// String renders the canonical "topic:partition:offset" form used in
// ledger rows and snapshot manifests.
func (p StreamPos) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Topic, p.Partition, p.Offset)
}

// IsZero reports whether the position is unset.
func (p StreamPos) IsZero() bool {
	return p.Topic == "" && p.Partition == 0 && p.Offset == 0 && p.TimestampMS == 0
}

// ParseStreamPos parses the "topic:partition:offset" form. The two
// rightmost fields are numeric; everything before them is the topic.
func ParseStreamPos(s string) (StreamPos, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return StreamPos{}, fmt.Errorf("invalid stream position %q", s)
	}
	offset, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return StreamPos{}, fmt.Errorf("invalid stream position %q: %w", s, err)
	}
	rest := s[:i]
	j := strings.LastIndexByte(rest, ':')
	if j < 0 {
		return StreamPos{}, fmt.Errorf("invalid stream position %q", s)
	}
	partition, err := strconv.ParseInt(rest[j+1:], 10, 32)
	if err != nil {
		return StreamPos{}, fmt.Errorf("invalid stream position %q: %w", s, err)
	}
	if rest[:j] == "" {
		return StreamPos{}, fmt.Errorf("invalid stream position %q: empty topic", s)
	}
	return StreamPos{Topic: rest[:j], Partition: int32(partition), Offset: offset}, nil
}

// Record is one consumed log record.
type Record struct {
	Key      string
	Value    []byte
	Position StreamPos
	Headers  map[string][]byte
}

// Stream is the durable ordered log. append returns only after the
// record is durably stored; records with the same key land in the same
// partition and are totally ordered within it.
type Stream interface {
	Connect(ctx context.Context) error
	Close() error

	// Append durably writes one record and returns its position.
	Append(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (StreamPos, error)

	// Subscribe joins a consumer group on a topic. When start is
	// non-nil, consumption of that partition begins just after it;
	// other partitions resume from the group's committed positions.
	Subscribe(ctx context.Context, topic, group string, start *StreamPos) (Subscription, error)

	// Positions returns the committed positions of a consumer group.
	// The offset in each returned position is the next offset the
	// group will consume.
	Positions(ctx context.Context, topic, group string) (map[int32]StreamPos, error)

	Connected() bool
}

// Subscription is one consumer group member. Commit durably advances
// the group past the given record; uncommitted records are redelivered
// after restart.
type Subscription interface {
	Next(ctx context.Context) (*Record, error)
	Commit(ctx context.Context, rec *Record) error
	Close() error
}

// New builds the configured backend. Connect must be called before use.
func New(cfg *config.Config) (Stream, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStream(DefaultNumPartitions), nil
	case config.BackendBolt:
		path := cfg.Storage.BoltPath
		if path == "" {
			path = filepath.Join(cfg.Storage.DataDir, "wal.bolt")
		}
		return NewBoltStream(path, DefaultNumPartitions), nil
	case config.BackendKafka:
		return NewKafkaStream(cfg.Kafka), nil
	case config.BackendKinesis:
		return NewKinesisStream(cfg.Kinesis), nil
	}
	return nil, types.E(types.CodeInvalidArgument, "unknown WAL backend %q", cfg.Backend)
}

// DefaultNumPartitions is the partition count for the embedded backends.
const DefaultNumPartitions = 4

// partitionForKey hashes a record key onto a partition. All backends
// that pick partitions locally use the same hash so a key's partition
// is stable across backend swaps.
func partitionForKey(key string, numPartitions int32) int32 {
	sum := md5.Sum([]byte(key))
	return int32(binary.BigEndian.Uint32(sum[:4]) % uint32(numPartitions))
}
