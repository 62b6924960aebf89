package wal

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	ktypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/types"
)

// headerSequence carries the raw Kinesis sequence number on consumed
// records so commits can checkpoint it.
const headerSequence = "kinesis_sequence"

// kinesisShard is one shard's identity. Offsets are the distance from
// the shard's starting sequence number, which is a stable property of
// the shard, so every process derives the same offset for a record.
type kinesisShard struct {
	id   string
	num  int32
	base *big.Int
}

// KinesisStream is the AWS Kinesis Stream backend. Group checkpoints
// are process-local; production deployments that need durable shared
// checkpoints put a coordinator (e.g. DynamoDB) in front of this.
type KinesisStream struct {
	cfg config.KinesisConfig

	mu          sync.Mutex
	client      *kinesis.Client
	shards      map[int32]*kinesisShard
	checkpoints map[string]map[int32]string // group -> shard num -> raw sequence
}

// NewKinesisStream builds a Kinesis-backed stream. Connect must be
// called before use.
func NewKinesisStream(cfg config.KinesisConfig) *KinesisStream {
	return &KinesisStream{
		cfg:         cfg,
		shards:      make(map[int32]*kinesisShard),
		checkpoints: make(map[string]map[int32]string),
	}
}

func (s *KinesisStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return types.WrapErr(types.CodeConnection, err, "failed to load AWS config")
	}
	var opts []func(*kinesis.Options)
	if s.cfg.EndpointURL != "" {
		opts = append(opts, func(o *kinesis.Options) {
			o.BaseEndpoint = aws.String(s.cfg.EndpointURL)
		})
	}
	s.client = kinesis.NewFromConfig(awsCfg, opts...)

	if err := s.refreshShardsLocked(ctx); err != nil {
		s.client = nil
		return err
	}
	clog := log.WithComponent("wal")
	clog.Info().
		Str("stream", s.cfg.StreamName).
		Int("shards", len(s.shards)).
		Msg("Kinesis stream connected")
	return nil
}

func (s *KinesisStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	return nil
}

func (s *KinesisStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// refreshShardsLocked lists the stream's shards and records each
// shard's starting sequence number as its offset base.
func (s *KinesisStream) refreshShardsLocked(ctx context.Context) error {
	shards := make(map[int32]*kinesisShard)
	var nextToken *string
	for {
		input := &kinesis.ListShardsInput{}
		if nextToken != nil {
			input.NextToken = nextToken
		} else {
			input.StreamName = aws.String(s.cfg.StreamName)
		}
		resp, err := s.client.ListShards(ctx, input)
		if err != nil {
			return mapKinesisErr(err, "list shards")
		}
		for _, shard := range resp.Shards {
			id := aws.ToString(shard.ShardId)
			base, ok := new(big.Int).SetString(aws.ToString(shard.SequenceNumberRange.StartingSequenceNumber), 10)
			if !ok {
				return types.E(types.CodeInternal, "unparseable starting sequence for shard %s", id)
			}
			shards[parseShardNumber(id)] = &kinesisShard{id: id, num: parseShardNumber(id), base: base}
		}
		nextToken = resp.NextToken
		if nextToken == nil {
			break
		}
	}
	s.shards = shards
	return nil
}

// parseShardNumber extracts N from "shardId-00000000000N".
func parseShardNumber(shardID string) int32 {
	i := strings.LastIndexByte(shardID, '-')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(shardID[i+1:], 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}

// offsetForSequence converts a raw sequence number into the shard's
// offset space. Deltas beyond int64 range clamp with a warning.
func (sh *kinesisShard) offsetForSequence(seq string) int64 {
	v, ok := new(big.Int).SetString(seq, 10)
	if !ok {
		return 0
	}
	delta := new(big.Int).Sub(v, sh.base)
	if !delta.IsInt64() {
		clog := log.WithComponent("wal")
		clog.Warn().
			Str("shard", sh.id).
			Str("sequence", seq).
			Msg("Sequence delta exceeds offset range, clamping")
		if delta.Sign() < 0 {
			return 0
		}
		return math.MaxInt64
	}
	return delta.Int64()
}

func (s *KinesisStream) shardFor(num int32) *kinesisShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shards[num]
}

func (s *KinesisStream) Append(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (StreamPos, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return StreamPos{}, types.WrapErr(types.CodeConnection, ErrNotConnected, "append to %s", topic)
	}

	// Headers ride inside the payload; Kinesis records have no header
	// fields of their own.
	if len(headers) > 0 {
		wrapped, err := wrapKinesisValue(value, headers)
		if err != nil {
			return StreamPos{}, err
		}
		value = wrapped
	}

	// Same md5-derived hash as the embedded backends so a key's shard
	// assignment is content-stable.
	sum := md5.Sum([]byte(key))
	explicitHash := strconv.FormatUint(uint64(binary.BigEndian.Uint32(sum[:4])), 10)

	resp, err := client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:      aws.String(topic),
		Data:            value,
		PartitionKey:    aws.String(key),
		ExplicitHashKey: aws.String(explicitHash),
	})
	if err != nil {
		return StreamPos{}, mapKinesisErr(err, "put record")
	}

	shardNum := parseShardNumber(aws.ToString(resp.ShardId))
	shard := s.shardFor(shardNum)
	if shard == nil {
		// Resharding since connect; refresh and retry the lookup.
		s.mu.Lock()
		err := s.refreshShardsLocked(ctx)
		shard = s.shards[shardNum]
		s.mu.Unlock()
		if err != nil || shard == nil {
			return StreamPos{}, types.E(types.CodeInternal, "unknown shard %s after put", aws.ToString(resp.ShardId))
		}
	}

	return StreamPos{
		Topic:       topic,
		Partition:   shardNum,
		Offset:      shard.offsetForSequence(aws.ToString(resp.SequenceNumber)),
		TimestampMS: types.NowMS(),
	}, nil
}

func (s *KinesisStream) Subscribe(ctx context.Context, topic, group string, start *StreamPos) (Subscription, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "subscribe %s/%s", topic, group)
	}

	sub := &kinesisSubscription{
		stream:    s,
		topic:     topic,
		group:     group,
		iterators: make(map[int32]*string),
		skipTo:    make(map[int32]int64),
	}
	if start != nil {
		sub.skipTo[start.Partition] = start.Offset
	}
	if err := sub.openIterators(ctx); err != nil {
		return nil, err
	}

	clog := log.WithComponent("wal")
	clog.Info().
		Str("stream", topic).
		Str("group", group).
		Int("shards", len(sub.iterators)).
		Msg("Kinesis subscription started")
	return sub, nil
}

func (s *KinesisStream) Positions(ctx context.Context, topic, group string) (map[int32]StreamPos, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int32]StreamPos)
	for shardNum, seq := range s.checkpoints[group] {
		shard := s.shards[shardNum]
		if shard == nil {
			continue
		}
		out[shardNum] = StreamPos{
			Topic:       topic,
			Partition:   shardNum,
			Offset:      shard.offsetForSequence(seq),
			TimestampMS: types.NowMS(),
		}
	}
	return out, nil
}

// checkpoint records the raw sequence for a group and shard.
func (s *KinesisStream) checkpoint(group string, shardNum int32, seq string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byShard, ok := s.checkpoints[group]
	if !ok {
		byShard = make(map[int32]string)
		s.checkpoints[group] = byShard
	}
	byShard[shardNum] = seq
}

func (s *KinesisStream) checkpointFor(group string, shardNum int32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.checkpoints[group][shardNum]
	return seq, ok
}

type kinesisSubscription struct {
	stream *KinesisStream
	topic  string
	group  string

	mu        sync.Mutex
	iterators map[int32]*string
	skipTo    map[int32]int64 // drop records at or below this offset
	buffered  []*Record
	order     []int32
	cursor    int
	closed    bool
}

// openIterators creates one shard iterator per shard: from the group's
// checkpoint when present, otherwise per the configured iterator type.
func (k *kinesisSubscription) openIterators(ctx context.Context) error {
	k.stream.mu.Lock()
	client := k.stream.client
	shards := make([]*kinesisShard, 0, len(k.stream.shards))
	for _, sh := range k.stream.shards {
		shards = append(shards, sh)
	}
	k.stream.mu.Unlock()
	sort.Slice(shards, func(i, j int) bool { return shards[i].num < shards[j].num })

	for _, shard := range shards {
		input := &kinesis.GetShardIteratorInput{
			StreamName: aws.String(k.topic),
			ShardId:    aws.String(shard.id),
		}
		if seq, ok := k.stream.checkpointFor(k.group, shard.num); ok {
			input.ShardIteratorType = ktypes.ShardIteratorTypeAfterSequenceNumber
			input.StartingSequenceNumber = aws.String(seq)
		} else {
			input.ShardIteratorType = ktypes.ShardIteratorType(k.stream.cfg.IteratorType)
		}
		resp, err := client.GetShardIterator(ctx, input)
		if err != nil {
			return mapKinesisErr(err, fmt.Sprintf("get iterator for %s", shard.id))
		}
		k.iterators[shard.num] = resp.ShardIterator
		k.order = append(k.order, shard.num)
	}
	return nil
}

func (k *kinesisSubscription) Next(ctx context.Context) (*Record, error) {
	for {
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			return nil, ErrClosed
		}
		if len(k.buffered) > 0 {
			rec := k.buffered[0]
			k.buffered = k.buffered[1:]
			k.mu.Unlock()
			return rec, nil
		}
		k.mu.Unlock()

		n, err := k.poll(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
}

// poll fetches one GetRecords batch from each shard in turn and
// buffers the results. Returns the number of records buffered.
func (k *kinesisSubscription) poll(ctx context.Context) (int, error) {
	k.stream.mu.Lock()
	client := k.stream.client
	k.stream.mu.Unlock()
	if client == nil {
		return 0, types.WrapErr(types.CodeConnection, ErrNotConnected, "poll %s/%s", k.topic, k.group)
	}

	total := 0
	for range k.order {
		k.mu.Lock()
		shardNum := k.order[k.cursor]
		k.cursor = (k.cursor + 1) % len(k.order)
		iterator := k.iterators[shardNum]
		k.mu.Unlock()
		if iterator == nil {
			continue
		}

		resp, err := client.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         aws.Int32(k.stream.cfg.MaxRecords),
		})
		if err != nil {
			var expired *ktypes.ExpiredIteratorException
			if errors.As(err, &expired) {
				if err := k.reopenIterator(ctx, shardNum); err != nil {
					return total, err
				}
				continue
			}
			return total, mapKinesisErr(err, fmt.Sprintf("get records shard %d", shardNum))
		}

		k.mu.Lock()
		k.iterators[shardNum] = resp.NextShardIterator
		k.mu.Unlock()

		shard := k.stream.shardFor(shardNum)
		for _, kr := range resp.Records {
			seq := aws.ToString(kr.SequenceNumber)
			offset := int64(0)
			if shard != nil {
				offset = shard.offsetForSequence(seq)
			}
			if limit, ok := k.skipTo[shardNum]; ok && offset <= limit {
				continue
			}
			value, headers := unwrapKinesisValue(kr.Data)
			if headers == nil {
				headers = make(map[string][]byte, 1)
			}
			headers[headerSequence] = []byte(seq)

			ts := types.NowMS()
			if kr.ApproximateArrivalTimestamp != nil {
				ts = kr.ApproximateArrivalTimestamp.UnixMilli()
			}
			k.mu.Lock()
			k.buffered = append(k.buffered, &Record{
				Key:   aws.ToString(kr.PartitionKey),
				Value: value,
				Position: StreamPos{
					Topic:       k.topic,
					Partition:   shardNum,
					Offset:      offset,
					TimestampMS: ts,
				},
				Headers: headers,
			})
			k.mu.Unlock()
			total++
		}
		if total > 0 {
			return total, nil
		}
	}
	return total, nil
}

// reopenIterator rebuilds a shard iterator after expiry, resuming from
// the group checkpoint when one exists.
func (k *kinesisSubscription) reopenIterator(ctx context.Context, shardNum int32) error {
	shard := k.stream.shardFor(shardNum)
	if shard == nil {
		return types.E(types.CodeInternal, "unknown shard %d", shardNum)
	}
	k.stream.mu.Lock()
	client := k.stream.client
	k.stream.mu.Unlock()

	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(k.topic),
		ShardId:    aws.String(shard.id),
	}
	if seq, ok := k.stream.checkpointFor(k.group, shardNum); ok {
		input.ShardIteratorType = ktypes.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(seq)
	} else {
		clog := log.WithComponent("wal")
		clog.Warn().
			Str("shard", shard.id).
			Msg("Lost iterator with no checkpoint, restarting from LATEST")
		input.ShardIteratorType = ktypes.ShardIteratorTypeLatest
	}
	resp, err := client.GetShardIterator(ctx, input)
	if err != nil {
		return mapKinesisErr(err, fmt.Sprintf("reopen iterator for %s", shard.id))
	}
	k.mu.Lock()
	k.iterators[shardNum] = resp.ShardIterator
	k.mu.Unlock()
	return nil
}

func (k *kinesisSubscription) Commit(ctx context.Context, rec *Record) error {
	seq, ok := rec.Headers[headerSequence]
	if !ok {
		return types.E(types.CodeInvalidArgument, "record carries no sequence number")
	}
	k.stream.checkpoint(k.group, rec.Position.Partition, string(seq))
	return nil
}

func (k *kinesisSubscription) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

// kinesisEnvelope wraps a payload whose headers must ride in-band.
type kinesisEnvelope struct {
	Headers map[string]string `json:"_headers"`
	Data    string            `json:"_data"`
}

func wrapKinesisValue(value []byte, headers map[string][]byte) ([]byte, error) {
	env := kinesisEnvelope{Headers: make(map[string]string, len(headers)), Data: string(value)}
	for k, v := range headers {
		env.Headers[k] = string(v)
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap record headers: %w", err)
	}
	return out, nil
}

func unwrapKinesisValue(data []byte) ([]byte, map[string][]byte) {
	var env kinesisEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Headers == nil || env.Data == "" {
		return data, nil
	}
	headers := make(map[string][]byte, len(env.Headers))
	for k, v := range env.Headers {
		headers[k] = []byte(v)
	}
	return []byte(env.Data), headers
}

func mapKinesisErr(err error, op string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return types.WrapErr(types.CodeTimeout, err, "%s timed out", op)
	}
	return types.WrapErr(types.CodeConnection, err, "%s failed", op)
}
