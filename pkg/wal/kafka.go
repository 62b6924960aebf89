package wal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/types"
)

// KafkaStream is the production Stream backend. Appends are
// synchronous idempotent produces with acks from all in-sync replicas;
// subscriptions are consumer group members with manual commits.
type KafkaStream struct {
	cfg config.KafkaConfig

	mu       sync.Mutex
	producer *kgo.Client
}

// NewKafkaStream builds a Kafka-backed stream. Connect must be called
// before use.
func NewKafkaStream(cfg config.KafkaConfig) *KafkaStream {
	return &KafkaStream{cfg: cfg}
}

// commonOpts returns the client options shared by producer and
// consumer clients.
func (s *KafkaStream) commonOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
	}

	proto := strings.ToUpper(s.cfg.SecurityProtocol)
	if strings.Contains(proto, "SSL") {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if strings.HasPrefix(proto, "SASL") || s.cfg.SASLMechanism != "" {
		switch strings.ToUpper(s.cfg.SASLMechanism) {
		case "", "PLAIN":
			opts = append(opts, kgo.SASL(plain.Auth{
				User: s.cfg.SASLUsername,
				Pass: s.cfg.SASLPassword,
			}.AsMechanism()))
		case "SCRAM-SHA-256":
			opts = append(opts, kgo.SASL(scram.Auth{
				User: s.cfg.SASLUsername,
				Pass: s.cfg.SASLPassword,
			}.AsSha256Mechanism()))
		case "SCRAM-SHA-512":
			opts = append(opts, kgo.SASL(scram.Auth{
				User: s.cfg.SASLUsername,
				Pass: s.cfg.SASLPassword,
			}.AsSha512Mechanism()))
		default:
			return nil, types.E(types.CodeInvalidArgument, "unsupported SASL mechanism %q", s.cfg.SASLMechanism)
		}
	}
	return opts, nil
}

func (s *KafkaStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer != nil {
		return nil
	}

	opts, err := s.commonOpts()
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.ProduceRequestTimeout(30*time.Second),
		kgo.MaxProduceRequestsInflightPerBroker(s.cfg.MaxInFlight),
	)
	if !s.cfg.EnableIdempotence {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return types.WrapErr(types.CodeConnection, err, "failed to build kafka client")
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return mapKafkaErr(err, "kafka ping")
	}

	s.producer = client
	clog := log.WithComponent("wal")
	clog.Info().
		Strs("brokers", s.cfg.Brokers).
		Str("topic", s.cfg.Topic).
		Msg("Kafka producer connected")
	return nil
}

func (s *KafkaStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer != nil {
		s.producer.Close()
		s.producer = nil
	}
	return nil
}

func (s *KafkaStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer != nil
}

func (s *KafkaStream) Append(ctx context.Context, topic, key string, value []byte, headers map[string][]byte) (StreamPos, error) {
	s.mu.Lock()
	producer := s.producer
	s.mu.Unlock()
	if producer == nil {
		return StreamPos{}, types.WrapErr(types.CodeConnection, ErrNotConnected, "append to %s", topic)
	}

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: v})
	}

	produced, err := producer.ProduceSync(ctx, rec).First()
	if err != nil {
		return StreamPos{}, mapKafkaErr(err, fmt.Sprintf("produce to %s", topic))
	}
	return StreamPos{
		Topic:       produced.Topic,
		Partition:   produced.Partition,
		Offset:      produced.Offset,
		TimestampMS: produced.Timestamp.UnixMilli(),
	}, nil
}

func (s *KafkaStream) Subscribe(ctx context.Context, topic, group string, start *StreamPos) (Subscription, error) {
	opts, err := s.commonOpts()
	if err != nil {
		return nil, err
	}

	reset := kgo.NewOffset().AtStart()
	if strings.EqualFold(s.cfg.AutoOffsetReset, "latest") {
		reset = kgo.NewOffset().AtEnd()
	}
	opts = append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(reset),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, types.WrapErr(types.CodeConnection, err, "failed to build kafka consumer")
	}

	// An explicit start position becomes a committed offset so the
	// group resumes just past it after assignment.
	if start != nil {
		adm := kadm.NewClient(client)
		offsets := make(kadm.Offsets)
		offsets.Add(kadm.Offset{
			Topic:       topic,
			Partition:   start.Partition,
			At:          start.Offset + 1,
			LeaderEpoch: -1,
		})
		if err := adm.CommitAllOffsets(ctx, group, offsets); err != nil {
			client.Close()
			return nil, mapKafkaErr(err, "seed consumer group offset")
		}
	}

	clog := log.WithComponent("wal")
	clog.Info().
		Str("topic", topic).
		Str("group", group).
		Msg("Kafka consumer joined")

	return &kafkaSubscription{client: client, topic: topic, group: group}, nil
}

func (s *KafkaStream) Positions(ctx context.Context, topic, group string) (map[int32]StreamPos, error) {
	s.mu.Lock()
	producer := s.producer
	s.mu.Unlock()
	if producer == nil {
		return nil, types.WrapErr(types.CodeConnection, ErrNotConnected, "positions %s/%s", topic, group)
	}

	resp, err := kadm.NewClient(producer).FetchOffsets(ctx, group)
	if err != nil {
		return nil, mapKafkaErr(err, "fetch group offsets")
	}

	out := make(map[int32]StreamPos)
	for t, partitions := range resp {
		if t != topic {
			continue
		}
		for partition, offset := range partitions {
			if offset.Err != nil || offset.At < 0 {
				continue
			}
			out[partition] = StreamPos{
				Topic:     topic,
				Partition: partition,
				Offset:    offset.At,
			}
		}
	}
	return out, nil
}

type kafkaSubscription struct {
	client *kgo.Client
	topic  string
	group  string

	mu       sync.Mutex
	buffered []*kgo.Record
	closed   bool
}

func (k *kafkaSubscription) Next(ctx context.Context) (*Record, error) {
	for {
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			return nil, ErrClosed
		}
		if len(k.buffered) > 0 {
			break
		}
		k.mu.Unlock()

		// Poll without holding the lock so Close never blocks behind
		// an in-flight fetch.
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, fetchErr := range fetches.Errors() {
			return nil, mapKafkaErr(fetchErr.Err, fmt.Sprintf("fetch %s/%d", fetchErr.Topic, fetchErr.Partition))
		}
		k.mu.Lock()
		fetches.EachRecord(func(rec *kgo.Record) {
			k.buffered = append(k.buffered, rec)
		})
		k.mu.Unlock()
	}

	rec := k.buffered[0]
	k.buffered = k.buffered[1:]
	k.mu.Unlock()

	out := &Record{
		Key:   string(rec.Key),
		Value: rec.Value,
		Position: StreamPos{
			Topic:       rec.Topic,
			Partition:   rec.Partition,
			Offset:      rec.Offset,
			TimestampMS: rec.Timestamp.UnixMilli(),
		},
	}
	if len(rec.Headers) > 0 {
		out.Headers = make(map[string][]byte, len(rec.Headers))
		for _, h := range rec.Headers {
			out.Headers[h.Key] = h.Value
		}
	}
	return out, nil
}

func (k *kafkaSubscription) Commit(ctx context.Context, rec *Record) error {
	return mapKafkaErrNil(k.client.CommitRecords(ctx, &kgo.Record{
		Topic:       rec.Position.Topic,
		Partition:   rec.Position.Partition,
		Offset:      rec.Position.Offset,
		LeaderEpoch: -1,
	}), "commit offset")
}

func (k *kafkaSubscription) Close() error {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.client.Close()
	return nil
}

func mapKafkaErr(err error, op string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return types.WrapErr(types.CodeTimeout, err, "%s timed out", op)
	}
	return types.WrapErr(types.CodeConnection, err, "%s failed", op)
}

func mapKafkaErrNil(err error, op string) error {
	if err == nil {
		return nil
	}
	return mapKafkaErr(err, op)
}
