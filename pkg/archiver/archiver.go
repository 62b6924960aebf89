package archiver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/types"
	"github.com/entdb/entdb/pkg/wal"
)

// Entry is one archived log record: the raw event, where it sat in
// the log, and an integrity checksum of the record bytes.
type Entry struct {
	Event      json.RawMessage `json:"event"`
	Position   wal.StreamPos   `json:"position"`
	Checksum   string          `json:"checksum"`
	ArchivedAt int64           `json:"archived_at"`
}

type segmentKey struct {
	tenantID  string
	partition int32
}

type pendingSegment struct {
	tenantID   string
	partition  int32
	fromOffset int64
	toOffset   int64
	entries    []Entry
	sizeBytes  int64
	openedAt   time.Time
}

// Archiver consumes the log under its own consumer group and writes
// immutable NDJSON segments to object storage, partitioned by tenant
// and log partition. Offsets commit only once every buffered record at
// or below them has been uploaded, so a crash re-reads at most the
// unflushed tail.
type Archiver struct {
	stream  wal.Stream
	objects objstore.Store
	cfg     config.ArchiverConfig
	prefix  string
	topic   string
	logger  zerolog.Logger

	mu        sync.Mutex
	pending   map[segmentKey]*pendingSegment
	consumed  map[int32]int64
	committed map[int32]int64
}

// New creates an archiver writing under prefix (e.g. "archive").
func New(stream wal.Stream, objects objstore.Store, cfg config.ArchiverConfig, prefix, topic string) *Archiver {
	return &Archiver{
		stream:    stream,
		objects:   objects,
		cfg:       cfg,
		prefix:    prefix,
		topic:     topic,
		logger:    log.WithComponent("archiver"),
		pending:   make(map[segmentKey]*pendingSegment),
		consumed:  make(map[int32]int64),
		committed: make(map[int32]int64),
	}
}

// Run consumes the log until ctx ends, then drains every open segment.
func (ar *Archiver) Run(ctx context.Context) error {
	sub, err := ar.stream.Subscribe(ctx, ar.topic, ar.cfg.Group, nil)
	if err != nil {
		return types.WrapErr(types.CodeConnection, err, "subscribe %s as %s", ar.topic, ar.cfg.Group)
	}
	defer sub.Close()

	ar.logger.Info().
		Str("topic", ar.topic).
		Str("group", ar.cfg.Group).
		Str("prefix", ar.prefix).
		Msg("archiver started")

	interval := ar.cfg.FlushInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		nextCtx, cancel := context.WithTimeout(ctx, interval)
		rec, err := sub.Next(nextCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				ar.drain(sub)
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				ar.flushAged(ctx, interval)
				ar.commitSafe(ctx, sub)
				continue
			}
			return types.WrapErr(types.CodeConnection, err, "consume %s", ar.topic)
		}

		ar.ingest(rec)
		ar.flushFull(ctx)
		ar.commitSafe(ctx, sub)
	}
}

// ingest appends one record to its (tenant, partition) segment.
func (ar *Archiver) ingest(rec *wal.Record) {
	tenantID := tenantOf(rec)
	sum := sha256.Sum256(rec.Value)

	entry := Entry{
		Event:      json.RawMessage(bytes.Clone(rec.Value)),
		Position:   rec.Position,
		Checksum:   "sha256:" + hex.EncodeToString(sum[:]),
		ArchivedAt: types.NowMS(),
	}

	key := segmentKey{tenantID: tenantID, partition: rec.Position.Partition}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	seg, ok := ar.pending[key]
	if !ok {
		seg = &pendingSegment{
			tenantID:   tenantID,
			partition:  rec.Position.Partition,
			fromOffset: rec.Position.Offset,
			openedAt:   time.Now(),
		}
		ar.pending[key] = seg
	}
	seg.entries = append(seg.entries, entry)
	seg.toOffset = rec.Position.Offset
	seg.sizeBytes += int64(len(rec.Value))

	if prev, ok := ar.consumed[rec.Position.Partition]; !ok || rec.Position.Offset > prev {
		ar.consumed[rec.Position.Partition] = rec.Position.Offset
	}
}

// tenantOf extracts the tenant from the event body, falling back to
// the record key.
func tenantOf(rec *wal.Record) string {
	var partial struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(rec.Value, &partial); err == nil && partial.TenantID != "" {
		return partial.TenantID
	}
	if rec.Key != "" {
		return rec.Key
	}
	return "unknown"
}

// flushFull uploads segments that crossed the size or count threshold.
func (ar *Archiver) flushFull(ctx context.Context) {
	ar.flushWhere(ctx, func(seg *pendingSegment) bool {
		if ar.cfg.MaxSegmentBytes > 0 && seg.sizeBytes >= ar.cfg.MaxSegmentBytes {
			return true
		}
		return ar.cfg.MaxSegmentEvents > 0 && len(seg.entries) >= ar.cfg.MaxSegmentEvents
	})
}

// flushAged uploads segments that have been open longer than the
// flush interval.
func (ar *Archiver) flushAged(ctx context.Context, interval time.Duration) {
	cutoff := time.Now().Add(-interval)
	ar.flushWhere(ctx, func(seg *pendingSegment) bool {
		return seg.openedAt.Before(cutoff)
	})
}

// FlushAll uploads every open segment.
func (ar *Archiver) FlushAll(ctx context.Context) {
	ar.flushWhere(ctx, func(*pendingSegment) bool { return true })
}

func (ar *Archiver) flushWhere(ctx context.Context, due func(*pendingSegment) bool) {
	ar.mu.Lock()
	var batch []*pendingSegment
	for key, seg := range ar.pending {
		if len(seg.entries) > 0 && due(seg) {
			batch = append(batch, seg)
			delete(ar.pending, key)
		}
	}
	ar.mu.Unlock()

	for _, seg := range batch {
		if err := ar.upload(ctx, seg); err != nil {
			metrics.ArchiveFlushFailures.Inc()
			ar.logger.Warn().
				Err(err).
				Str("tenant_id", seg.tenantID).
				Int32("partition", seg.partition).
				Int("entries", len(seg.entries)).
				Msg("segment upload failed, re-enqueued")
			ar.requeue(seg)
		}
	}
}

// upload serializes one segment as NDJSON, optionally gzips it, and
// writes it to object storage.
func (ar *Archiver) upload(ctx context.Context, seg *pendingSegment) error {
	var body bytes.Buffer
	for i := range seg.entries {
		line, err := json.Marshal(&seg.entries[i])
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "encode archive entry")
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	payload := body.Bytes()
	contentType := "application/x-ndjson"
	if ar.cfg.Gzip() {
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		if _, err := zw.Write(payload); err != nil {
			return types.WrapErr(types.CodeInternal, err, "compress segment")
		}
		if err := zw.Close(); err != nil {
			return types.WrapErr(types.CodeInternal, err, "compress segment")
		}
		payload = compressed.Bytes()
		contentType = "application/gzip"
	}

	key := SegmentObjectKey(ar.prefix, seg.tenantID, seg.partition, seg.fromOffset, seg.toOffset, ar.cfg.Gzip())
	if err := ar.objects.Put(ctx, key, payload, contentType); err != nil {
		return err
	}

	metrics.ArchiveSegments.Inc()
	metrics.ArchiveBytes.Add(float64(len(payload)))
	ar.logger.Info().
		Str("key", key).
		Int("entries", len(seg.entries)).
		Int("bytes", len(payload)).
		Msg("archive segment uploaded")
	return nil
}

// requeue puts a failed segment back so the next flush retries it.
// The consume loop is the only writer, so the slot is always free.
func (ar *Archiver) requeue(seg *pendingSegment) {
	key := segmentKey{tenantID: seg.tenantID, partition: seg.partition}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	if cur, ok := ar.pending[key]; ok {
		seg.entries = append(seg.entries, cur.entries...)
		seg.toOffset = cur.toOffset
		seg.sizeBytes += cur.sizeBytes
	}
	ar.pending[key] = seg
}

// commitSafe advances the group past every offset whose records are
// all uploaded. A partition's safe offset is just below its oldest
// still-pending segment.
func (ar *Archiver) commitSafe(ctx context.Context, sub wal.Subscription) {
	ar.mu.Lock()
	safe := make(map[int32]int64, len(ar.consumed))
	for partition, offset := range ar.consumed {
		safe[partition] = offset
	}
	for _, seg := range ar.pending {
		if len(seg.entries) == 0 {
			continue
		}
		if cur, ok := safe[seg.partition]; ok && seg.fromOffset-1 < cur {
			safe[seg.partition] = seg.fromOffset - 1
		}
	}
	type commit struct {
		partition int32
		offset    int64
	}
	var commits []commit
	for partition, offset := range safe {
		if prev, ok := ar.committed[partition]; offset >= 0 && (!ok || offset > prev) {
			commits = append(commits, commit{partition: partition, offset: offset})
		}
	}
	ar.mu.Unlock()

	for _, c := range commits {
		rec := &wal.Record{Position: wal.StreamPos{Topic: ar.topic, Partition: c.partition, Offset: c.offset}}
		if err := sub.Commit(ctx, rec); err != nil {
			ar.logger.Warn().
				Err(err).
				Int32("partition", c.partition).
				Int64("offset", c.offset).
				Msg("offset commit failed")
			continue
		}
		ar.mu.Lock()
		ar.committed[c.partition] = c.offset
		ar.mu.Unlock()
	}
}

// drain flushes and commits everything on shutdown with a fresh
// deadline, since the run context is already canceled.
func (ar *Archiver) drain(sub wal.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ar.FlushAll(ctx)
	ar.commitSafe(ctx, sub)
}

// PendingStats reports open segments and buffered entries, for tests
// and the debug endpoint.
func (ar *Archiver) PendingStats() (segments, entries int) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for _, seg := range ar.pending {
		segments++
		entries += len(seg.entries)
	}
	return segments, entries
}
