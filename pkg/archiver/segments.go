package archiver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/types"
)

// SegmentInfo describes one archive segment, reconstructed from its
// object key alone.
type SegmentInfo struct {
	Key        string
	TenantID   string
	Partition  int32
	FromOffset int64
	ToOffset   int64
	Compressed bool
	SizeBytes  int64
}

// SegmentObjectKey builds the canonical object key for a segment.
// Offsets are zero-padded so lexicographic key order matches offset
// order.
func SegmentObjectKey(prefix, tenantID string, partition int32, fromOffset, toOffset int64, compressed bool) string {
	key := fmt.Sprintf("%s/tenant=%s/partition=%d/from=%020d_to=%020d.jsonl",
		prefix, tenantID, partition, fromOffset, toOffset)
	if compressed {
		key += ".gz"
	}
	return key
}

// ParseSegmentKey reconstructs segment coordinates from an object key.
func ParseSegmentKey(key string) (SegmentInfo, error) {
	info := SegmentInfo{Key: key}

	name := key
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if strings.HasSuffix(name, ".gz") {
		info.Compressed = true
		name = strings.TrimSuffix(name, ".gz")
	}
	name = strings.TrimSuffix(name, ".jsonl")

	fromPart, toPart, ok := strings.Cut(name, "_to=")
	if !ok || !strings.HasPrefix(fromPart, "from=") {
		return info, types.E(types.CodeInvalidArgument, "malformed segment key %q", key)
	}
	from, err := strconv.ParseInt(strings.TrimPrefix(fromPart, "from="), 10, 64)
	if err != nil {
		return info, types.E(types.CodeInvalidArgument, "malformed segment key %q", key)
	}
	to, err := strconv.ParseInt(toPart, 10, 64)
	if err != nil {
		return info, types.E(types.CodeInvalidArgument, "malformed segment key %q", key)
	}
	info.FromOffset = from
	info.ToOffset = to

	for _, part := range strings.Split(key, "/") {
		switch {
		case strings.HasPrefix(part, "tenant="):
			info.TenantID = strings.TrimPrefix(part, "tenant=")
		case strings.HasPrefix(part, "partition="):
			p, err := strconv.ParseInt(strings.TrimPrefix(part, "partition="), 10, 32)
			if err != nil {
				return info, types.E(types.CodeInvalidArgument, "malformed segment key %q", key)
			}
			info.Partition = int32(p)
		}
	}
	if info.TenantID == "" {
		return info, types.E(types.CodeInvalidArgument, "malformed segment key %q", key)
	}
	return info, nil
}

// ListSegments enumerates a tenant's archive segments by key, sorted
// by (partition, from offset). Keys that do not parse are skipped.
func ListSegments(ctx context.Context, store objstore.Store, prefix, tenantID string) ([]SegmentInfo, error) {
	objects, err := store.List(ctx, fmt.Sprintf("%s/tenant=%s/", prefix, tenantID))
	if err != nil {
		return nil, err
	}

	segments := make([]SegmentInfo, 0, len(objects))
	for _, obj := range objects {
		info, err := ParseSegmentKey(obj.Key)
		if err != nil {
			continue
		}
		info.SizeBytes = obj.Size
		segments = append(segments, info)
	}
	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Partition != segments[j].Partition {
			return segments[i].Partition < segments[j].Partition
		}
		return segments[i].FromOffset < segments[j].FromOffset
	})
	return segments, nil
}

// ReadSegment downloads one segment and decodes its entries in order.
func ReadSegment(ctx context.Context, store objstore.Store, info SegmentInfo) ([]Entry, error) {
	data, err := store.Get(ctx, info.Key)
	if err != nil {
		return nil, err
	}

	var reader io.Reader = bytes.NewReader(data)
	if info.Compressed {
		zr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "decompress segment %s", info.Key)
		}
		defer zr.Close()
		reader = zr
	}

	var entries []Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := decodeEntry(line, &entry); err != nil {
			return nil, types.WrapErr(types.CodeInternal, err, "parse segment %s", info.Key)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, types.WrapErr(types.CodeInternal, err, "read segment %s", info.Key)
	}
	return entries, nil
}

// decodeEntry copies the line before unmarshaling so the raw event
// bytes outlive the scanner's buffer.
func decodeEntry(line []byte, entry *Entry) error {
	return json.Unmarshal(bytes.Clone(line), entry)
}
