package snapshotter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(config.StorageConfig{
		DataDir:       t.TempDir(),
		WALMode:       true,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *store.Store, tenantID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureTenant(ctx, tenantID))
	_, err := s.CreateNode(ctx, tenantID, 1, map[string]any{"title": "seed"}, "user:alice", "n1", nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.RecordAppliedEvent(ctx, tenantID, "evt-1", "wal:0:5"))
}

func testSnapshotter(s *store.Store, objects objstore.Store, compression string) *Snapshotter {
	return New(s, objects, config.SnapshotConfig{
		Enabled:         true,
		IntervalSeconds: 3600,
		Compression:     compression,
		MaxConcurrent:   2,
	}, "snapshots", "sha256:testfp")
}

func TestSnapshotNow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	objects := objstore.NewMemoryStore()

	sn := testSnapshotter(s, objects, "gzip")
	manifest, err := sn.SnapshotNow(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, "t1", manifest.TenantID)
	assert.Equal(t, "wal:0:5", manifest.LastStreamPos)
	assert.Equal(t, "sha256:testfp", manifest.SchemaFingerprint)
	assert.Contains(t, manifest.S3Key, "snapshots/tenant=t1/ts=")
	assert.Contains(t, manifest.S3Key, ".sqlite.gz")
	assert.Positive(t, manifest.SizeBytes)

	// The checksum covers the uploaded (compressed) bytes.
	blob, err := objects.Get(ctx, manifest.S3Key)
	require.NoError(t, err)
	sum := sha256.Sum256(blob)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), manifest.Checksum)
	assert.Equal(t, int64(len(blob)), manifest.SizeBytes)

	// The blob gunzips to a usable SQLite image.
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	raw := make([]byte, 16)
	_, err = io.ReadFull(zr, raw)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(raw))
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	objects := objstore.NewMemoryStore()

	sn := testSnapshotter(s, objects, "")
	first, err := sn.SnapshotNow(ctx, "t1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := sn.SnapshotNow(ctx, "t1")
	require.NoError(t, err)

	manifests, err := ListSnapshots(ctx, objects, "snapshots", "t1")
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, second.SnapshotTS, manifests[0].SnapshotTS)
	assert.Equal(t, first.SnapshotTS, manifests[1].SnapshotTS)

	latest, err := sn.LatestManifest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, second.S3Key, latest.S3Key)
}

func TestShouldSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedTenant(t, s, "t1")
	objects := objstore.NewMemoryStore()

	sn := testSnapshotter(s, objects, "")

	// No snapshot yet.
	due, err := sn.shouldSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, due)

	_, err = sn.SnapshotNow(ctx, "t1")
	require.NoError(t, err)

	// Fresh snapshot within the interval.
	due, err = sn.shouldSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, due)

	// Expired interval makes it due again.
	sn.cfg.IntervalSeconds = 0
	due, err = sn.shouldSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, due)

	// With an activity threshold, an idle tenant stays skipped.
	sn.cfg.MinEvents = 1
	due, err = sn.shouldSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, due)

	require.NoError(t, s.RecordAppliedEvent(ctx, "t1", "evt-2", "wal:0:6"))
	due, err = sn.shouldSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, due)
}

func TestLatestManifestMissingTenant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	objects := objstore.NewMemoryStore()

	sn := testSnapshotter(s, objects, "")
	latest, err := sn.LatestManifest(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSnapshotObjectKey(t *testing.T) {
	assert.Equal(t, "snapshots/tenant=t1/ts=1700000000000.sqlite",
		SnapshotObjectKey("snapshots", "t1", 1700000000000, false))
	assert.Equal(t, "snapshots/tenant=t1/ts=1700000000000.sqlite.gz",
		SnapshotObjectKey("snapshots", "t1", 1700000000000, true))
}
