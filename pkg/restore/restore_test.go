package restore

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/applier"
	"github.com/entdb/entdb/pkg/archiver"
	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/snapshotter"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
	"github.com/entdb/entdb/pkg/wal"
)

const testTenant = "t1"

type fixture struct {
	objects  *objstore.MemoryStore
	manifest *snapshotter.Manifest
	events   []*types.TransactionEvent
}

func storageConfig(dir string) config.StorageConfig {
	return config.StorageConfig{DataDir: dir, WALMode: true, BusyTimeoutMS: 5000}
}

func pos(offset int64) wal.StreamPos {
	return wal.StreamPos{Topic: "entdb-wal", Partition: 0, Offset: offset}
}

// buildFixture runs a small history on a source store: e0 creates n1,
// then a snapshot, then e1 creates n2 and e2 patches n1. The full
// history is archived in one segment.
func buildFixture(t *testing.T, withSnapshot bool) *fixture {
	t.Helper()
	ctx := context.Background()

	src, err := store.NewStore(storageConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	events := []*types.TransactionEvent{
		{
			TenantID: testTenant, Actor: "user:alice", IdempotencyKey: "evt-0", TimestampMS: 1000,
			Operations: []types.Operation{{Op: types.OpCreateNode, TypeID: 1, NodeID: "n1", Payload: map[string]any{"title": "one"}}},
		},
		{
			TenantID: testTenant, Actor: "user:alice", IdempotencyKey: "evt-1", TimestampMS: 2000,
			Operations: []types.Operation{{Op: types.OpCreateNode, TypeID: 1, NodeID: "n2", Payload: map[string]any{"title": "two"}}},
		},
		{
			TenantID: testTenant, Actor: "user:alice", IdempotencyKey: "evt-2", TimestampMS: 3000,
			Operations: []types.Operation{{Op: types.OpUpdateNode, Ref: &types.NodeRef{ID: "n1"}, Patch: map[string]any{"title": "one-v2"}}},
		},
	}

	objects := objstore.NewMemoryStore()
	ap := applier.New(nil, src, nil, nil, nil, config.ApplierConfig{}, "")
	fix := &fixture{objects: objects, events: events}

	_, err = ap.ApplyEvent(ctx, events[0], pos(0))
	require.NoError(t, err)

	if withSnapshot {
		sn := snapshotter.New(src, objects, config.SnapshotConfig{
			IntervalSeconds: 3600, Compression: "gzip", MaxConcurrent: 1,
		}, "snapshots", "")
		fix.manifest, err = sn.SnapshotNow(ctx, testTenant)
		require.NoError(t, err)
		require.Equal(t, "entdb-wal:0:0", fix.manifest.LastStreamPos)
	}

	for i := 1; i < len(events); i++ {
		_, err = ap.ApplyEvent(ctx, events[i], pos(int64(i)))
		require.NoError(t, err)
	}

	var lines []byte
	for i, event := range events {
		raw, err := json.Marshal(event)
		require.NoError(t, err)
		line, err := json.Marshal(&archiver.Entry{
			Event:      raw,
			Position:   pos(int64(i)),
			Checksum:   "sha256:unchecked",
			ArchivedAt: types.NowMS(),
		})
		require.NoError(t, err)
		lines = append(lines, line...)
		lines = append(lines, '\n')
	}
	key := archiver.SegmentObjectKey("archive", testTenant, 0, 0, int64(len(events)-1), false)
	require.NoError(t, objects.Put(context.Background(), key, lines, "application/x-ndjson"))

	return fix
}

func restoreOpts(dir string) Options {
	return Options{
		TenantID:       testTenant,
		Storage:        storageConfig(dir),
		SnapshotPrefix: "snapshots",
		ArchivePrefix:  "archive",
		Verify:         true,
	}
}

func openRestored(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.NewStore(storageConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRestoreSnapshotPlusReplay(t *testing.T) {
	ctx := context.Background()
	fix := buildFixture(t, true)
	dir := t.TempDir()

	res := Run(ctx, fix.objects, restoreOpts(dir))
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, fix.manifest.S3Key, res.SnapshotUsed)
	assert.Equal(t, 2, res.EventsReplayed)
	assert.Equal(t, "entdb-wal:0:2", res.FinalStreamPos)

	st := openRestored(t, dir)
	n1, err := st.GetNode(ctx, testTenant, "n1")
	require.NoError(t, err)
	assert.Equal(t, "one-v2", n1.Payload["title"])
	n2, err := st.GetNode(ctx, testTenant, "n2")
	require.NoError(t, err)
	assert.Equal(t, "two", n2.Payload["title"])

	stats, err := st.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.AppliedEvents)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	fix := buildFixture(t, false)
	dir := t.TempDir()

	res := Run(ctx, fix.objects, restoreOpts(dir))
	require.NoError(t, res.Err)
	assert.Empty(t, res.SnapshotUsed)
	assert.Equal(t, 3, res.EventsReplayed)
	assert.Equal(t, "entdb-wal:0:2", res.FinalStreamPos)

	st := openRestored(t, dir)
	stats, err := st.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
}

func TestRestoreSkipArchive(t *testing.T) {
	ctx := context.Background()
	fix := buildFixture(t, true)
	dir := t.TempDir()

	opts := restoreOpts(dir)
	opts.SkipArchive = true
	res := Run(ctx, fix.objects, opts)
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.EventsReplayed)
	assert.Equal(t, "entdb-wal:0:0", res.FinalStreamPos)

	st := openRestored(t, dir)
	_, err := st.GetNode(ctx, testTenant, "n1")
	require.NoError(t, err)
	_, err = st.GetNode(ctx, testTenant, "n2")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRestoreDryRun(t *testing.T) {
	ctx := context.Background()
	fix := buildFixture(t, true)
	dir := t.TempDir()

	opts := restoreOpts(dir)
	opts.DryRun = true
	res := Run(ctx, fix.objects, opts)
	require.NoError(t, res.Err)
	assert.Equal(t, fix.manifest.S3Key, res.SnapshotUsed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreBacksUpExistingDatabase(t *testing.T) {
	ctx := context.Background()
	fix := buildFixture(t, true)
	dir := t.TempDir()

	pre, err := store.NewStore(storageConfig(dir))
	require.NoError(t, err)
	require.NoError(t, pre.EnsureTenant(ctx, testTenant))
	dbPath := pre.DBPath(testTenant)
	require.NoError(t, pre.Close())

	res := Run(ctx, fix.objects, restoreOpts(dir))
	require.NoError(t, res.Err)

	_, err = os.Stat(dbPath + ".backup")
	assert.NoError(t, err)
}

func TestRestoreIdempotent(t *testing.T) {
	ctx := context.Background()
	fix := buildFixture(t, true)
	dir := t.TempDir()

	first := Run(ctx, fix.objects, restoreOpts(dir))
	require.NoError(t, first.Err)
	second := Run(ctx, fix.objects, restoreOpts(dir))
	require.NoError(t, second.Err)

	assert.Equal(t, first.EventsReplayed, second.EventsReplayed)
	assert.Equal(t, first.FinalStreamPos, second.FinalStreamPos)

	st := openRestored(t, dir)
	stats, err := st.Stats(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
	assert.Equal(t, int64(3), stats.AppliedEvents)
}

func TestRestoreMissingTenantID(t *testing.T) {
	res := Run(context.Background(), objstore.NewMemoryStore(), Options{})
	require.Error(t, res.Err)
	assert.False(t, res.Success)
}
