package applier

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/events"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
	"github.com/entdb/entdb/pkg/wal"
)

type testHarness struct {
	applier *Applier
	store   *store.Store
	mailbox *mailbox.Store
	stream  *wal.MemoryStream
	hub     *events.Hub
}

func newTestHarness(t *testing.T, reg *schema.Registry) *testHarness {
	t.Helper()

	storageCfg := config.StorageConfig{
		DataDir:       t.TempDir(),
		WALMode:       true,
		BusyTimeoutMS: 5000,
	}
	st, err := store.NewStore(storageCfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mb, err := mailbox.NewStore(storageCfg)
	require.NoError(t, err)
	t.Cleanup(func() { mb.Close() })

	stream := wal.NewMemoryStream(wal.DefaultNumPartitions)
	require.NoError(t, stream.Connect(context.Background()))
	t.Cleanup(func() { stream.Close() })

	hub := events.NewHub()
	hub.Start()
	t.Cleanup(hub.Stop)

	cfg := config.ApplierConfig{
		Group:            "test-applier",
		BatchSize:        10,
		CommitIntervalMS: 50,
		RetryDelayMS:     1,
		MaxRetries:       2,
	}

	return &testHarness{
		applier: New(stream, st, mb, reg, hub, cfg, wal.DefaultTopic),
		store:   st,
		mailbox: mb,
		stream:  stream,
		hub:     hub,
	}
}

func encodeEvent(e *types.TransactionEvent) ([]byte, error) {
	return json.Marshal(e)
}

func testEvent(tenantID, key string, ops ...types.Operation) *types.TransactionEvent {
	return &types.TransactionEvent{
		TenantID:       tenantID,
		Actor:          "user:alice",
		IdempotencyKey: key,
		TimestampMS:    1700000000000,
		Operations:     ops,
	}
}

func TestApplyEventCreateNode(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	event := testEvent("t1", "evt-1", types.Operation{
		Op:      types.OpCreateNode,
		TypeID:  1,
		NodeID:  "n1",
		Payload: map[string]any{"title": "hello"},
		ACL:     []types.ACLEntry{{Principal: "user:bob", Permission: types.PermissionRead}},
	})

	res, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{Topic: "wal", Partition: 0, Offset: 7})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	assert.Equal(t, []string{"n1"}, res.CreatedNodes)

	node, err := h.store.GetNode(ctx, "t1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "user:alice", node.OwnerActor)
	assert.Equal(t, "hello", node.Payload["title"])
	assert.Equal(t, int64(1700000000000), node.CreatedAtMS)

	applied, err := h.store.CheckIdempotency(ctx, "t1", "evt-1")
	require.NoError(t, err)
	assert.True(t, applied)

	pos, err := h.store.LastAppliedPosition(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "wal:0:7", pos)
}

func TestApplyEventDuplicateSkipped(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	event := testEvent("t1", "evt-1", types.Operation{
		Op: types.OpCreateNode, TypeID: 1, NodeID: "n1",
	})

	_, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{})
	require.NoError(t, err)

	res, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	stats, err := h.store.Stats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Nodes)
	assert.Equal(t, int64(1), stats.AppliedEvents)
}

func TestApplyEventAliasEdge(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	event := testEvent("t1", "evt-1",
		types.Operation{Op: types.OpCreateNode, TypeID: 1, Alias: "doc", Payload: map[string]any{"title": "doc"}},
		types.Operation{Op: types.OpCreateNode, TypeID: 2, Alias: "folder"},
		types.Operation{
			Op:     types.OpCreateEdge,
			EdgeID: 10,
			From:   &types.NodeRef{Alias: "$folder"},
			To:     &types.NodeRef{Alias: "$doc.id"},
			Props:  map[string]any{"order": float64(1)},
		},
	)

	res, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{})
	require.NoError(t, err)
	require.Len(t, res.CreatedNodes, 2)
	assert.Equal(t, 1, res.CreatedEdges)

	docID, folderID := res.CreatedNodes[0], res.CreatedNodes[1]
	edges, err := h.store.GetEdgesFrom(ctx, "t1", folderID, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, docID, edges[0].ToNodeID)
	assert.Equal(t, float64(1), edges[0].Props["order"])
}

func TestApplyEventUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	_, err := h.applier.ApplyEvent(ctx, testEvent("t1", "evt-1", types.Operation{
		Op: types.OpCreateNode, TypeID: 1, NodeID: "n1",
		Payload: map[string]any{"title": "v1", "status": "open"},
	}), wal.StreamPos{})
	require.NoError(t, err)

	_, err = h.applier.ApplyEvent(ctx, testEvent("t1", "evt-2", types.Operation{
		Op:    types.OpUpdateNode,
		Ref:   &types.NodeRef{ID: "n1"},
		Patch: map[string]any{"title": "v2"},
	}), wal.StreamPos{})
	require.NoError(t, err)

	node, err := h.store.GetNode(ctx, "t1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "v2", node.Payload["title"])
	assert.Equal(t, "open", node.Payload["status"])

	_, err = h.applier.ApplyEvent(ctx, testEvent("t1", "evt-3", types.Operation{
		Op:  types.OpDeleteNode,
		Ref: &types.NodeRef{ID: "n1"},
	}), wal.StreamPos{})
	require.NoError(t, err)

	_, err = h.store.GetNode(ctx, "t1", "n1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestApplyEventRollbackOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	event := testEvent("t1", "evt-1",
		types.Operation{Op: types.OpCreateNode, TypeID: 1, NodeID: "n1"},
		types.Operation{
			Op:    types.OpUpdateNode,
			Ref:   &types.NodeRef{ID: "missing"},
			Patch: map[string]any{"x": 1},
		},
	)

	_, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{})
	require.Error(t, err)

	// The failed event left nothing behind: no node, no ledger row.
	_, err = h.store.GetNode(ctx, "t1", "n1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	applied, err := h.store.CheckIdempotency(ctx, "t1", "evt-1")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyEventFanout(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	event := testEvent("t1", "evt-1", types.Operation{
		Op:     types.OpCreateNode,
		TypeID: 1,
		NodeID: "n1",
		Payload: map[string]any{
			"title": "Weekly report",
			"body":  "Numbers are up",
		},
		ACL: []types.ACLEntry{
			{Principal: "user:carol", Permission: types.PermissionRead},
			{Principal: "role:admin", Permission: types.PermissionAdmin},
		},
		FanoutTo: []string{"user:bob", "user:carol", "group:eng"},
	})

	_, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{})
	require.NoError(t, err)

	for _, user := range []string{"bob", "carol"} {
		items, err := h.mailbox.ListItems(ctx, "t1", user, mailbox.ListOptions{})
		require.NoError(t, err)
		require.Len(t, items, 1, "user %s", user)
		assert.Equal(t, "n1", items[0].SourceNodeID)
		assert.Equal(t, "Weekly report Numbers are up", items[0].Snippet)
		assert.Equal(t, int64(1700000000000), items[0].TimestampMS)
	}

	// Non-user principals get no mailbox.
	items, err := h.mailbox.ListItems(ctx, "t1", "eng", mailbox.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestApplyEventSchemaFingerprintPin(t *testing.T) {
	ctx := context.Background()

	reg := schema.NewRegistry()
	require.NoError(t, reg.RegisterNodeType(&schema.NodeType{TypeID: 1, Name: "document"}))
	fp, err := reg.Freeze()
	require.NoError(t, err)

	h := newTestHarness(t, reg)

	pinned := testEvent("t1", "evt-1", types.Operation{Op: types.OpCreateNode, TypeID: 1})
	pinned.SchemaFingerprint = fp
	_, err = h.applier.ApplyEvent(ctx, pinned, wal.StreamPos{})
	require.NoError(t, err)

	stale := testEvent("t1", "evt-2", types.Operation{Op: types.OpCreateNode, TypeID: 1})
	stale.SchemaFingerprint = "sha256:0000"
	_, err = h.applier.ApplyEvent(ctx, stale, wal.StreamPos{})
	require.Error(t, err)
	assert.Equal(t, types.CodeSchemaMismatch, types.CodeOf(err))
}

func TestApplyEventUnknownOpIgnored(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)

	event := testEvent("t1", "evt-1",
		types.Operation{Op: "teleport_node"},
		types.Operation{Op: types.OpCreateNode, TypeID: 1, NodeID: "n1"},
	)

	res, err := h.applier.ApplyEvent(ctx, event, wal.StreamPos{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"n1"}, res.CreatedNodes)
}

func TestResolveRef(t *testing.T) {
	aliases := map[string]string{"doc": "node-123"}

	tests := []struct {
		name string
		ref  *types.NodeRef
		want string
	}{
		{"plain id", &types.NodeRef{ID: "abc"}, "abc"},
		{"alias", &types.NodeRef{Alias: "$doc"}, "node-123"},
		{"alias with suffix", &types.NodeRef{Alias: "$doc.id"}, "node-123"},
		{"unknown alias falls through", &types.NodeRef{Alias: "$other"}, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveRef(tt.ref, aliases)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resolveRef(nil, aliases)
	assert.Error(t, err)
	_, err = resolveRef(&types.NodeRef{}, aliases)
	assert.Error(t, err)
}

func TestGenerateSnippet(t *testing.T) {
	assert.Equal(t, "", generateSnippet(nil))
	assert.Equal(t, "t b", generateSnippet(map[string]any{
		"title": "t",
		"body":  "b",
		"count": 5,
	}))

	long := map[string]any{"content": strings.Repeat("x", 2*maxSnippetLen)}
	assert.Len(t, []rune(generateSnippet(long)), maxSnippetLen)
}

func TestRunConsumesStream(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	done := make(chan error, 1)
	go func() { done <- h.applier.Run(ctx) }()

	event := testEvent("t1", "evt-1", types.Operation{Op: types.OpCreateNode, TypeID: 1, NodeID: "n1"})
	value, err := encodeEvent(event)
	require.NoError(t, err)
	_, err = h.stream.Append(ctx, wal.DefaultTopic, "t1", value, nil)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	n, err := events.WaitFor(waitCtx, sub, "t1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeApplied, n.Outcome)
	assert.Equal(t, []string{"n1"}, n.CreatedNodeIDs)

	node, err := h.store.GetNode(context.Background(), "t1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", node.NodeID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	stats := h.applier.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestRunAcksMalformedRecord(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	done := make(chan error, 1)
	go func() { done <- h.applier.Run(ctx) }()

	_, err := h.stream.Append(ctx, wal.DefaultTopic, "t1", []byte("{not json"), nil)
	require.NoError(t, err)

	// A valid event behind the garbage still applies: the bad record
	// was acknowledged, not retried forever.
	event := testEvent("t1", "evt-2", types.Operation{Op: types.OpCreateNode, TypeID: 1, NodeID: "n2"})
	value, err := encodeEvent(event)
	require.NoError(t, err)
	_, err = h.stream.Append(ctx, wal.DefaultTopic, "t1", value, nil)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	n, err := events.WaitFor(waitCtx, sub, "t1", "evt-2")
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeApplied, n.Outcome)

	cancel()
	<-done

	stats := h.applier.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestObserverFlush(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)
	require.NoError(t, h.store.EnsureTenant(ctx, "t1"))

	obs := h.applier.Observer()
	obs.ObserveNode("t1", 1, map[string]any{"title": "a", "count": float64(3)})
	obs.ObserveNode("t1", 1, map[string]any{"title": "b", "tags": []any{"x"}})
	obs.ObserveEdge("t1", 10, map[string]any{"weight": 1.5})
	obs.Flush(ctx)

	nodeTypes, err := h.store.ObservedNodeTypes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, nodeTypes, 1)
	assert.Equal(t, int32(1), nodeTypes[0].TypeID)
	assert.Equal(t, "type_1", nodeTypes[0].Name)

	names := make(map[string]bool)
	for _, f := range nodeTypes[0].Fields {
		names[f.Name] = true
	}
	assert.True(t, names["title"])
	assert.True(t, names["count"])
	assert.True(t, names["tags"])

	edgeTypes, err := h.store.ObservedEdgeTypes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, edgeTypes, 1)
	assert.Equal(t, int32(10), edgeTypes[0].EdgeID)
}
