package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/api"
	"github.com/entdb/entdb/pkg/applier"
	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/events"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
	"github.com/entdb/entdb/pkg/wal"
)

func newTestClient(t *testing.T) *Client {
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

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ap := applier.New(stream, st, mb, nil, hub, config.ApplierConfig{
		Group:            "test-applier",
		BatchSize:        1,
		CommitIntervalMS: 20,
		RetryDelayMS:     1,
		MaxRetries:       2,
	}, wal.DefaultTopic)
	go ap.Run(ctx)

	srv := api.New(st, mb, stream, nil, hub, config.APIConfig{
		MaxBodyBytes:  1 << 20,
		WaitTimeoutMS: 5000,
	}, wal.DefaultTopic)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return NewClient(ts.URL, WithTimeout(10*time.Second))
}

func TestExecuteAtomicAndRead(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rc := types.RequestContext{TenantID: "t1", Actor: "user:alice"}

	receipt, err := c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context: rc,
		Operations: []types.Operation{
			CreateNode(1, "", map[string]any{"title": "quarterly report"},
				WithAlias("doc"),
				WithFanout("user:bob")),
			CreateNode(2, "folder-1", map[string]any{"name": "reports"}),
			CreateEdge(10, "folder-1", "$doc"),
		},
		IdempotencyKey: "evt-1",
		WaitApplied:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusApplied, receipt.Status)
	require.Len(t, receipt.CreatedNodeIDs, 2)
	docID := receipt.CreatedNodeIDs[0]

	node, err := c.GetNode(ctx, rc, docID)
	require.NoError(t, err)
	assert.Equal(t, "quarterly report", node.Payload["title"])

	edges, err := c.GetEdges(ctx, rc, "folder-1", "from", 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, docID, edges[0].ToNodeID)

	nodes, err := c.QueryNodes(ctx, rc, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "folder-1", nodes[0].NodeID)
}

func TestReceiptLookup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	receipt, err := c.ReceiptStatus(ctx, "ghost", "nope")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnknown, receipt.Status)

	_, err = c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context:        types.RequestContext{TenantID: "t1", Actor: "user:alice"},
		Operations:     []types.Operation{CreateNode(1, "n1", nil)},
		IdempotencyKey: "evt-1",
		WaitApplied:    true,
	})
	require.NoError(t, err)

	receipt, err = c.ReceiptStatus(ctx, "t1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusApplied, receipt.Status)
}

func TestErrorsCarryCodes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context: types.RequestContext{TenantID: "t1", Actor: "user:alice"},
	})
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))

	_, err = c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context: types.RequestContext{TenantID: "t1", Actor: "user:alice"},
		Operations: []types.Operation{
			CreateNode(1, "n1", nil, WithACL(types.ACLEntry{
				Principal:  "user:alice",
				Permission: types.PermissionRead,
			})),
		},
		IdempotencyKey: "evt-1",
		WaitApplied:    true,
	})
	require.NoError(t, err)

	rc := types.RequestContext{TenantID: "t1", Actor: "user:mallory"}
	_, err = c.GetNode(ctx, rc, "n1")
	assert.Equal(t, types.CodeAccessDenied, types.CodeOf(err))

	owner := types.RequestContext{TenantID: "t1", Actor: "user:alice"}
	_, err = c.GetNode(ctx, owner, "missing")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestBatchAndMailbox(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rc := types.RequestContext{TenantID: "t1", Actor: "user:alice"}

	_, err := c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context: rc,
		Operations: []types.Operation{
			CreateNode(1, "n1", map[string]any{"subject": "hello bob"},
				WithFanout("user:bob")),
			CreateNode(1, "n2", nil),
		},
		IdempotencyKey: "evt-1",
		WaitApplied:    true,
	})
	require.NoError(t, err)

	batch, err := c.GetNodes(ctx, rc, []string{"n1", "n2", "ghost"})
	require.NoError(t, err)
	assert.Len(t, batch.Nodes, 2)
	assert.Equal(t, []string{"ghost"}, batch.MissingIDs)

	var items []*types.MailboxItem
	require.Eventually(t, func() bool {
		items, err = c.GetMailbox(ctx, "t1", "bob", mailbox.ListOptions{})
		return err == nil && len(items) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello bob", items[0].Snippet)

	unread, err := c.UnreadCount(ctx, "t1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	results, err := c.SearchMailbox(ctx, "t1", "bob", "hello", 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	updated, err := c.MarkRead(ctx, "t1", "bob", []string{items[0].ItemID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	unread, err = c.UnreadCount(ctx, "t1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), unread)
}

func TestUpdateDeleteBuilders(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rc := types.RequestContext{TenantID: "t1", Actor: "user:alice"}

	_, err := c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context: rc,
		Operations: []types.Operation{
			CreateNode(1, "n1", map[string]any{"title": "v1"}),
			CreateNode(1, "n2", nil),
		},
		IdempotencyKey: "evt-1",
		WaitApplied:    true,
	})
	require.NoError(t, err)

	_, err = c.ExecuteAtomic(ctx, &api.AtomicRequest{
		Context: rc,
		Operations: []types.Operation{
			UpdateNode("n1", map[string]any{"title": "v2"}),
			DeleteNode("n2"),
		},
		IdempotencyKey: "evt-2",
		WaitApplied:    true,
	})
	require.NoError(t, err)

	node, err := c.GetNode(ctx, rc, "n1")
	require.NoError(t, err)
	assert.Equal(t, "v2", node.Payload["title"])

	_, err = c.GetNode(ctx, rc, "n2")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestHealth(t *testing.T) {
	c := newTestClient(t)
	metrics.RegisterComponent("wal", true, "")
	metrics.RegisterComponent("applier", true, "")
	metrics.RegisterComponent("api", true, "")
	require.NoError(t, c.Health(context.Background()))
}

func TestRefForms(t *testing.T) {
	assert.Equal(t, &types.NodeRef{Alias: "$doc"}, Ref("$doc"))
	assert.Equal(t, &types.NodeRef{ID: "node-1"}, Ref("node-1"))
}
