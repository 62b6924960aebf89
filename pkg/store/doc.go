/*
Package store implements the canonical materialized view: one SQLite
database per tenant holding nodes, edges, the ACL visibility index,
the idempotency ledger, and observed schema types. The applier is the
only writer; the API reads.

# Architecture

	                       ┌─────────────────────────┐
	   applier ──writes──▶ │        store.Store      │ ◀──reads── api
	                       │  per-tenant *sql.DB map │
	                       └────────────┬────────────┘
	                                    │ lazily opened, cached
	            ┌───────────────────────┼───────────────────────┐
	            ▼                       ▼                       ▼
	     tenant_acme.db          tenant_beta.db          tenant_....db
	     ┌──────────────┐        (same schema)
	     │ nodes        │
	     │ edges        │
	     │ node_visibility
	     │ applied_events
	     │ observed_node_types
	     │ observed_edge_types
	     └──────────────┘

Every tenant database carries the same schema, created on first open.
SQLite runs in WAL mode through the embedded WASM build, so API reads
proceed while the applier writes. Tenant ids are sanitized to
[A-Za-z0-9_-] before they become file names.

# Core Components

Store: opens and caches tenant databases, exposes node, edge,
visibility, ledger, and observed-schema operations. Handles stay open
for the process lifetime; Close checkpoints and releases them.

Tx: a transaction handle over one tenant database. The applier runs
all operations of a transaction event plus the ledger row through one
Tx, so an event's effects and its dedup marker commit atomically.
WithTx begins the transaction in immediate mode to take the write lock
up front.

ACL helpers: principal parsing, the read < write < delete < admin
permission hierarchy, visibility principal extraction, ACL merge and
validation. The owner always has full access; "tenant:*" grants to
every actor in the tenant.

# Data Model

Nodes are keyed (tenant_id, node_id) with a JSON payload, owner, and
ACL blob. Edges are keyed (tenant_id, edge_type_id, from, to);
re-creating an identity replaces its props. node_visibility is a
derived index rebuilt from owner plus ACL on every node create, which
makes GetVisibleNodes a single indexed join instead of a JSON scan.
applied_events enforces UNIQUE(tenant_id, idempotency_key) and is the
dedup authority for the applier and for archive replay during restore.

# Usage

	s, err := store.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.EnsureTenant(ctx, "acme"); err != nil {
		return err
	}

	err = s.WithTx(ctx, "acme", func(tx *store.Tx) error {
		node, err := tx.CreateNode(ctx, 1, payload, "user:alice", "", acl, 0)
		if err != nil {
			return err
		}
		if _, err := tx.CreateEdge(ctx, 5, node.NodeID, other, nil, 0); err != nil {
			return err
		}
		return tx.RecordAppliedEvent(ctx, event.IdempotencyKey, pos.String())
	})

	nodes, err := s.GetVisibleNodes(ctx, "acme", "user:bob", 0, 50, 0)

# Integration Points

  - pkg/applier: EnsureTenant, WithTx, CheckIdempotency, observed upserts
  - pkg/api: GetNode, GetVisibleNodes, edge queries, Stats
  - pkg/snapshotter: Backup (VACUUM INTO) and DBPath
  - pkg/restore: LastAppliedPosition, IntegrityCheck, ledger replay
  - pkg/schema: observed field inference and merge

# Performance Characteristics

The first SQLite open in a process compiles the WASM runtime; a
persistent compilation cache under the user cache dir cuts subsequent
starts to milliseconds. Each database pool is capped at NumCPU+1
connections (one writer, the rest readers). Timestamps are epoch
milliseconds throughout.

# See Also

  - pkg/applier: the only writer of these databases
  - pkg/mailbox: the sibling per-(tenant,user) mailbox databases
*/
package store
