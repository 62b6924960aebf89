/*
Package mailbox implements per-user notification inboxes with full-text
search. Each (tenant, user) pair gets its own SQLite database holding
mailbox items and an FTS5 index over their snippets.

# Architecture

	 applier fanout ──write──▶ ┌──────────────────────────┐ ◀──read── api
	                           │      mailbox.Store       │
	                           └────────────┬─────────────┘
	                                        │
	             mailboxes/mailbox_<tenant>_<user>.db (one per pair)
	                     ┌──────────────────────────┐
	                     │ mailbox_items            │
	                     │ fts_mailbox (FTS5)       │◀── triggers keep
	                     │   content='mailbox_items'│    index in sync
	                     └──────────────────────────┘

fts_mailbox is an external-content FTS5 table: the snippet text lives
only in mailbox_items, and AFTER INSERT/UPDATE/DELETE triggers mirror
every change into the index. RebuildFTS re-derives the whole index from
the content table if it ever drifts.

# Read and Write Semantics

A mailbox that was never written to does not exist on disk. Reads
against it (ListItems, Search, GetThread, UnreadCount, MarkRead,
deletes) succeed with empty results; the first AddItem creates the
database. Item state is free-form JSON; the read flag lives at
state.read and is queried with json_extract and flipped with json_set
so partial state updates never clobber other keys.

A malformed FTS query (unbalanced quotes, bad syntax) logs a warning
and returns no results instead of failing the API request.

# Usage

	mb, err := mailbox.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer mb.Close()

	item, err := mb.AddItem(ctx, &types.MailboxItem{
		TenantID:     "acme",
		UserID:       "user:42",
		SourceTypeID: 3,
		SourceNodeID: node.NodeID,
		ThreadID:     "th-9",
		Snippet:      "Deploy finished on staging",
	})

	results, err := mb.Search(ctx, "acme", "user:42", "deploy", 20, 0, nil)
	for _, r := range results {
		fmt.Println(r.Rank, r.Highlights)
	}

# Integration Points

  - pkg/applier: AddItem during fanout after the canonical commit
  - pkg/api: list, search, thread, mark-read, and unread endpoints
  - pkg/config: StorageConfig supplies the data dir and SQLite tuning

# See Also

  - pkg/store: the canonical per-tenant databases these items reference
*/
package mailbox
