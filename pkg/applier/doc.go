/*
Package applier materializes the transaction log into per-tenant
canonical stores.

# Architecture

The applier is the single writer of canonical state. It consumes
transaction events from the durable log as a consumer group member and
turns each event into one SQLite transaction on the tenant's database:

	┌────────────────────── APPLIER ───────────────────────┐
	│                                                      │
	│   log ──▶ Subscription.Next                          │
	│              │                                       │
	│              ▼                                       │
	│        decode + validate ──(malformed)──▶ ack + log  │
	│              │                                       │
	│              ▼                                       │
	│        ledger dedup ──(duplicate)──▶ skipped         │
	│              │                                       │
	│              ▼                                       │
	│        ONE store transaction:                        │
	│          op 1 … op N + ledger row                    │
	│              │                                       │
	│              ▼ (commit)                              │
	│        mailbox fanout ──▶ per-user mailboxes         │
	│        schema observer ──▶ observed type tables      │
	│        hub notification ──▶ wait-applied API path    │
	│              │                                       │
	│              ▼                                       │
	│        Subscription.Commit (batched)                 │
	└──────────────────────────────────────────────────────┘

Atomicity comes from the single store transaction: either every
operation of an event and its idempotency ledger row commit together,
or none do. Fanout and observation run after the commit and are
best-effort; their failures log a warning and never fail the event.

# Core Components

Applier: the consume loop. Offsets commit in batches, bounded by an
idle interval, so redelivery after a crash replays at most one batch.
Replayed events dedup against the ledger and come out skipped.

Retries: transient storage errors retry with a constant backoff up to
a configured cap. Permanent failures (bad refs, schema pins) and
records that exhaust their retries are counted, reported on the hub,
and acknowledged so one poisoned event cannot wedge its partition.

Observer: buffers the field shapes seen in applied payloads and
periodically upserts them into the tenant's observed-type tables,
which feed the merged schema endpoint.

# Event Semantics

Operations run in order. A create_node with an "as" alias makes the
generated node ID addressable by later operations in the same event as
"$alias" or "$alias.suffix". Timestamps come from the event, so replay
produces identical rows.

An event carrying a schema_fingerprint applies only while the frozen
registry matches it; anything else fails with SCHEMA_MISMATCH.

Fanout recipients for a created node are the operation's fanout_to
list plus every ACL principal with a "user:" prefix. The mailbox
snippet joins the node's common text fields (title, name, subject,
content, body, text, description).

# Usage

	a := applier.New(stream, canonical, mailboxes, registry, hub, cfg.Applier, cfg.Topic())
	go a.Run(ctx)

ApplyEvent is exported for point-in-time restore, which replays
archived events through the same code path.

# See Also

  - pkg/store: the transaction handle the applier commits through
  - pkg/mailbox: fanout destination
  - pkg/events: applied/failed notifications
  - pkg/restore: replays archives via ApplyEvent
*/
package applier
