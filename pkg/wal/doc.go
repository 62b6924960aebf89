/*
Package wal is the durable ordered log every write flows through. One
interface, four backends: in-process memory (tests, dev), bbolt (single
node durability), Kafka (production), and Kinesis.

# Architecture

	api.Append ──▶ ┌──────────────────────────────┐
	               │         wal.Stream           │
	               │  partition = hash(tenant_id) │
	               └──┬───────┬───────┬───────┬───┘
	                  ▼       ▼       ▼       ▼
	               memory   bolt    kafka  kinesis
	                  │
	                  ▼ Subscribe(group)
	            applier / archiver (independent groups)

# Guarantees

Append returns only after the record is durably stored, with its
StreamPos (topic, partition, offset). Records sharing a key land in
the same partition and are totally ordered within it; tenant ids are
the key, so one tenant's events never interleave out of order.
Consumer groups commit positions independently: the applier and the
archiver each track their own progress over the same records.
Uncommitted records are redelivered after restart, giving every
consumer at-least-once delivery.

The embedded backends hash keys onto DefaultNumPartitions with the
same function, so a key's partition is stable across backend swaps.

# Positions

StreamPos serializes as "topic:partition:offset". The ledger and the
snapshot manifests store this form; ParseStreamPos reads it back,
tolerating topics containing ':'.

# See Also

  - pkg/applier and pkg/archiver: the two consumer groups
  - pkg/config: backend selection and credentials
*/
package wal
