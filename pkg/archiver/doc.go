/*
Package archiver copies the transaction log into immutable object
storage segments for long-term retention and point-in-time restore.

# Architecture

The archiver runs under its own consumer group, so its progress is
independent of the applier's:

	┌──────────────────── ARCHIVER ────────────────────────┐
	│                                                      │
	│   log ──▶ ingest ──▶ pending segments                │
	│                      keyed (tenant, partition)       │
	│                          │                           │
	│       size ≥ max bytes ──┤                           │
	│     count ≥ max events ──┼──▶ flush: NDJSON [+gzip]  │
	│       interval elapsed ──┤         │                 │
	│               shutdown ──┘         ▼                 │
	│                              object storage          │
	│   archive/tenant=<id>/partition=<p>/                 │
	│            from=<%020d>_to=<%020d>.jsonl[.gz]        │
	└──────────────────────────────────────────────────────┘

Each entry carries the raw event JSON, its log position, a sha256
checksum of the record bytes, and the archive timestamp. Offsets are
zero-padded in the key so lexicographic listing order is offset order.

# Delivery Guarantees

Offsets commit only after upload: a partition's committed offset stays
just below its oldest still-buffered segment. A crash therefore
re-reads the unflushed tail and re-archives it; segments may overlap
after a crash but no record is ever lost. A failed upload re-enqueues
the segment, merging with anything buffered since, and the next flush
retries it.

# Usage

	ar := archiver.New(stream, objects, cfg.Archiver, cfg.S3.ArchivePrefix, cfg.Topic())
	go ar.Run(ctx)

ListSegments and ReadSegment expose the archive to the restore tool
without the tool knowing the key layout.

# See Also

  - pkg/objstore: the storage interface segments are written through
  - pkg/restore: replays segments after a snapshot
*/
package archiver
