/*
Package restore rebuilds a tenant's canonical database from object
storage, offline.

# Architecture

	┌──────────────────── RESTORE ─────────────────────────┐
	│                                                      │
	│  latest manifest ──▶ download blob ──▶ checksum      │
	│  (or none: empty db)      │                          │
	│                           ▼                          │
	│            [gunzip] ─▶ temp file ─▶ atomic rename    │
	│                           │                          │
	│                           ▼                          │
	│        start offset = last ledger position           │
	│                           │                          │
	│                           ▼                          │
	│   archive segments with to_offset > start:           │
	│     per entry, offset > start ─▶ ApplyEvent          │
	│     (same semantics as live apply, commit per event) │
	│                           │                          │
	│                           ▼                          │
	│              [PRAGMA integrity_check]                │
	└──────────────────────────────────────────────────────┘

An existing database is renamed to a ".backup" sibling, never deleted.
Replay goes through the applier's ApplyEvent, so alias resolution,
visibility rows, and ledger rows come out exactly as the live pipeline
produced them; re-running a restore dedups against the restored ledger
and is idempotent.

# Usage

	res := restore.Run(ctx, objects, restore.Options{
		TenantID:       "acme",
		Storage:        cfg.Storage,
		SnapshotPrefix: cfg.S3.SnapshotPrefix,
		ArchivePrefix:  cfg.S3.ArchivePrefix,
		Verify:         true,
	})

DryRun reports the snapshot and segment count without touching the
data directory. SkipArchive installs the snapshot only.

# See Also

  - pkg/snapshotter: manifests this package selects from
  - pkg/archiver: segments this package replays
  - pkg/applier: the replay semantics
*/
package restore
