/*
Package snapshotter uploads periodic consistent copies of tenant
databases to object storage.

# Architecture

	┌─────────────────── SNAPSHOTTER ──────────────────────┐
	│                                                      │
	│  interval tick ──▶ for each tenant:                  │
	│                      due? (no manifest, or age ≥     │
	│                      interval and new events)        │
	│                        │ yes (semaphore-bounded)     │
	│                        ▼                             │
	│                  VACUUM INTO temp copy               │
	│                  read last applied position          │
	│                  [gzip] + sha256                     │
	│                        │                             │
	│                        ▼                             │
	│   snapshots/tenant=<id>/ts=<ms>.sqlite[.gz]          │
	│   snapshots/tenant=<id>/ts=<ms>...manifest.json      │
	└──────────────────────────────────────────────────────┘

The copy runs through the engine's VACUUM INTO, so a snapshot is a
transactionally consistent image taken while the applier keeps
writing. The manifest sibling records the last applied stream
position, schema fingerprint, checksum, and size; restore reads
manifests only and downloads exactly one blob.

# Core Components

Snapshotter: the interval loop. Per-tenant uploads run concurrently
under a weighted semaphore. SnapshotNow serves the operational ad-hoc
path and the CLI.

ListSnapshots / LatestManifest: manifest enumeration, newest first.

# Usage

	sn := snapshotter.New(canonical, objects, cfg.Snapshot, cfg.S3.SnapshotPrefix, fingerprint)
	go sn.Run(ctx)

# See Also

  - pkg/store: Backup provides the consistent copy
  - pkg/restore: consumes manifests and blobs
*/
package snapshotter
