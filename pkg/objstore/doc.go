/*
Package objstore provides the object storage layer used by the durability
pipeline: archive segments, database snapshots, and snapshot manifests all
live behind the Store interface defined here.

# Architecture

The package exposes one small interface with two implementations:

	┌──────────────────────────────────────────────────┐
	│                  objstore.Store                  │
	│   Put / Get / List / Delete / Exists             │
	└───────────────┬──────────────────┬───────────────┘
	                │                  │
	       ┌────────▼───────┐  ┌───────▼────────┐
	       │    S3Store     │  │  MemoryStore   │
	       │ aws-sdk-go-v2  │  │  map + mutex   │
	       │ prod backend   │  │  tests / dev   │
	       └────────────────┘  └────────────────┘

Keys are flat strings. Hierarchy ("archive/tenant=t1/...") exists only as
key prefixes, which is how both S3 and the in-memory map naturally model
it. Objects are written once and never mutated in place.

# Core Components

Store: the interface consumed by the archiver, snapshotter, and restore
tool. All methods take a context and return wrapped errors carrying the
CONNECTION code on transport failure.

S3Store: the production backend. Supports AWS S3 and S3-compatible
servers (MinIO, localstack) through an endpoint override and optional
path-style addressing. Transient failures on Put and Get are retried
with exponential backoff; a missing key surfaces as ErrNotFound without
retrying.

MemoryStore: an in-process backend for unit tests and local runs. It
keeps defensive copies of object bodies so callers cannot alias stored
data.

# Usage

	store, err := objstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		return err
	}

	if err := store.Put(ctx, key, segment, "application/gzip"); err != nil {
		return err
	}

	data, err := store.Get(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		// no snapshot yet
	}

	infos, _ := store.List(ctx, "snapshots/tenant=t1/")
	for _, info := range infos {
		fmt.Println(info.Key, info.Size)
	}

# Integration Points

  - pkg/archiver: writes JSONL segments under the archive prefix
  - pkg/snapshotter: writes snapshot blobs and manifest siblings
  - pkg/restore: reads the latest manifest, snapshot, and segments
  - pkg/config: S3Config carries bucket, region, endpoint, credentials

# Design Patterns

List always returns keys in ascending order regardless of backend, so
callers can rely on lexicographic iteration (snapshot timestamps and
zero-padded archive offsets sort correctly as strings).

Delete of a missing key succeeds. Both backends treat delete as
idempotent, matching S3 semantics.

# See Also

  - pkg/archiver: archive segment format and key layout
  - pkg/snapshotter: snapshot and manifest key layout
*/
package objstore
