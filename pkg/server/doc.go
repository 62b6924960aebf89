// Package server assembles the full service from its components.
//
// # Architecture
//
// Run builds the dependency graph in order and supervises every
// long-running component under one errgroup: the first failure cancels
// the shared context and unwinds the rest.
//
//	schema file ──▶ registry (frozen)
//	                    │
//	WAL backend ──▶ stream ──▶ applier ──▶ store / mailbox
//	                    │          │
//	                    ├──▶ archiver ──▶ S3        (optional)
//	                    │   snapshotter ──▶ S3      (optional)
//	                    │          │
//	                    └──────▶ api ◀── events.Hub
//
// # Lifecycle
//
// Startup connects the log stream with exponential backoff, then
// starts the applier, the optional archiver and snapshotter, the
// metrics collector, and the HTTP API. Health components (wal,
// applier, api) feed the readiness endpoint. Shutdown is graceful:
// canceling the run context drains the API, commits the applier's
// batch, and flushes pending archive segments.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	srv := server.New(cfg, schemaPath)
//	return srv.Run(ctx)
//
// # See Also
//
//   - pkg/config for every knob Run consumes.
//   - cmd/entdb for the CLI entry point.
package server
