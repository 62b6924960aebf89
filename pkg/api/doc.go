// Package api implements the HTTP/JSON front door of the service.
//
// # Architecture
//
// Writes never touch SQLite directly. The server validates the request,
// assigns node IDs, appends a transaction event to the log, and answers
// with a receipt. Reads bypass the log and query the canonical store
// and the mailbox store with the caller's visibility applied.
//
//	          POST /v1/atomic
//	Client ────────────────────▶ Server ──▶ WAL ──▶ applier ──▶ SQLite
//	  │                            │                   │
//	  │        GET /v1/nodes/...   │    wait_applied   │
//	  └────────────────────────────┼◀──── events.Hub ◀─┘
//	                               ▼
//	                        store / mailbox
//
// # Core Components
//
//   - Server: route table, lifecycle (Start/Stop), and the handler set.
//   - middleware: panic recovery, request logging, and prometheus
//     counters labeled by route pattern.
//   - respond: the error envelope and the code to HTTP status mapping.
//
// # Write Path
//
// POST /v1/atomic is asynchronous by default: the receipt comes back
// PENDING with the stream position. With wait_applied the server
// subscribes to the applier's notification hub before appending, so a
// fast apply cannot race past the wait, and upgrades the receipt to
// APPLIED or FAILED within the wait timeout. Duplicate idempotency
// keys return an APPLIED receipt without appending again.
//
// # Usage
//
//	srv := api.New(st, mb, stream, registry, hub, cfg.API, cfg.Topic())
//	go srv.Start()
//	defer srv.Stop(ctx)
//
// # See Also
//
//   - pkg/applier for the consumer that materializes appended events.
//   - pkg/events for the wait_applied notification hub.
//   - pkg/store and pkg/mailbox for the read-side stores.
package api
