/*
Package types defines the core data structures shared by every other
package: the transaction event wire format, the graph entities it
materializes into, and the coded error model.

# Architecture

The write path and the read path meet in this package:

	┌─────────────────── WRITE SIDE ───────────────────┐
	│  Operation (create_node, update_node, ...)        │
	│  NodeRef   ("$alias" or literal id)               │
	│  TransactionEvent (atomic batch of operations)    │
	│  Receipt   (PENDING / APPLIED / FAILED / UNKNOWN) │
	└───────────────────────────────────────────────────┘
	┌─────────────────── READ SIDE ────────────────────┐
	│  Node, Edge      (materialized graph entities)    │
	│  ACLEntry        (principal + permission)         │
	│  MailboxItem     (fanout delivery)                │
	└───────────────────────────────────────────────────┘

# Error Model

Errors carry a stable machine code (INVALID_ARGUMENT, NOT_FOUND,
ACCESS_DENIED, SCHEMA_MISMATCH, ...) created with E or WrapErr
and recovered with CodeOf. IsRetryable drives the applier's retry
decision and the API's retryable flag. Sentinel errors (ErrNotFound,
ErrAccessDenied) support errors.Is across package boundaries.

# Wire Format

All JSON field names are snake_case and all timestamps are epoch
milliseconds. NodeRef unmarshals from three forms: a bare string
("node-1" or "$alias"), {"ref": "$alias"}, or the explicit object.
Operations inside one TransactionEvent apply atomically in order.

# See Also

  - pkg/applier: consumes TransactionEvent and enforces its semantics
  - pkg/api: accepts Operations and returns Receipts
*/
package types
