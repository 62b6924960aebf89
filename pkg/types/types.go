package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpType identifies a transaction operation.
type OpType string

const (
	OpCreateNode OpType = "create_node"
	OpUpdateNode OpType = "update_node"
	OpDeleteNode OpType = "delete_node"
	OpCreateEdge OpType = "create_edge"
	OpDeleteEdge OpType = "delete_edge"
)

// Permission is an access level granted by an ACL entry.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionAdmin  Permission = "admin"
)

// ReceiptStatus tracks where a submitted transaction event is in the pipeline.
type ReceiptStatus string

const (
	StatusPending ReceiptStatus = "PENDING"
	StatusApplied ReceiptStatus = "APPLIED"
	StatusFailed  ReceiptStatus = "FAILED"
	StatusUnknown ReceiptStatus = "UNKNOWN"
)

// ACLEntry grants a permission to a principal ("type:id", e.g. "user:alice").
type ACLEntry struct {
	Principal  string     `json:"principal"`
	Permission Permission `json:"permission"`
}

// Node is a tenant-scoped entity with typed payload and access control.
type Node struct {
	TenantID    string         `json:"tenant_id"`
	NodeID      string         `json:"node_id"`
	TypeID      int32          `json:"type_id"`
	Payload     map[string]any `json:"payload"`
	OwnerActor  string         `json:"owner_actor"`
	ACL         []ACLEntry     `json:"acl,omitempty"`
	CreatedAtMS int64          `json:"created_at_ms"`
	UpdatedAtMS int64          `json:"updated_at_ms"`
}

// Edge is a directed typed relationship. Identity is
// (tenant_id, edge_type_id, from_node_id, to_node_id); re-creating an
// edge with the same identity replaces its props.
type Edge struct {
	TenantID    string         `json:"tenant_id"`
	EdgeTypeID  int32          `json:"edge_type_id"`
	FromNodeID  string         `json:"from_node_id"`
	ToNodeID    string         `json:"to_node_id"`
	Props       map[string]any `json:"props,omitempty"`
	CreatedAtMS int64          `json:"created_at_ms"`
}

// AppliedEvent is one idempotency ledger entry. idempotency_key is
// unique within a tenant.
type AppliedEvent struct {
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	StreamPosition string `json:"stream_position,omitempty"`
	AppliedAtMS    int64  `json:"applied_at_ms"`
}

// MailboxItem is one entry in a per-(tenant,user) mailbox.
type MailboxItem struct {
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	ItemID       string         `json:"item_id"`
	RefID        string         `json:"ref_id"`
	SourceTypeID int32          `json:"source_type_id"`
	SourceNodeID string         `json:"source_node_id"`
	ThreadID     string         `json:"thread_id,omitempty"`
	TimestampMS  int64          `json:"ts_ms"`
	State        map[string]any `json:"state,omitempty"`
	Snippet      string         `json:"snippet,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NodeRef addresses a node inside a transaction operation. Exactly one
// form is set: a bare opaque ID, an alias reference ("$alias" or
// "$alias.suffix") resolving to a node created earlier in the same
// event, or a (type_id, id) pair.
type NodeRef struct {
	ID     string `json:"id,omitempty"`
	Alias  string `json:"ref,omitempty"`
	TypeID int32  `json:"type_id,omitempty"`
}

// UnmarshalJSON accepts the three wire forms: "id-or-$alias",
// {"ref": "$alias"}, or {"type_id": N, "id": "..."}.
func (r *NodeRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if len(s) > 0 && s[0] == '$' {
			r.Alias = s
		} else {
			r.ID = s
		}
		return nil
	}
	type plain NodeRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid node ref: %w", err)
	}
	*r = NodeRef(p)
	if r.Alias == "" && r.ID == "" {
		return fmt.Errorf("invalid node ref: missing id and ref")
	}
	return nil
}

// MarshalJSON emits the most compact wire form for the ref.
func (r NodeRef) MarshalJSON() ([]byte, error) {
	if r.Alias != "" {
		return json.Marshal(map[string]string{"ref": r.Alias})
	}
	if r.TypeID != 0 {
		return json.Marshal(map[string]any{"type_id": r.TypeID, "id": r.ID})
	}
	return json.Marshal(r.ID)
}

// Operation is one step of a TransactionEvent. Fields are populated
// per op kind: create_node uses TypeID/NodeID/Payload/ACL/Alias/FanoutTo,
// update_node uses TypeID/Ref/Patch, delete_node uses TypeID/Ref,
// create_edge and delete_edge use EdgeID/From/To (create also Props).
type Operation struct {
	Op       OpType         `json:"op"`
	TypeID   int32          `json:"type_id,omitempty"`
	NodeID   string         `json:"id,omitempty"`
	Payload  map[string]any `json:"data,omitempty"`
	ACL      []ACLEntry     `json:"acl,omitempty"`
	Alias    string         `json:"as,omitempty"`
	FanoutTo []string       `json:"fanout_to,omitempty"`
	Ref      *NodeRef       `json:"ref,omitempty"`
	Patch    map[string]any `json:"patch,omitempty"`
	EdgeID   int32          `json:"edge_id,omitempty"`
	From     *NodeRef       `json:"from,omitempty"`
	To       *NodeRef       `json:"to,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}

// TransactionEvent is the unit of work written to the log. All of its
// operations apply atomically in order.
type TransactionEvent struct {
	TenantID          string      `json:"tenant_id"`
	Actor             string      `json:"actor"`
	IdempotencyKey    string      `json:"idempotency_key"`
	SchemaFingerprint string      `json:"schema_fingerprint,omitempty"`
	TimestampMS       int64       `json:"ts_ms"`
	Operations        []Operation `json:"ops"`
}

// Validate checks the required event fields.
func (e *TransactionEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: missing tenant_id", ErrInvalidEvent)
	}
	if e.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrInvalidEvent)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency_key", ErrInvalidEvent)
	}
	if e.Operations == nil {
		return fmt.Errorf("%w: missing ops", ErrInvalidEvent)
	}
	return nil
}

// DecodeTransactionEvent parses an event from its log-record bytes.
// A missing ts_ms defaults to the current time.
func DecodeTransactionEvent(data []byte) (*TransactionEvent, error) {
	var e TransactionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode transaction event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.TimestampMS == 0 {
		e.TimestampMS = NowMS()
	}
	return &e, nil
}

// Receipt acknowledges a durably appended transaction event.
type Receipt struct {
	TenantID       string        `json:"tenant_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	StreamPosition string        `json:"stream_position"`
	Status         ReceiptStatus `json:"status,omitempty"`
	CreatedNodeIDs []string      `json:"created_node_ids,omitempty"`
}

// RequestContext carries caller identity on every API request.
type RequestContext struct {
	TenantID string `json:"tenant_id"`
	Actor    string `json:"actor"`
}

// NowMS returns the current wall clock in epoch milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
