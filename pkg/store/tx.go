package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/entdb/entdb/pkg/types"
)

// Tx groups mutations of one tenant database into a single SQLite
// transaction. The applier runs every operation of a transaction event
// plus the ledger row through one Tx so the event commits atomically.
type Tx struct {
	tx       *sql.Tx
	tenantID string
}

// WithTx runs fn inside an immediate-mode transaction on the tenant's
// database. The transaction commits when fn returns nil and rolls back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, tenantID string, fn func(tx *Tx) error) error {
	db, err := s.db(ctx, tenantID, false)
	if err != nil {
		return err
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapErr(types.CodeTransaction, err, "begin transaction for %s", tenantID)
	}

	done := false
	defer func() {
		if !done {
			sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return types.WrapErr(types.CodeTransaction, err, "commit transaction for %s", tenantID)
	}
	done = true
	return nil
}

// CreateNode inserts a node and its visibility rows. An empty nodeID
// gets a fresh UUID; a zero createdAtMS defaults to now.
func (t *Tx) CreateNode(ctx context.Context, typeID int32, payload map[string]any, ownerActor, nodeID string, acl []types.ACLEntry, createdAtMS int64) (*types.Node, error) {
	if nodeID == "" {
		nodeID = newNodeID()
	}
	now := createdAtMS
	if now == 0 {
		now = types.NowMS()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if acl == nil {
		acl = []types.ACLEntry{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode payload")
	}
	aclJSON, err := json.Marshal(acl)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode acl")
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO nodes (tenant_id, node_id, type_id, payload_json,
		                   created_at, updated_at, owner_actor, acl_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.tenantID, nodeID, typeID, string(payloadJSON), now, now, ownerActor, string(aclJSON))
	if err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "insert node %s", nodeID)
	}

	if err := refreshVisibility(ctx, t.tx, t.tenantID, nodeID, ownerActor, acl); err != nil {
		return nil, err
	}

	return &types.Node{
		TenantID:    t.tenantID,
		NodeID:      nodeID,
		TypeID:      typeID,
		Payload:     payload,
		OwnerActor:  ownerActor,
		ACL:         acl,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}, nil
}

// UpdateNode merges patch into a node's payload. Missing node is a
// NOT_FOUND error.
func (t *Tx) UpdateNode(ctx context.Context, nodeID string, patch map[string]any, updatedAtMS int64) (*types.Node, error) {
	node, err := getNode(ctx, t.tx, t.tenantID, nodeID)
	if err != nil {
		return nil, err
	}

	now := updatedAtMS
	if now == 0 {
		now = types.NowMS()
	}
	if node.Payload == nil {
		node.Payload = map[string]any{}
	}
	for k, v := range patch {
		node.Payload[k] = v
	}

	payloadJSON, err := json.Marshal(node.Payload)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode payload")
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE nodes SET payload_json = ?, updated_at = ?
		WHERE tenant_id = ? AND node_id = ?`,
		string(payloadJSON), now, t.tenantID, nodeID)
	if err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "update node %s", nodeID)
	}

	node.UpdatedAtMS = now
	return node, nil
}

// DeleteNode removes a node together with its edges and visibility
// rows. Returns false when the node does not exist.
func (t *Tx) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM edges WHERE tenant_id = ? AND (from_node_id = ? OR to_node_id = ?)",
		t.tenantID, nodeID, nodeID)
	if err != nil {
		return false, types.WrapErr(types.CodeTransaction, err, "delete edges of %s", nodeID)
	}
	_, err = t.tx.ExecContext(ctx,
		"DELETE FROM node_visibility WHERE tenant_id = ? AND node_id = ?",
		t.tenantID, nodeID)
	if err != nil {
		return false, types.WrapErr(types.CodeTransaction, err, "delete visibility of %s", nodeID)
	}
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE tenant_id = ? AND node_id = ?",
		t.tenantID, nodeID)
	if err != nil {
		return false, types.WrapErr(types.CodeTransaction, err, "delete node %s", nodeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.WrapErr(types.CodeInternal, err, "rows affected")
	}
	return n > 0, nil
}

// GetNode fetches a node within the transaction.
func (t *Tx) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	return getNode(ctx, t.tx, t.tenantID, nodeID)
}

// CreateEdge upserts a directed edge. Re-creating an existing identity
// replaces its props.
func (t *Tx) CreateEdge(ctx context.Context, edgeTypeID int32, fromNodeID, toNodeID string, props map[string]any, createdAtMS int64) (*types.Edge, error) {
	now := createdAtMS
	if now == 0 {
		now = types.NowMS()
	}
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, types.WrapErr(types.CodeInvalidArgument, err, "encode props")
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO edges
		(tenant_id, edge_type_id, from_node_id, to_node_id, props_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.tenantID, edgeTypeID, fromNodeID, toNodeID, string(propsJSON), now)
	if err != nil {
		return nil, types.WrapErr(types.CodeTransaction, err, "insert edge %d:%s->%s", edgeTypeID, fromNodeID, toNodeID)
	}

	return &types.Edge{
		TenantID:    t.tenantID,
		EdgeTypeID:  edgeTypeID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Props:       props,
		CreatedAtMS: now,
	}, nil
}

// DeleteEdge removes one edge by identity. Returns false when absent.
func (t *Tx) DeleteEdge(ctx context.Context, edgeTypeID int32, fromNodeID, toNodeID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM edges
		WHERE tenant_id = ? AND edge_type_id = ? AND from_node_id = ? AND to_node_id = ?`,
		t.tenantID, edgeTypeID, fromNodeID, toNodeID)
	if err != nil {
		return false, types.WrapErr(types.CodeTransaction, err, "delete edge %d:%s->%s", edgeTypeID, fromNodeID, toNodeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.WrapErr(types.CodeInternal, err, "rows affected")
	}
	return n > 0, nil
}

// CheckIdempotency reports whether the key is already in the ledger.
func (t *Tx) CheckIdempotency(ctx context.Context, idempotencyKey string) (bool, error) {
	return checkIdempotency(ctx, t.tx, t.tenantID, idempotencyKey)
}

// RecordAppliedEvent adds the ledger row inside the transaction, so
// the event's mutations and its dedup marker commit together.
func (t *Tx) RecordAppliedEvent(ctx context.Context, idempotencyKey, streamPos string) error {
	return recordAppliedEvent(ctx, t.tx, t.tenantID, idempotencyKey, streamPos)
}
