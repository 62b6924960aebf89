package client

import "github.com/entdb/entdb/pkg/types"

// Ref builds a node reference from a string: "$alias" forms resolve
// against aliases declared earlier in the same transaction, anything
// else is a literal node ID.
func Ref(s string) *types.NodeRef {
	if len(s) > 0 && s[0] == '$' {
		return &types.NodeRef{Alias: s}
	}
	return &types.NodeRef{ID: s}
}

// OpOption tweaks an operation built by the constructors below.
type OpOption func(*types.Operation)

// WithAlias names a created node so later operations in the same
// transaction can reference it as "$alias".
func WithAlias(alias string) OpOption {
	return func(op *types.Operation) { op.Alias = alias }
}

// WithACL attaches access control entries to a create_node operation.
func WithACL(acl ...types.ACLEntry) OpOption {
	return func(op *types.Operation) { op.ACL = acl }
}

// WithFanout delivers a mailbox item to each recipient when the node
// is created.
func WithFanout(recipients ...string) OpOption {
	return func(op *types.Operation) { op.FanoutTo = recipients }
}

// WithProps attaches properties to a create_edge operation.
func WithProps(props map[string]any) OpOption {
	return func(op *types.Operation) { op.Props = props }
}

// CreateNode builds a create_node operation. Leave nodeID empty to let
// the server assign a UUID.
func CreateNode(typeID int32, nodeID string, data map[string]any, opts ...OpOption) types.Operation {
	op := types.Operation{
		Op:      types.OpCreateNode,
		TypeID:  typeID,
		NodeID:  nodeID,
		Payload: data,
	}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// UpdateNode builds an update_node operation merging patch into the
// referenced node's payload.
func UpdateNode(ref string, patch map[string]any) types.Operation {
	return types.Operation{
		Op:    types.OpUpdateNode,
		Ref:   Ref(ref),
		Patch: patch,
	}
}

// DeleteNode builds a delete_node operation.
func DeleteNode(ref string) types.Operation {
	return types.Operation{
		Op:  types.OpDeleteNode,
		Ref: Ref(ref),
	}
}

// CreateEdge builds a create_edge operation between two nodes, either
// of which may be a "$alias" declared earlier in the transaction.
func CreateEdge(edgeID int32, from, to string, opts ...OpOption) types.Operation {
	op := types.Operation{
		Op:     types.OpCreateEdge,
		EdgeID: edgeID,
		From:   Ref(from),
		To:     Ref(to),
	}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// DeleteEdge builds a delete_edge operation.
func DeleteEdge(edgeID int32, from, to string) types.Operation {
	return types.Operation{
		Op:     types.OpDeleteEdge,
		EdgeID: edgeID,
		From:   Ref(from),
		To:     Ref(to),
	}
}
