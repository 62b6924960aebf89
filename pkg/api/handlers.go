package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/entdb/entdb/pkg/events"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/types"
)

// AtomicRequest is the body of POST /v1/atomic.
type AtomicRequest struct {
	Context           types.RequestContext `json:"context"`
	Operations        []types.Operation    `json:"operations"`
	IdempotencyKey    string               `json:"idempotency_key,omitempty"`
	SchemaFingerprint string               `json:"schema_fingerprint,omitempty"`
	WaitApplied       bool                 `json:"wait_applied,omitempty"`
	WaitTimeoutMS     int                  `json:"wait_timeout_ms,omitempty"`
}

// BatchNodesRequest is the body of POST /v1/nodes/batch.
type BatchNodesRequest struct {
	Context types.RequestContext `json:"context"`
	NodeIDs []string             `json:"node_ids"`
}

// BatchNodesResponse lists found nodes and the IDs that were missing
// or not visible to the caller.
type BatchNodesResponse struct {
	Nodes      []*types.Node `json:"nodes"`
	MissingIDs []string      `json:"missing_ids,omitempty"`
}

// MarkReadRequest is the body of POST /v1/mailbox/read.
type MarkReadRequest struct {
	Context types.RequestContext `json:"context"`
	UserID  string               `json:"user_id"`
	ItemIDs []string             `json:"item_ids"`
}

func (s *Server) handleAtomic(w http.ResponseWriter, r *http.Request) {
	var req AtomicRequest
	if err := decodeBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Context.TenantID == "" || req.Context.Actor == "" {
		writeErrorf(w, types.CodeInvalidArgument, "missing tenant_id or actor")
		return
	}
	if len(req.Operations) == 0 {
		writeErrorf(w, types.CodeInvalidArgument, "missing operations")
		return
	}
	if req.SchemaFingerprint != "" && s.registry != nil {
		if current := s.registry.Fingerprint(); current != "" && current != req.SchemaFingerprint {
			writeErrorf(w, types.CodeSchemaMismatch,
				"request pinned to schema %s but server is at %s", req.SchemaFingerprint, current)
			return
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	// Duplicate keys are not errors: hand back a receipt for the
	// already-applied event. The applier remains the dedup authority.
	if s.store.TenantExists(req.Context.TenantID) {
		applied, err := s.store.CheckIdempotency(r.Context(), req.Context.TenantID, key)
		if err != nil {
			writeError(w, err)
			return
		}
		if applied {
			writeJSON(w, http.StatusOK, &types.Receipt{
				TenantID:       req.Context.TenantID,
				IdempotencyKey: key,
				Status:         types.StatusApplied,
			})
			return
		}
	}

	createdIDs := assignNodeIDs(req.Operations)

	event := &types.TransactionEvent{
		TenantID:          req.Context.TenantID,
		Actor:             req.Context.Actor,
		IdempotencyKey:    key,
		SchemaFingerprint: req.SchemaFingerprint,
		TimestampMS:       types.NowMS(),
		Operations:        req.Operations,
	}
	value, err := json.Marshal(event)
	if err != nil {
		writeError(w, types.WrapErr(types.CodeInternal, err, "encode event"))
		return
	}

	// Subscribe before appending so an event applied between append
	// and wait cannot be missed.
	var sub events.Subscriber
	if req.WaitApplied && s.hub != nil {
		sub = s.hub.Subscribe()
		defer s.hub.Unsubscribe(sub)
	}

	pos, err := s.stream.Append(r.Context(), s.topic, req.Context.TenantID, value, nil)
	if err != nil {
		metrics.WALAppends.WithLabelValues("error").Inc()
		writeError(w, types.WrapErr(types.CodeConnection, err, "append event"))
		return
	}
	metrics.WALAppends.WithLabelValues("ok").Inc()

	receipt := &types.Receipt{
		TenantID:       req.Context.TenantID,
		IdempotencyKey: key,
		StreamPosition: pos.String(),
		Status:         types.StatusPending,
		CreatedNodeIDs: createdIDs,
	}

	if sub != nil {
		s.waitApplied(r.Context(), sub, req, receipt)
	}
	writeJSON(w, http.StatusOK, receipt)
}

// assignNodeIDs gives every create_node op without an explicit ID a
// fresh UUID and returns the created IDs in operation order.
func assignNodeIDs(ops []types.Operation) []string {
	var created []string
	for i := range ops {
		if ops[i].Op != types.OpCreateNode {
			continue
		}
		if ops[i].NodeID == "" {
			ops[i].NodeID = uuid.NewString()
		}
		created = append(created, ops[i].NodeID)
	}
	return created
}

// waitApplied blocks until the applier reports the event or the wait
// deadline passes, updating the receipt status in place.
func (s *Server) waitApplied(ctx context.Context, sub events.Subscriber, req AtomicRequest, receipt *types.Receipt) {
	timeout := s.cfg.WaitTimeout()
	if req.WaitTimeoutMS > 0 {
		timeout = time.Duration(req.WaitTimeoutMS) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The event may have applied before the subscription existed.
	applied, err := s.store.CheckIdempotency(waitCtx, receipt.TenantID, receipt.IdempotencyKey)
	if err == nil && applied {
		receipt.Status = types.StatusApplied
		return
	}

	n, err := events.WaitFor(waitCtx, sub, receipt.TenantID, receipt.IdempotencyKey)
	if err != nil {
		metrics.WaitAppliedTimeouts.Inc()
		return
	}
	switch n.Outcome {
	case events.OutcomeApplied, events.OutcomeSkipped:
		receipt.Status = types.StatusApplied
		if len(n.CreatedNodeIDs) > 0 {
			receipt.CreatedNodeIDs = n.CreatedNodeIDs
		}
	case events.OutcomeFailed:
		receipt.Status = types.StatusFailed
	}
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeErrorf(w, types.CodeInvalidArgument, "missing tenant_id")
		return
	}

	receipt := &types.Receipt{TenantID: tenantID, IdempotencyKey: key, Status: types.StatusUnknown}
	if s.store.TenantExists(tenantID) {
		applied, err := s.store.CheckIdempotency(r.Context(), tenantID, key)
		if err != nil {
			writeError(w, err)
			return
		}
		if applied {
			receipt.Status = types.StatusApplied
		} else {
			receipt.Status = types.StatusPending
		}
	}
	writeJSON(w, http.StatusOK, receipt)
}

// caller pulls the identity query params every read endpoint requires.
func caller(r *http.Request) (types.RequestContext, error) {
	rc := types.RequestContext{
		TenantID: r.URL.Query().Get("tenant_id"),
		Actor:    r.URL.Query().Get("actor"),
	}
	if rc.TenantID == "" || rc.Actor == "" {
		return rc, types.E(types.CodeInvalidArgument, "missing tenant_id or actor")
	}
	return rc, nil
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}

	node, err := s.visibleNode(r.Context(), rc, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// visibleNode fetches a node and enforces read visibility for the
// actor.
func (s *Server) visibleNode(ctx context.Context, rc types.RequestContext, nodeID string) (*types.Node, error) {
	node, err := s.store.GetNode(ctx, rc.TenantID, nodeID)
	if err != nil {
		return nil, err
	}
	if !store.CheckPermission(rc.Actor, node.ACL, types.PermissionRead, node.OwnerActor) {
		return nil, types.E(types.CodeAccessDenied, "actor %s cannot read node %s", rc.Actor, nodeID)
	}
	return node, nil
}

func (s *Server) handleBatchNodes(w http.ResponseWriter, r *http.Request) {
	var req BatchNodesRequest
	if err := decodeBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Context.TenantID == "" || req.Context.Actor == "" {
		writeErrorf(w, types.CodeInvalidArgument, "missing tenant_id or actor")
		return
	}

	resp := BatchNodesResponse{Nodes: []*types.Node{}}
	for _, nodeID := range req.NodeIDs {
		node, err := s.visibleNode(r.Context(), req.Context, nodeID)
		if err != nil {
			code := types.CodeOf(err)
			// Invisible and missing nodes look the same to the caller.
			if code == types.CodeNotFound || code == types.CodeAccessDenied {
				resp.MissingIDs = append(resp.MissingIDs, nodeID)
				continue
			}
			writeError(w, err)
			return
		}
		resp.Nodes = append(resp.Nodes, node)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}

	typeID := queryInt32(r, "type_id")
	limit := queryInt(r, "limit")
	offset := queryInt(r, "offset")

	nodes, err := s.store.GetVisibleNodes(r.Context(), rc.TenantID, rc.Actor, typeID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*types.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	rc, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	nodeID := r.PathValue("id")

	// Edge listing requires read access to the anchor node.
	if _, err := s.visibleNode(r.Context(), rc, nodeID); err != nil {
		writeError(w, err)
		return
	}

	edgeTypeID := queryInt32(r, "edge_type_id")
	var edges []*types.Edge
	switch dir := r.URL.Query().Get("dir"); dir {
	case "", "from":
		edges, err = s.store.GetEdgesFrom(r.Context(), rc.TenantID, nodeID, edgeTypeID)
	case "to":
		edges, err = s.store.GetEdgesTo(r.Context(), rc.TenantID, nodeID, edgeTypeID)
	default:
		writeErrorf(w, types.CodeInvalidArgument, "invalid dir %q", dir)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if edges == nil {
		edges = []*types.Edge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

// mailboxCaller pulls tenant and user identity for mailbox reads.
func mailboxCaller(r *http.Request) (tenantID, userID string, err error) {
	tenantID = r.URL.Query().Get("tenant_id")
	userID = r.URL.Query().Get("user_id")
	if tenantID == "" || userID == "" {
		return "", "", types.E(types.CodeInvalidArgument, "missing tenant_id or user_id")
	}
	return tenantID, userID, nil
}

func (s *Server) handleMailboxList(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := mailboxCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := mailbox.ListOptions{
		Limit:        queryInt(r, "limit"),
		Offset:       queryInt(r, "offset"),
		ThreadID:     r.URL.Query().Get("thread_id"),
		SourceTypeID: queryInt32(r, "source_type_id"),
		UnreadOnly:   r.URL.Query().Get("unread_only") == "true",
	}
	items, err := s.mailbox.ListItems(r.Context(), tenantID, userID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*types.MailboxItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMailboxSearch(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := mailboxCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeErrorf(w, types.CodeInvalidArgument, "missing q")
		return
	}

	var sourceTypeIDs []int32
	for _, raw := range r.URL.Query()["source_type_id"] {
		if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
			sourceTypeIDs = append(sourceTypeIDs, int32(v))
		}
	}

	results, err := s.mailbox.Search(r.Context(), tenantID, userID, query,
		queryInt(r, "limit"), queryInt(r, "offset"), sourceTypeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []mailbox.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleMailboxUnread(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := mailboxCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.mailbox.UnreadCount(r.Context(), tenantID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": count})
}

func (s *Server) handleMailboxRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := decodeBody(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Context.TenantID == "" || req.UserID == "" {
		writeErrorf(w, types.CodeInvalidArgument, "missing tenant_id or user_id")
		return
	}

	updated, err := s.mailbox.MarkRead(r.Context(), req.Context.TenantID, req.UserID, req.ItemIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" && s.store.TenantExists(tenantID) {
		nodes, err := s.store.ObservedNodeTypes(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		edges, err := s.store.ObservedEdgeTypes(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		doc = schema.MergeSchemas(s.registry, nodes, edges)
	} else if s.registry != nil {
		doc = s.registry.ToMap()
	} else {
		doc = map[string]any{"node_types": []any{}, "edge_types": []any{}}
	}

	if typeID := queryInt32(r, "type_id"); typeID > 0 {
		doc = filterSchemaType(doc, typeID)
	}
	writeJSON(w, http.StatusOK, doc)
}

// filterSchemaType narrows a schema document to one node type.
func filterSchemaType(doc map[string]any, typeID int32) map[string]any {
	nodeTypes, _ := doc["node_types"].([]map[string]any)
	for _, nt := range nodeTypes {
		if id, ok := nt["type_id"].(int32); ok && id == typeID {
			return map[string]any{"node_types": []map[string]any{nt}}
		}
	}
	// Registry maps carry type ids as int32; observed merges may have
	// produced plain ints.
	for _, nt := range nodeTypes {
		if id, ok := nt["type_id"].(int); ok && int32(id) == typeID {
			return map[string]any{"node_types": []map[string]any{nt}}
		}
	}
	return map[string]any{"node_types": []map[string]any{}}
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}

func queryInt32(r *http.Request, name string) int32 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 32)
	if err != nil {
		return 0
	}
	return int32(v)
}
