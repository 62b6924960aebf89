package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/entdb/entdb/pkg/api"
	"github.com/entdb/entdb/pkg/mailbox"
	"github.com/entdb/entdb/pkg/types"
)

// DefaultTimeout bounds each request when the caller's context has no
// deadline of its own.
const DefaultTimeout = 10 * time.Second

// Client is the HTTP client for the service API. The zero HTTPClient
// is replaced with a sane default in NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport, e.g. for mTLS or
// test doubles.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the per-request default timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteAtomic submits a transaction and returns its receipt. Set
// req.WaitApplied to block until the event materializes.
func (c *Client) ExecuteAtomic(ctx context.Context, req *api.AtomicRequest) (*types.Receipt, error) {
	var receipt types.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/atomic", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ReceiptStatus looks up the status of a previously submitted event.
func (c *Client) ReceiptStatus(ctx context.Context, tenantID, idempotencyKey string) (*types.Receipt, error) {
	q := url.Values{"tenant_id": {tenantID}}
	var receipt types.Receipt
	path := "/v1/receipts/" + url.PathEscape(idempotencyKey)
	if err := c.do(ctx, http.MethodGet, path, q, nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetNode fetches one node with the caller's visibility applied.
func (c *Client) GetNode(ctx context.Context, rc types.RequestContext, nodeID string) (*types.Node, error) {
	var node types.Node
	path := "/v1/nodes/" + url.PathEscape(nodeID)
	if err := c.do(ctx, http.MethodGet, path, callerQuery(rc), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// GetNodes fetches a batch of nodes. IDs that are missing or not
// visible come back in MissingIDs rather than as errors.
func (c *Client) GetNodes(ctx context.Context, rc types.RequestContext, nodeIDs []string) (*api.BatchNodesResponse, error) {
	req := api.BatchNodesRequest{Context: rc, NodeIDs: nodeIDs}
	var resp api.BatchNodesResponse
	if err := c.do(ctx, http.MethodPost, "/v1/nodes/batch", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryNodes lists nodes visible to the actor, optionally filtered by
// type. A zero typeID means all types.
func (c *Client) QueryNodes(ctx context.Context, rc types.RequestContext, typeID int32, limit, offset int) ([]*types.Node, error) {
	q := callerQuery(rc)
	if typeID > 0 {
		q.Set("type_id", strconv.FormatInt(int64(typeID), 10))
	}
	setPagination(q, limit, offset)

	var resp struct {
		Nodes []*types.Node `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// GetEdges lists edges anchored at nodeID. dir is "from" (default) or
// "to"; a zero edgeTypeID means all edge types.
func (c *Client) GetEdges(ctx context.Context, rc types.RequestContext, nodeID, dir string, edgeTypeID int32) ([]*types.Edge, error) {
	q := callerQuery(rc)
	if dir != "" {
		q.Set("dir", dir)
	}
	if edgeTypeID > 0 {
		q.Set("edge_type_id", strconv.FormatInt(int64(edgeTypeID), 10))
	}

	var resp struct {
		Edges []*types.Edge `json:"edges"`
	}
	path := "/v1/nodes/" + url.PathEscape(nodeID) + "/edges"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Edges, nil
}

// GetMailbox lists a user's mailbox items, newest first.
func (c *Client) GetMailbox(ctx context.Context, tenantID, userID string, opts mailbox.ListOptions) ([]*types.MailboxItem, error) {
	q := mailboxQuery(tenantID, userID)
	setPagination(q, opts.Limit, opts.Offset)
	if opts.ThreadID != "" {
		q.Set("thread_id", opts.ThreadID)
	}
	if opts.SourceTypeID > 0 {
		q.Set("source_type_id", strconv.FormatInt(int64(opts.SourceTypeID), 10))
	}
	if opts.UnreadOnly {
		q.Set("unread_only", "true")
	}

	var resp struct {
		Items []*types.MailboxItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/mailbox", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// SearchMailbox runs a full-text search over a user's mailbox.
func (c *Client) SearchMailbox(ctx context.Context, tenantID, userID, query string, limit, offset int, sourceTypeIDs []int32) ([]mailbox.SearchResult, error) {
	q := mailboxQuery(tenantID, userID)
	q.Set("q", query)
	setPagination(q, limit, offset)
	for _, id := range sourceTypeIDs {
		q.Add("source_type_id", strconv.FormatInt(int64(id), 10))
	}

	var resp struct {
		Results []mailbox.SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/mailbox/search", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// UnreadCount returns the number of unread mailbox items.
func (c *Client) UnreadCount(ctx context.Context, tenantID, userID string) (int64, error) {
	var resp struct {
		Unread int64 `json:"unread"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/mailbox/unread", mailboxQuery(tenantID, userID), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Unread, nil
}

// MarkRead marks mailbox items as read and returns how many changed.
func (c *Client) MarkRead(ctx context.Context, tenantID, userID string, itemIDs []string) (int64, error) {
	req := api.MarkReadRequest{
		Context: types.RequestContext{TenantID: tenantID, Actor: "user:" + userID},
		UserID:  userID,
		ItemIDs: itemIDs,
	}
	var resp struct {
		Updated int64 `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/mailbox/read", nil, req, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

// GetSchema fetches the schema document, merged with the tenant's
// observed types when tenantID is set. A positive typeID narrows the
// document to one node type.
func (c *Client) GetSchema(ctx context.Context, tenantID string, typeID int32) (map[string]any, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	if typeID > 0 {
		q.Set("type_id", strconv.FormatInt(int64(typeID), 10))
	}

	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/schema", q, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Health probes the readiness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil, nil)
}

func callerQuery(rc types.RequestContext) url.Values {
	return url.Values{"tenant_id": {rc.TenantID}, "actor": {rc.Actor}}
}

func mailboxQuery(tenantID, userID string) url.Values {
	return url.Values{"tenant_id": {tenantID}, "user_id": {userID}}
}

func setPagination(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

// errorEnvelope mirrors the server's error body.
type errorEnvelope struct {
	Error struct {
		Code    types.Code `json:"code"`
		Message string     `json:"message"`
	} `json:"error"`
}

// do runs one request and decodes the JSON response into out. Non-2xx
// responses become coded errors so callers can switch on types.CodeOf.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.WrapErr(types.CodeInternal, err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return types.WrapErr(types.CodeInvalidArgument, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.WrapErr(types.CodeConnection, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.WrapErr(types.CodeInternal, err, "decode response")
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		return types.E(envelope.Error.Code, "%s", envelope.Error.Message)
	}
	return types.E(types.CodeInternal, "unexpected status %d: %s",
		resp.StatusCode, strings.TrimSpace(string(data)))
}
