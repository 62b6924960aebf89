// Package client is the Go SDK for the HTTP API.
//
// # Architecture
//
// A thin wrapper over net/http: every method builds one request,
// decodes one JSON response, and turns non-2xx envelopes back into
// coded errors, so callers branch on types.CodeOf exactly as they
// would server-side.
//
//	CLI / service ──▶ client.Client ──▶ HTTP/JSON ──▶ api.Server
//
// # Core Components
//
//   - Client: per-endpoint methods with a default per-request timeout.
//   - Op builders: CreateNode, UpdateNode, DeleteNode, CreateEdge,
//     DeleteEdge plus OpOption modifiers (alias, ACL, fanout, props).
//   - Ref: "$alias" vs literal node ID reference forms.
//
// # Usage
//
//	c := client.NewClient("http://localhost:8080")
//	receipt, err := c.ExecuteAtomic(ctx, &api.AtomicRequest{
//	    Context: types.RequestContext{TenantID: "t1", Actor: "user:alice"},
//	    Operations: []types.Operation{
//	        client.CreateNode(1, "", doc, client.WithAlias("doc")),
//	        client.CreateEdge(10, "folder-1", "$doc"),
//	    },
//	    WaitApplied: true,
//	})
//
// # See Also
//
//   - pkg/api for the server side of every endpoint.
//   - pkg/types for the shared wire types.
package client
