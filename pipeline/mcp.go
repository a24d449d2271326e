package pipeline

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sendient/ai-detector-sub001/kit"
)

// RegisterMCP registers the read-side tools on srv. When tenantID is set
// every call is scoped to it and the tenant_id argument is ignored; servers
// handed to untrusted clients must be registered that way. With an empty
// tenantID the argument is used.
func (s *Service) RegisterMCP(srv *mcp.Server, tenantID string) {
	t := mcpTools{s: s, bound: tenantID}
	t.registerGetDocumentTool(srv)
	t.registerGetBatchTool(srv)
	t.registerUsageTool(srv)
}

type mcpTools struct {
	s     *Service
	bound string
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

var tenantProp = map[string]any{"type": "string", "description": "Tenant identifier"}

func (t mcpTools) withTenant(arg string) func(context.Context) context.Context {
	tenant := t.bound
	if tenant == "" {
		tenant = arg
	}
	return func(ctx context.Context) context.Context {
		if tenant == "" {
			return ctx
		}
		return kit.WithTenantID(ctx, tenant)
	}
}

func (t mcpTools) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(t.s.logger, name), kit.RequireTenant())(ep)
}

// --- assess_get_document ---

type getDocumentReq struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
}

func (t mcpTools) registerGetDocumentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "assess_get_document",
		Description: "Get the status, metrics and assessment result of an uploaded document.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":   tenantProp,
			"document_id": map[string]any{"type": "string", "description": "Document ID"},
		}, []string{"document_id"}),
	}
	endpoint := t.endpoint("assess_get_document", func(ctx context.Context, req any) (any, error) {
		r := req.(*getDocumentReq)
		return t.s.GetDocument(ctx, kit.GetTenantID(ctx), r.DocumentID)
	})
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getDocumentReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: t.withTenant(r.TenantID)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- assess_get_batch ---

type getBatchReq struct {
	TenantID string `json:"tenant_id"`
	BatchID  string `json:"batch_id"`
}

func (t mcpTools) registerGetBatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "assess_get_batch",
		Description: "Get a batch's aggregate status, member documents and per-status progress.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id": tenantProp,
			"batch_id":  map[string]any{"type": "string", "description": "Batch ID"},
		}, []string{"batch_id"}),
	}
	endpoint := t.endpoint("assess_get_batch", func(ctx context.Context, req any) (any, error) {
		r := req.(*getBatchReq)
		return t.s.GetBatch(ctx, kit.GetTenantID(ctx), r.BatchID)
	})
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getBatchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: t.withTenant(r.TenantID)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- assess_usage ---

type usageReq struct {
	TenantID string `json:"tenant_id"`
}

func (t mcpTools) registerUsageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "assess_usage",
		Description: "Get the tenant's committed and held word/character usage for the current billing cycle.",
		InputSchema: inputSchema(map[string]any{"tenant_id": tenantProp}, nil),
	}
	endpoint := t.endpoint("assess_usage", func(ctx context.Context, _ any) (any, error) {
		return t.s.Usage(ctx, kit.GetTenantID(ctx))
	})
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[usageReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: r, EnrichCtx: t.withTenant(r.TenantID)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
