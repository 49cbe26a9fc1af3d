package keeper

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/anchorkeep/kit"
)

// RegisterMCP registers anchorkeep tools on an MCP server.
func (k *Keeper) RegisterMCP(srv *mcp.Server) {
	k.registerListPagesTool(srv)
	k.registerGetAnchorsTool(srv)
	k.registerCaptureTool(srv)
	k.registerDeleteAnchorTool(srv)
	k.registerUpdateAnchorTool(srv)
	k.registerResolveTool(srv)
	k.registerRenderTool(srv)
	k.registerStatsTool(srv)
	k.registerExportTool(srv)
	k.registerAuditTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	urlProp     = map[string]any{"type": "string", "description": "Page URL"}
	htmlProp    = map[string]any{"type": "string", "description": "Page markup"}
	commentProp = map[string]any{"type": "string", "description": "Free text note"}
	tagsProp    = map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Labels"}
	anchorProp  = map[string]any{
		"type":        "object",
		"description": "Stored anchor: text, xpath, startOffset, endOffset, beforeContext, afterContext, id",
	}
)

func (k *Keeper) registerListPagesTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_list_pages",
		Description: "List every page carrying anchors, most recently changed first, with anchor counts.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, k.listPagesEndpoint(), kit.DecodeJSON[listPagesRequest]())
}

func (k *Keeper) registerGetAnchorsTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_get_anchors",
		Description: "Get the stored anchors of a page in creation order.",
		InputSchema: inputSchema(map[string]any{"url": urlProp}, []string{"url"}),
	}, k.getAnchorsEndpoint(), kit.DecodeJSON[pageRequest]())
}

func (k *Keeper) registerCaptureTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_capture",
		Description: "Anchor an occurrence of text in the given page markup and store it. Returns the anchor and the markup with the highlight applied.",
		InputSchema: inputSchema(map[string]any{
			"url":        urlProp,
			"html":       htmlProp,
			"text":       map[string]any{"type": "string", "description": "Text to highlight, as it appears on the page"},
			"occurrence": map[string]any{"type": "integer", "description": "0-based occurrence of text (default 0)"},
			"comment":    commentProp,
			"tags":       tagsProp,
		}, []string{"url", "html", "text"}),
	}, k.captureEndpoint(), kit.DecodeJSON[captureRequest]())
}

func (k *Keeper) registerDeleteAnchorTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_delete_anchor",
		Description: "Delete one anchor of a page.",
		InputSchema: inputSchema(map[string]any{
			"url": urlProp,
			"id":  map[string]any{"type": "string", "description": "Anchor ID"},
		}, []string{"url", "id"}),
	}, k.removeAnchorEndpoint(), kit.DecodeJSON[anchorRequest]())
}

func (k *Keeper) registerUpdateAnchorTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_update_anchor",
		Description: "Replace the comment and tags of an anchor. Position fields cannot change.",
		InputSchema: inputSchema(map[string]any{
			"url":     urlProp,
			"id":      map[string]any{"type": "string", "description": "Anchor ID"},
			"comment": commentProp,
			"tags":    tagsProp,
		}, []string{"url", "id"}),
	}, k.updateAnchorEndpoint(), kit.DecodeJSON[updateRequest]())
}

func (k *Keeper) registerResolveTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_resolve",
		Description: "Locate an anchor in page markup without modifying it. Returns the matching tier (exact, context, partial_context, nearest or none) and the text found.",
		InputSchema: inputSchema(map[string]any{
			"html":   htmlProp,
			"anchor": anchorProp,
		}, []string{"html", "anchor"}),
	}, k.resolveEndpoint(), kit.DecodeJSON[resolveRequest]())
}

func (k *Keeper) registerRenderTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_render",
		Description: "Apply the stored anchors of a page to its markup. Returns the highlighted markup and a per-anchor report.",
		InputSchema: inputSchema(map[string]any{
			"url":  urlProp,
			"html": htmlProp,
		}, []string{"url", "html"}),
	}, k.renderEndpoint(), kit.DecodeJSON[renderRequest]())
}

func (k *Keeper) registerStatsTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_stats",
		Description: "Anchor counts and replay outcomes by tier, for one page or all pages.",
		InputSchema: inputSchema(map[string]any{"url": urlProp}, nil),
	}, k.statsEndpoint(), kit.DecodeJSON[statsRequest]())
}

func (k *Keeper) registerExportTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_export_markdown",
		Description: "Export the anchors of a page as a markdown document.",
		InputSchema: inputSchema(map[string]any{"url": urlProp}, []string{"url"}),
	}, k.exportEndpoint(), kit.DecodeJSON[pageRequest]())
}

func (k *Keeper) registerAuditTool(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "anchorkeep_audit_log",
		Description: "List recorded anchor mutations (save, capture, update, remove, clear, import), newest first.",
		InputSchema: inputSchema(map[string]any{
			"url":       urlProp,
			"operation": map[string]any{"type": "string", "description": "Only this operation"},
			"limit":     map[string]any{"type": "integer", "description": "Maximum entries (default 100)"},
		}, nil),
	}, k.auditEndpoint(), kit.DecodeJSON[auditRequest]())
}
