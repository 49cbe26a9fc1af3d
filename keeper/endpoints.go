package keeper

import (
	"context"
	"fmt"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/audit"
	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
	"github.com/hazyhaar/anchorkeep/kit"
)

// Requests shared by the bus, MCP and HTTP surfaces.

type pageRequest struct {
	URL string `json:"url"`
}

type listPagesRequest struct{}

type saveAnchorRequest struct {
	URL    string         `json:"url"`
	Anchor *anchor.Anchor `json:"anchor"`
}

type captureRequest struct {
	URL        string   `json:"url"`
	HTML       string   `json:"html"`
	Text       string   `json:"text"`
	Occurrence int      `json:"occurrence,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type anchorRequest struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

type updateRequest struct {
	URL     string   `json:"url"`
	ID      string   `json:"id"`
	Comment string   `json:"comment"`
	Tags    []string `json:"tags"`
}

type resolveRequest struct {
	HTML   string         `json:"html"`
	Anchor *anchor.Anchor `json:"anchor"`
}

type renderRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

type statsRequest struct {
	URL string `json:"url,omitempty"`
}

type auditRequest struct {
	URL       string `json:"url,omitempty"`
	Operation string `json:"operation,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Responses.

type anchorsResponse struct {
	URL     string           `json:"url"`
	PageID  string           `json:"page_id"`
	Anchors []*anchor.Anchor `json:"anchors"`
}

type pagesResponse struct {
	Pages []*store.Page `json:"pages"`
}

type captureResponse struct {
	Anchor *anchor.Anchor `json:"anchor"`
	HTML   string         `json:"html"`
}

type renderResponse struct {
	HTML   string  `json:"html"`
	Report *Report `json:"report"`
}

type exportResponse struct {
	URL      string `json:"url"`
	Markdown string `json:"markdown"`
}

type auditResponse struct {
	Entries []*audit.Entry `json:"entries"`
}

type okResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

// pageScoped requests name the page they act on.
type pageScoped interface {
	pageURL() string
}

func (r *pageRequest) pageURL() string       { return r.URL }
func (r *saveAnchorRequest) pageURL() string { return r.URL }
func (r *captureRequest) pageURL() string    { return r.URL }
func (r *anchorRequest) pageURL() string     { return r.URL }
func (r *updateRequest) pageURL() string     { return r.URL }
func (r *renderRequest) pageURL() string     { return r.URL }
func (r *statsRequest) pageURL() string      { return r.URL }
func (r *auditRequest) pageURL() string      { return r.URL }

// pageContext stamps the page id of scoped requests on the context.
func pageContext(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		if ps, ok := req.(pageScoped); ok && ps.pageURL() != "" {
			ctx = kit.WithPageID(ctx, NormalizeURL(ps.pageURL()))
		}
		return next(ctx, req)
	}
}

// endpoint wraps an operation with the common middleware chain.
func (k *Keeper) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(pageContext, kit.Logging(k.logger, name))(ep)
}

// mutating is endpoint plus an audit record of every call.
func (k *Keeper) mutating(name string, ep kit.Endpoint) kit.Endpoint {
	if k.audit != nil {
		ep = k.audit.Middleware(name)(ep)
	}
	return k.endpoint(name, ep)
}

func (k *Keeper) getAnchorsEndpoint() kit.Endpoint {
	return k.endpoint("get_anchors", func(ctx context.Context, req any) (any, error) {
		r := req.(*pageRequest)
		if r.URL == "" {
			return nil, fmt.Errorf("%w: url is required", ErrInvalid)
		}
		anchors, err := k.Anchors(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		return &anchorsResponse{URL: r.URL, PageID: NormalizeURL(r.URL), Anchors: anchors}, nil
	})
}

func (k *Keeper) listPagesEndpoint() kit.Endpoint {
	return k.endpoint("list_pages", func(ctx context.Context, _ any) (any, error) {
		pages, err := k.Pages(ctx)
		if err != nil {
			return nil, err
		}
		return &pagesResponse{Pages: pages}, nil
	})
}

func (k *Keeper) saveAnchorEndpoint() kit.Endpoint {
	return k.mutating("save_anchor", func(ctx context.Context, req any) (any, error) {
		r := req.(*saveAnchorRequest)
		return k.Add(ctx, r.URL, r.Anchor)
	})
}

func (k *Keeper) captureEndpoint() kit.Endpoint {
	return k.mutating("capture", func(ctx context.Context, req any) (any, error) {
		r := req.(*captureRequest)
		a, page, err := k.Capture(ctx, r.URL, r.HTML, r.Text, r.Occurrence, r.Comment, r.Tags)
		if err != nil {
			return nil, err
		}
		return &captureResponse{Anchor: a, HTML: page.HTML()}, nil
	})
}

func (k *Keeper) removeAnchorEndpoint() kit.Endpoint {
	return k.mutating("remove_anchor", func(ctx context.Context, req any) (any, error) {
		r := req.(*anchorRequest)
		if err := k.Delete(ctx, r.URL, r.ID); err != nil {
			return nil, err
		}
		return &okResponse{OK: true, ID: r.ID}, nil
	})
}

func (k *Keeper) updateAnchorEndpoint() kit.Endpoint {
	return k.mutating("update_anchor", func(ctx context.Context, req any) (any, error) {
		r := req.(*updateRequest)
		return k.Update(ctx, r.URL, r.ID, r.Comment, r.Tags)
	})
}

func (k *Keeper) clearPageEndpoint() kit.Endpoint {
	return k.mutating("clear_page", func(ctx context.Context, req any) (any, error) {
		r := req.(*pageRequest)
		if r.URL == "" {
			return nil, fmt.Errorf("%w: url is required", ErrInvalid)
		}
		if err := k.Clear(ctx, r.URL); err != nil {
			return nil, err
		}
		return &okResponse{OK: true}, nil
	})
}

func (k *Keeper) resolveEndpoint() kit.Endpoint {
	return k.endpoint("resolve", func(_ context.Context, req any) (any, error) {
		r := req.(*resolveRequest)
		return k.Locate(r.HTML, r.Anchor)
	})
}

func (k *Keeper) renderEndpoint() kit.Endpoint {
	return k.endpoint("render", func(ctx context.Context, req any) (any, error) {
		r := req.(*renderRequest)
		out, report, err := k.Render(ctx, r.URL, r.HTML)
		if err != nil {
			return nil, err
		}
		return &renderResponse{HTML: out, Report: report}, nil
	})
}

func (k *Keeper) statsEndpoint() kit.Endpoint {
	return k.endpoint("stats", func(ctx context.Context, req any) (any, error) {
		r := req.(*statsRequest)
		return k.Stats(ctx, r.URL)
	})
}

func (k *Keeper) exportEndpoint() kit.Endpoint {
	return k.endpoint("export_markdown", func(ctx context.Context, req any) (any, error) {
		r := req.(*pageRequest)
		if r.URL == "" {
			return nil, fmt.Errorf("%w: url is required", ErrInvalid)
		}
		md, err := k.ExportMarkdown(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		return &exportResponse{URL: r.URL, Markdown: md}, nil
	})
}

func (k *Keeper) auditEndpoint() kit.Endpoint {
	return k.endpoint("audit_log", func(ctx context.Context, req any) (any, error) {
		r := req.(*auditRequest)
		entries, err := k.AuditLog(ctx, r.URL, r.Operation, r.Limit)
		if err != nil {
			return nil, err
		}
		return &auditResponse{Entries: entries}, nil
	})
}
