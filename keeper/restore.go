package keeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/dom"
	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
	"github.com/hazyhaar/anchorkeep/mark"
	"github.com/hazyhaar/anchorkeep/pathaddr"
)

// Outcome of replaying one anchor.
const (
	StatusMaterialized = "materialized"
	StatusAlready      = "already"
	StatusUnresolved   = "unresolved"
	StatusWrapFailed   = "wrap_failed"
)

// Result is the replay outcome of one anchor.
type Result struct {
	AnchorID string `json:"anchor_id"`
	Status   string `json:"status"`
	Tier     string `json:"tier,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report summarises a Restore.
type Report struct {
	PageID       string   `json:"page_id"`
	Results      []Result `json:"results"`
	Materialized int      `json:"materialized"`
	Already      int      `json:"already"`
	Unresolved   int      `json:"unresolved"`
	WrapFailed   int      `json:"wrap_failed"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusMaterialized:
		r.Materialized++
	case StatusAlready:
		r.Already++
	case StatusUnresolved:
		r.Unresolved++
	case StatusWrapFailed:
		r.WrapFailed++
	}
}

// Restore replays every stored anchor of page in insertion order. Anchors
// whose marker is already present are skipped. One anchor failing to
// resolve or wrap never prevents the others from being restored.
func (k *Keeper) Restore(ctx context.Context, page *Page) (*Report, error) {
	anchors, err := k.store.LoadAnchors(ctx, page.ID())
	if err != nil {
		return nil, err
	}
	report := &Report{PageID: page.ID(), Results: []Result{}}

	page.Do(func(doc *html.Node) error {
		mark.EnsureStyles(doc)
		present := make(map[string]bool)
		for _, id := range mark.IDs(doc) {
			present[id] = true
		}
		for _, a := range anchors {
			if ctx.Err() != nil {
				break
			}
			if present[a.ID] {
				report.add(Result{AnchorID: a.ID, Status: StatusAlready})
				continue
			}
			res := k.materialize(doc, a)
			if res.Status != StatusMaterialized {
				k.logger.DebugContext(ctx, "keeper: anchor not restored",
					"page", report.PageID, "anchor", a.ID, "status", res.Status, "error", res.Error)
			}
			report.add(res)
		}
		return nil
	})

	k.record(ctx, report)
	k.logger.InfoContext(ctx, "keeper: page restored",
		"page", report.PageID,
		"anchors", len(anchors),
		"materialized", report.Materialized,
		"already", report.Already,
		"unresolved", report.Unresolved,
		"wrap_failed", report.WrapFailed,
	)
	return report, ctx.Err()
}

// materialize resolves and wraps one anchor. A panic inside resolution or
// wrapping is reported as a wrap failure of this anchor only.
func (k *Keeper) materialize(doc *html.Node, a *anchor.Anchor) (res Result) {
	res.AnchorID = a.ID
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusWrapFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	found, ok := k.resolver.Resolve(doc, a)
	if !ok {
		res.Status = StatusUnresolved
		return res
	}
	res.Tier = found.Tier.String()
	if _, err := mark.Wrap(found.Range, a.ID); err != nil {
		res.Status = StatusWrapFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusMaterialized
	return res
}

// record stores the replay outcomes. Losing them only degrades Stats.
func (k *Keeper) record(ctx context.Context, report *Report) {
	now := time.Now().UnixMilli()
	var records []store.ResolveRecord
	for _, r := range report.Results {
		if r.Status == StatusAlready {
			continue
		}
		tier := r.Tier
		if tier == "" {
			tier = anchor.Tier(0).String()
		}
		records = append(records, store.ResolveRecord{
			AnchorID:  r.AnchorID,
			PageID:    report.PageID,
			Tier:      tier,
			OK:        r.Status == StatusMaterialized,
			CreatedAt: now,
		})
	}
	if len(records) == 0 {
		return
	}
	if err := k.store.RecordResolve(context.WithoutCancel(ctx), report.PageID, records); err != nil {
		k.logger.WarnContext(ctx, "keeper: record resolve outcomes", "page", report.PageID, "error", err)
	}
}

// Render parses src as the page at pageURL, replays its stored anchors and
// returns the resulting markup.
func (k *Keeper) Render(ctx context.Context, pageURL, src string) (string, *Report, error) {
	if pageURL == "" {
		return "", nil, fmt.Errorf("%w: url is required", ErrInvalid)
	}
	page, err := ParsePage(pageURL, strings.NewReader(src))
	if err != nil {
		return "", nil, err
	}
	report, err := k.Restore(ctx, page)
	if err != nil {
		return "", nil, err
	}
	return page.HTML(), report, nil
}

// Location is where an anchor resolves in a document, without any marker
// being inserted.
type Location struct {
	AnchorID string `json:"anchor_id"`
	Found    bool   `json:"found"`
	Tier     string `json:"tier"`
	Path     string `json:"path,omitempty"`
	Start    int    `json:"start,omitempty"`
	End      int    `json:"end,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Locate resolves a against src and reports the tier and the text found.
// The document is parsed for the call and never modified.
func (k *Keeper) Locate(src string, a *anchor.Anchor) (*Location, error) {
	if a == nil || a.Text == "" {
		return nil, fmt.Errorf("%w: anchor text is required", ErrInvalid)
	}
	doc, err := dom.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("keeper: parse page: %w", err)
	}
	loc := &Location{AnchorID: a.ID, Tier: anchor.Tier(0).String()}
	found, ok := k.resolver.Resolve(doc, a)
	if !ok {
		return loc, nil
	}
	loc.Found = true
	loc.Tier = found.Tier.String()
	loc.Path = pathaddr.ToPath(found.Container)
	loc.Start = found.Start
	loc.End = found.Start + len([]rune(a.Text))
	loc.Text = found.Range.Text()
	return loc, nil
}

// Excerpt renders the materialised marker id of page as markdown, keeping
// the inline formatting the highlight spans.
func (k *Keeper) Excerpt(page *Page, id string) (string, error) {
	var src string
	page.Do(func(doc *html.Node) error {
		if m := mark.Find(doc, id); m != nil {
			src = dom.InnerHTML(m)
		}
		return nil
	})
	if src == "" {
		return "", fmt.Errorf("%w: marker %s", ErrNotFound, id)
	}
	return k.markdown(src, page.URL)
}

// ExportMarkdown renders the anchors of a page as a markdown document: one
// quote per anchor with its comment and tags.
func (k *Keeper) ExportMarkdown(ctx context.Context, pageURL string) (string, error) {
	anchors, err := k.Anchors(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if len(anchors) == 0 {
		return "", fmt.Errorf("%w: page %s", ErrNotFound, NormalizeURL(pageURL))
	}

	body := element(atom.Body)
	h := element(atom.H1)
	h.AppendChild(textNode(pageURL))
	body.AppendChild(h)
	for _, a := range anchors {
		q := element(atom.Blockquote)
		q.AppendChild(textNode(a.Text))
		body.AppendChild(q)
		if a.Comment != "" {
			p := element(atom.P)
			p.AppendChild(textNode(a.Comment))
			body.AppendChild(p)
		}
		if len(a.Tags) > 0 {
			p := element(atom.P)
			em := element(atom.Em)
			em.AppendChild(textNode(strings.Join(a.Tags, ", ")))
			p.AppendChild(em)
			body.AppendChild(p)
		}
	}
	return k.markdown(dom.Render(body), pageURL)
}

func (k *Keeper) markdown(src, pageURL string) (string, error) {
	out, err := k.md.ConvertString(src, converter.WithDomain(pageURL))
	if err != nil {
		return "", fmt.Errorf("keeper: markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func element(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
