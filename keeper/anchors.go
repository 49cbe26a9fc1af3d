package keeper

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/bus"
	"github.com/hazyhaar/anchorkeep/dom"
	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
	"github.com/hazyhaar/anchorkeep/mark"
)

// Event is the payload of bus notifications.
type Event struct {
	PageID   string         `json:"page_id"`
	URL      string         `json:"url,omitempty"`
	AnchorID string         `json:"anchor_id,omitempty"`
	Anchor   *anchor.Anchor `json:"anchor,omitempty"`
}

// Save captures sel as a new anchor, materialises it right away and stores
// it. An empty selection returns (nil, nil). A selection that cannot be
// wrapped is still stored; a storage failure undoes the wrap.
func (k *Keeper) Save(ctx context.Context, page *Page, sel dom.Range, comment string, tags []string) (*anchor.Anchor, error) {
	var saved *anchor.Anchor
	err := page.Do(func(doc *html.Node) error {
		a, err := k.capturer.Capture(sel)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if a == nil {
			return nil
		}
		a.Comment = k.sanitize(comment)
		a.Tags = cleanTags(tags)

		mark.EnsureStyles(doc)
		wrapped := false
		if res, ok := k.resolver.Resolve(doc, a); ok {
			if _, err := mark.Wrap(res.Range, a.ID); err != nil {
				k.logger.WarnContext(ctx, "keeper: selection not materialised", "anchor", a.ID, "error", err)
			} else {
				wrapped = true
			}
		}
		if err := k.store.AppendAnchor(ctx, page.ID(), page.URL, a); err != nil {
			if wrapped {
				mark.Unwrap(doc, a.ID)
			}
			return err
		}
		saved = a
		return nil
	})
	if err != nil || saved == nil {
		return nil, err
	}

	k.logger.InfoContext(ctx, "keeper: anchor saved", "page", page.ID(), "anchor", saved.ID)
	k.notify(ctx, bus.ActionAnchorSaved, Event{PageID: page.ID(), URL: page.URL, AnchorID: saved.ID, Anchor: saved})
	return saved, nil
}

// Add stores an anchor captured elsewhere, for example by a browser
// extension. A missing id or timestamp is filled in.
func (k *Keeper) Add(ctx context.Context, pageURL string, a *anchor.Anchor) (*anchor.Anchor, error) {
	if pageURL == "" || a == nil {
		return nil, fmt.Errorf("%w: url and anchor are required", ErrInvalid)
	}
	a = a.Clone()
	if a.ID == "" {
		a.ID = k.capturer.NewID()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = k.capturer.Now().UnixMilli()
	}
	a.Comment = k.sanitize(a.Comment)
	a.Tags = cleanTags(a.Tags)
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	pageID := NormalizeURL(pageURL)
	if err := k.store.AppendAnchor(ctx, pageID, pageURL, a); err != nil {
		return nil, err
	}
	k.notify(ctx, bus.ActionAnchorSaved, Event{PageID: pageID, URL: pageURL, AnchorID: a.ID, Anchor: a})
	return a, nil
}

// Remove deletes an anchor from storage and, once that succeeded, dissolves
// its marker in page.
func (k *Keeper) Remove(ctx context.Context, page *Page, id string) error {
	if err := k.Delete(ctx, page.URL, id); err != nil {
		return err
	}
	return page.Do(func(doc *html.Node) error {
		mark.Unwrap(doc, id)
		return nil
	})
}

// RemoveAt removes the anchor whose marker encloses n, the path of a
// pointer action on a highlight. It returns the removed id, or "" when n is
// not inside a marker.
func (k *Keeper) RemoveAt(ctx context.Context, page *Page, n *html.Node) (string, error) {
	var id string
	page.Do(func(*html.Node) error {
		id = mark.MarkerIDAt(n)
		return nil
	})
	if id == "" {
		return "", nil
	}
	return id, k.Remove(ctx, page, id)
}

// Delete removes an anchor from storage only. Attached pages drop the
// marker when the notification reaches them.
func (k *Keeper) Delete(ctx context.Context, pageURL, id string) error {
	if pageURL == "" || id == "" {
		return fmt.Errorf("%w: url and id are required", ErrInvalid)
	}
	pageID := NormalizeURL(pageURL)
	found, err := k.store.DeleteAnchor(ctx, pageID, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: anchor %s", ErrNotFound, id)
	}
	k.logger.InfoContext(ctx, "keeper: anchor removed", "page", pageID, "anchor", id)
	k.notify(ctx, bus.ActionAnchorRemoved, Event{PageID: pageID, URL: pageURL, AnchorID: id})
	return nil
}

// Update rewrites the comment and tags of an anchor. Position fields are
// immutable.
func (k *Keeper) Update(ctx context.Context, pageURL, id, comment string, tags []string) (*anchor.Anchor, error) {
	if pageURL == "" || id == "" {
		return nil, fmt.Errorf("%w: url and id are required", ErrInvalid)
	}
	pageID := NormalizeURL(pageURL)
	a, err := k.store.UpdateAnchor(ctx, pageID, id, k.sanitize(comment), cleanTags(tags))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: anchor %s", ErrNotFound, id)
	}
	k.notify(ctx, bus.ActionAnchorSaved, Event{PageID: pageID, URL: pageURL, AnchorID: id, Anchor: a})
	return a, nil
}

// Clear removes every anchor of a page.
func (k *Keeper) Clear(ctx context.Context, pageURL string) error {
	pageID := NormalizeURL(pageURL)
	anchors, err := k.store.LoadAnchors(ctx, pageID)
	if err != nil {
		return err
	}
	found, err := k.store.DeletePage(ctx, pageID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: page %s", ErrNotFound, pageID)
	}
	for _, a := range anchors {
		k.notify(ctx, bus.ActionAnchorRemoved, Event{PageID: pageID, URL: pageURL, AnchorID: a.ID})
	}
	return nil
}

// Anchors returns the stored anchors of a page in insertion order.
func (k *Keeper) Anchors(ctx context.Context, pageURL string) ([]*anchor.Anchor, error) {
	return k.store.LoadAnchors(ctx, NormalizeURL(pageURL))
}

// Pages lists every page carrying anchors.
func (k *Keeper) Pages(ctx context.Context) ([]*store.Page, error) {
	return k.store.ListAllPages(ctx)
}

// Stats returns storage and replay figures for one page, or for all pages
// when pageURL is empty.
func (k *Keeper) Stats(ctx context.Context, pageURL string) (*store.ResolveStats, error) {
	pageID := ""
	if pageURL != "" {
		pageID = NormalizeURL(pageURL)
	}
	return k.store.Stats(ctx, pageID)
}

// Resolves returns the latest replay outcome per anchor of a page.
func (k *Keeper) Resolves(ctx context.Context, pageURL string) (map[string]store.ResolveRecord, error) {
	return k.store.LatestResolves(ctx, NormalizeURL(pageURL))
}

// Capture is Save for callers holding markup rather than a live tree: it
// parses src, selects the n-th occurrence of text and saves it. The page is
// returned with the new marker in place.
func (k *Keeper) Capture(ctx context.Context, pageURL, src, text string, n int, comment string, tags []string) (*anchor.Anchor, *Page, error) {
	if pageURL == "" {
		return nil, nil, fmt.Errorf("%w: url is required", ErrInvalid)
	}
	page, err := ParsePage(pageURL, strings.NewReader(src))
	if err != nil {
		return nil, nil, err
	}
	sel, err := page.SelectText(text, n)
	if err != nil {
		return nil, nil, err
	}
	a, err := k.Save(ctx, page, sel, comment, tags)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, fmt.Errorf("%w: empty selection", ErrInvalid)
	}
	return a, page, nil
}

func (k *Keeper) notify(ctx context.Context, action string, ev Event) {
	if _, err := k.bus.Notify(ctx, action, ev); err != nil {
		k.logger.WarnContext(ctx, "keeper: notify failed", "action", action, "error", err)
	}
}

// sanitize strips markup from a comment. The result is plain text: the
// entities the policy writes are decoded again, renderers escape on output.
func (k *Keeper) sanitize(s string) string {
	return strings.TrimSpace(html.UnescapeString(k.sanitizer.Sanitize(s)))
}

// cleanTags trims tags and drops empty and repeated ones.
func cleanTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
