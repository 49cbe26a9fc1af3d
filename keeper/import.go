package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/bus"
)

// exportKeyPrefix prefixes page entries in a browser storage dump.
const exportKeyPrefix = "highlights_"

// PageAnchors is one page of an export: the highlighter extension writes
// its anchors under "highlights".
type PageAnchors struct {
	URL     string           `json:"url"`
	Anchors []*anchor.Anchor `json:"highlights"`
}

// ParseExport decodes an anchor export. Two shapes are accepted: a list of
// pages, or a storage dump mapping "highlights_<url>" keys to pages. Other
// keys of a dump are ignored.
func ParseExport(data []byte) ([]PageAnchors, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty export", ErrInvalid)
	}
	if data[0] == '[' {
		var pages []PageAnchors
		if err := json.Unmarshal(data, &pages); err != nil {
			return nil, fmt.Errorf("%w: export: %w", ErrInvalid, err)
		}
		return pages, nil
	}

	var dump map[string]json.RawMessage
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("%w: export: %w", ErrInvalid, err)
	}
	keys := make([]string, 0, len(dump))
	for key := range dump {
		if strings.HasPrefix(key, exportKeyPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	pages := make([]PageAnchors, 0, len(keys))
	for _, key := range keys {
		var p PageAnchors
		if err := json.Unmarshal(dump[key], &p); err != nil {
			return nil, fmt.Errorf("%w: export %s: %w", ErrInvalid, key, err)
		}
		if p.URL == "" {
			p.URL = strings.TrimPrefix(key, exportKeyPrefix)
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// ImportStats counts what an Import did.
type ImportStats struct {
	Pages    int `json:"pages"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import merges exported pages into storage. Anchors already stored under
// the same id are kept as they are; invalid anchors are skipped.
func (k *Keeper) Import(ctx context.Context, pages []PageAnchors) (*ImportStats, error) {
	st := &ImportStats{}
	for _, p := range pages {
		if p.URL == "" {
			st.Skipped += len(p.Anchors)
			continue
		}
		pageID := NormalizeURL(p.URL)
		existing, err := k.store.LoadAnchors(ctx, pageID)
		if err != nil {
			return st, err
		}
		seen := make(map[string]bool, len(existing))
		for _, a := range existing {
			seen[a.ID] = true
		}

		merged := existing
		added := 0
		for _, a := range p.Anchors {
			if a == nil || seen[a.ID] {
				st.Skipped++
				continue
			}
			a = a.Clone()
			a.Comment = k.sanitize(a.Comment)
			a.Tags = cleanTags(a.Tags)
			if err := a.Validate(); err != nil {
				k.logger.WarnContext(ctx, "keeper: import skips anchor", "page", pageID, "anchor", a.ID, "error", err)
				st.Skipped++
				continue
			}
			seen[a.ID] = true
			merged = append(merged, a)
			added++
		}
		if added == 0 {
			continue
		}
		if err := k.store.SaveAnchors(ctx, pageID, p.URL, merged); err != nil {
			return st, err
		}
		st.Pages++
		st.Imported += added
		k.audited(ctx, "import", pageID, map[string]any{"url": p.URL, "imported": added})
		k.notify(ctx, bus.ActionRefresh, Event{PageID: pageID, URL: p.URL})
	}
	k.logger.InfoContext(ctx, "keeper: import done", "pages", st.Pages, "imported", st.Imported, "skipped", st.Skipped)
	return st, nil
}
