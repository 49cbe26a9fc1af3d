package anchor

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/dom"
	"github.com/hazyhaar/anchorkeep/pathaddr"
)

// Tier names the strategy that located an anchor.
type Tier int

const (
	TierExact Tier = iota + 1
	TierContext
	TierPartialContext
	TierNearest
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierContext:
		return "context"
	case TierPartialContext:
		return "partial_context"
	case TierNearest:
		return "nearest"
	}
	return "none"
}

// DefaultPartialContextLen bounds the context kept by the partial tier.
const DefaultPartialContextLen = 20

// Resolution is a located anchor: a live range over the current tree and
// where it was found.
type Resolution struct {
	Range     dom.Range
	Tier      Tier
	Container *html.Node
	Start     int // code point offset into Container's text
}

// Resolver locates Anchors in a document. The zero value is usable.
type Resolver struct {
	PartialContextLen int
	Logger            *slog.Logger
}

// Resolve finds a in doc. It never mutates doc and never fails loudly: an
// anchor that cannot be located yields (nil, false).
func (r *Resolver) Resolve(doc *html.Node, a *Anchor) (*Resolution, bool) {
	if doc == nil || a == nil || a.Text == "" {
		return nil, false
	}
	log := r.logger().With("anchor", a.ID)

	container, err := pathaddr.FromPath(doc, a.ContainerPath)
	switch {
	case err != nil:
		log.Debug("anchor: stored path malformed", "path", a.ContainerPath, "error", err)
		container = nil
	case container == nil:
		log.Debug("anchor: container not found", "path", a.ContainerPath)
	}

	if container != nil {
		full := dom.TextContent(container)
		if dom.RuneSlice(full, a.StartOffset, a.EndOffset) == a.Text {
			if rng, ok := RangeAt(container, a.StartOffset, a.EndOffset); ok {
				log.Debug("anchor: resolved", "tier", TierExact, "start", a.StartOffset)
				return &Resolution{Range: rng, Tier: TierExact, Container: container, Start: a.StartOffset}, true
			}
		}
	} else {
		container = dom.Body(doc)
		if container == nil {
			container = dom.Root(doc)
		}
	}

	full := dom.TextContent(container)
	tier, start, ok := r.search(full, a)
	if !ok {
		log.Debug("anchor: unresolved", "path", a.ContainerPath)
		return nil, false
	}
	n := utf8.RuneCountInString(a.Text)
	rng, ok := RangeAt(container, start, start+n)
	if !ok {
		return nil, false
	}
	log.Debug("anchor: resolved", "tier", tier, "start", start, "stored_start", a.StartOffset)
	return &Resolution{Range: rng, Tier: tier, Container: container, Start: start}, true
}

// search runs the text-based tiers over the container text.
func (r *Resolver) search(full string, a *Anchor) (Tier, int, bool) {
	before := utf8.RuneCountInString(a.BeforeContext)
	if i := runeIndex(full, a.BeforeContext+a.Text+a.AfterContext, 0); i >= 0 {
		return TierContext, i + before, true
	}

	pl := r.PartialContextLen
	if pl <= 0 {
		pl = DefaultPartialContextLen
	}
	pb := lastRunes(a.BeforeContext, pl)
	pa := firstRunes(a.AfterContext, pl)
	if i := runeIndex(full, pb+a.Text+pa, 0); i >= 0 {
		return TierPartialContext, i + utf8.RuneCountInString(pb), true
	}

	best := nearest(full, a.Text, a.StartOffset)
	if best < 0 {
		return 0, 0, false
	}
	return TierNearest, best, true
}

// nearest returns the rune offset of the occurrence of text closest to
// target, ties to the earlier one, or -1. Overlapping occurrences count.
// The scan keeps a byte cursor and a running rune count, so it is linear in
// len(full).
func nearest(full, text string, target int) int {
	if text == "" {
		return -1
	}
	best := -1
	b, pos := 0, 0
	for b < len(full) {
		j := strings.Index(full[b:], text)
		if j < 0 {
			break
		}
		pos += utf8.RuneCountInString(full[b : b+j])
		b += j
		if best < 0 || abs(pos-target) < abs(best-target) {
			best = pos
		} else if pos > target {
			// Occurrences only move further away from here.
			break
		}
		_, size := utf8.DecodeRuneInString(full[b:])
		b += size
		pos++
	}
	return best
}

// RangeAt maps the code point span [start, end) of container's text onto a
// range of text node boundaries. The start lands in the first text node
// whose cumulative end exceeds start, the end in the first whose cumulative
// end reaches end.
func RangeAt(container *html.Node, start, end int) (dom.Range, bool) {
	if container == nil || start < 0 || end <= start {
		return dom.Range{}, false
	}
	var rng dom.Range
	var haveStart bool
	pos := 0
	for _, t := range dom.TextNodes(container) {
		l := dom.TextLen(t)
		if !haveStart && pos+l > start {
			rng.Start = dom.Boundary{Node: t, Offset: start - pos}
			haveStart = true
		}
		if haveStart && pos+l >= end {
			rng.End = dom.Boundary{Node: t, Offset: end - pos}
			return rng, true
		}
		pos += l
	}
	return dom.Range{}, false
}

// runeIndex is strings.Index in code points, starting the search at rune
// offset from.
func runeIndex(s, sub string, from int) int {
	b := 0
	for i := 0; i < from; i++ {
		if b >= len(s) {
			return -1
		}
		_, size := utf8.DecodeRuneInString(s[b:])
		b += size
	}
	j := strings.Index(s[b:], sub)
	if j < 0 {
		return -1
	}
	return from + utf8.RuneCountInString(s[b:b+j])
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func (r *Resolver) logger() *slog.Logger {
	if r == nil || r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
