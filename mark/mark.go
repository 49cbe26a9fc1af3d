// Package mark materialises resolved ranges as <mark> wrappers and
// dissolves them again.
//
// Wrap never leaves a half-built marker behind: every structural check runs
// before the first mutation, so a failed Wrap leaves the tree exactly as it
// found it.
package mark

import (
	"errors"
	"fmt"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/anchorkeep/dom"
)

const (
	// ClassName is the presentational class carried by every marker.
	ClassName = "anchorkeep-mark"
	// IDAttr holds the owning anchor id on the marker element.
	IDAttr = "data-anchor-id"
	// StyleID is the id of the injected stylesheet.
	StyleID = "anchorkeep-styles"
)

// ErrWrapFailed is returned when a range cannot be enclosed.
var ErrWrapFailed = errors.New("mark: range cannot be wrapped")

// point is a boundary expressed as "before child" of parent; a nil before
// means the end of parent. Unlike index offsets it survives sibling moves.
type point struct {
	parent *html.Node
	before *html.Node
}

// plan is a checked wrap, ready to mutate the tree.
type plan struct {
	r      dom.Range
	host   *html.Node
	direct bool
	start  point // set for element boundaries, filled at apply time for text
	end    point
}

// Wrap encloses r in a marker element carrying markerID and returns the
// marker. When both ends of the range sit under the same parent the
// children are surrounded in place; otherwise the partially covered
// ancestors are split so the covered part becomes a contiguous run of
// siblings, which is then moved into the marker.
func Wrap(r dom.Range, markerID string) (*html.Node, error) {
	if markerID == "" {
		return nil, fmt.Errorf("%w: empty marker id", ErrWrapFailed)
	}
	p, err := check(r)
	if err != nil {
		return nil, err
	}
	if p.direct {
		return p.surround(markerID), nil
	}
	return p.extractAndInsert(markerID), nil
}

func check(r dom.Range) (*plan, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailed, err)
	}
	if r.Collapsed() || r.Text() == "" {
		return nil, fmt.Errorf("%w: range covers no text", ErrWrapFailed)
	}

	startParent := container(r.Start)
	endParent := container(r.End)
	host := dom.CommonAncestor(startParent, endParent)
	if host == nil || !canHost(host) {
		return nil, fmt.Errorf("%w: no element can host the marker", ErrWrapFailed)
	}
	for _, side := range []*html.Node{startParent, endParent} {
		for n := side; n != host; n = n.Parent {
			if !splittable(n) {
				return nil, fmt.Errorf("%w: boundary inside <%s>", ErrWrapFailed, n.Data)
			}
		}
	}

	p := &plan{r: r, host: host, direct: startParent == endParent}
	if r.Start.Node.Type != html.TextNode {
		p.start = point{r.Start.Node, dom.ChildAt(r.Start.Node, r.Start.Offset)}
	}
	if r.End.Node.Type != html.TextNode {
		p.end = point{r.End.Node, dom.ChildAt(r.End.Node, r.End.Offset)}
	}
	return p, nil
}

// surround is the simple path: both boundaries already share a parent.
func (p *plan) surround(id string) *html.Node {
	p.splitBoundaries()
	return p.enclose(id)
}

// extractAndInsert lifts both boundaries to the host by splitting every
// partially covered element between them and the host.
func (p *plan) extractAndInsert(id string) *html.Node {
	p.splitBoundaries()
	p.start = lift(p.start, p.host)
	p.end = lift(p.end, p.host)
	return p.enclose(id)
}

// splitBoundaries turns text boundaries into element points. The end is
// split first so a start offset in the same text node stays valid.
func (p *plan) splitBoundaries() {
	if t := p.r.End.Node; t.Type == html.TextNode {
		p.end = splitPoint(t, p.r.End.Offset)
	}
	if t := p.r.Start.Node; t.Type == html.TextNode {
		p.start = splitPoint(t, p.r.Start.Offset)
	}
}

func (p *plan) enclose(id string) *html.Node {
	m := newMarker(id)
	p.host.InsertBefore(m, p.start.before)
	for n := p.start.before; n != nil && n != p.end.before; {
		next := n.NextSibling
		p.host.RemoveChild(n)
		m.AppendChild(n)
		n = next
	}
	return m
}

func splitPoint(t *html.Node, offset int) point {
	switch {
	case offset <= 0:
		return point{t.Parent, t}
	case offset >= dom.TextLen(t):
		return point{t.Parent, t.NextSibling}
	}
	return point{t.Parent, dom.SplitText(t, offset)}
}

// lift moves pt up to host. An element cut in the middle is split in two:
// the original keeps the children before the cut, a shallow clone inserted
// right after it receives the rest.
func lift(pt point, host *html.Node) point {
	for pt.parent != host {
		el := pt.parent
		switch {
		case pt.before == el.FirstChild:
			pt = point{el.Parent, el}
		case pt.before == nil:
			pt = point{el.Parent, el.NextSibling}
		default:
			twin := shallowClone(el)
			for c := pt.before; c != nil; {
				next := c.NextSibling
				el.RemoveChild(c)
				twin.AppendChild(c)
				c = next
			}
			el.Parent.InsertBefore(twin, el.NextSibling)
			pt = point{el.Parent, twin}
		}
	}
	return pt
}

// shallowClone copies an element without children. The id attribute is not
// copied so ids stay unique.
func shallowClone(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == "id" {
			continue
		}
		c.Attr = append(c.Attr, a)
	}
	return c
}

func newMarker(id string) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Mark,
		Data:     "mark",
		Attr: []html.Attribute{
			{Key: "class", Val: ClassName},
			{Key: IDAttr, Val: id},
		},
	}
}

// container is the node whose children the boundary indexes into.
func container(b dom.Boundary) *html.Node {
	if b.Node.Type == html.TextNode {
		return b.Node.Parent
	}
	return b.Node
}

func canHost(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Namespace != "" {
		return false
	}
	switch n.DataAtom {
	case atom.Html, atom.Head:
		return false
	}
	return !rawContent(n)
}

func splittable(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Namespace != "" {
		return false
	}
	switch n.DataAtom {
	case atom.Html, atom.Head, atom.Body, atom.Template:
		return false
	}
	return !rawContent(n)
}

// rawContent reports elements whose children are not rendered markup.
func rawContent(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Textarea, atom.Title, atom.Xmp,
		atom.Iframe, atom.Noembed, atom.Noframes, atom.Noscript, atom.Plaintext,
		atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img,
		atom.Input, atom.Link, atom.Meta, atom.Source, atom.Track, atom.Wbr:
		return true
	}
	return false
}
