package dom

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrInvalidRange is returned by Range.Validate.
var ErrInvalidRange = errors.New("dom: invalid range")

// Boundary is a DOM boundary point. For text nodes Offset counts code
// points into the node data; for every other node it counts children.
type Boundary struct {
	Node   *html.Node
	Offset int
}

// Range is an ordered pair of boundary points, like a browser Range or a
// non-collapsed Selection.
type Range struct {
	Start Boundary
	End   Boundary
}

// NodeContents returns the range covering all children of n.
func NodeContents(n *html.Node) Range {
	return Range{Start: Boundary{n, 0}, End: Boundary{n, NodeLength(n)}}
}

// Collapsed reports whether start and end denote the same point.
func (r Range) Collapsed() bool {
	return r.Start.Node == r.End.Node && r.Start.Offset == r.End.Offset
}

// Validate checks that both boundaries exist, share a tree, stay within
// their node lengths and are ordered.
func (r Range) Validate() error {
	for _, b := range []Boundary{r.Start, r.End} {
		if b.Node == nil {
			return fmt.Errorf("%w: nil boundary node", ErrInvalidRange)
		}
		if b.Node.Type == html.DoctypeNode || b.Node.Type == html.CommentNode {
			return fmt.Errorf("%w: boundary on %s node", ErrInvalidRange, nodeTypeName(b.Node))
		}
		if b.Offset < 0 || b.Offset > NodeLength(b.Node) {
			return fmt.Errorf("%w: offset %d out of bounds", ErrInvalidRange, b.Offset)
		}
	}
	if Root(r.Start.Node) != Root(r.End.Node) {
		return fmt.Errorf("%w: boundaries in different trees", ErrInvalidRange)
	}
	if Compare(r.Start, r.End) > 0 {
		return fmt.Errorf("%w: start after end", ErrInvalidRange)
	}
	return nil
}

// CommonAncestor returns the deepest node containing both boundaries.
func (r Range) CommonAncestor() *html.Node {
	return CommonAncestor(r.Start.Node, r.End.Node)
}

// Text returns the concatenated text covered by the range, the Go
// equivalent of Range.toString().
func (r Range) Text() string {
	ca := r.CommonAncestor()
	if ca == nil {
		return ""
	}
	start, end := boundaryKey(r.Start), boundaryKey(r.End)

	var sb strings.Builder
	for _, t := range TextNodes(ca) {
		base := nodeKey(t)
		l := TextLen(t)
		if compareKeys(append(base, l), start) <= 0 {
			continue
		}
		if compareKeys(append(base, 0), end) >= 0 {
			break
		}
		from, to := 0, l
		if t == r.Start.Node {
			from = r.Start.Offset
		}
		if t == r.End.Node {
			to = r.End.Offset
		}
		sb.WriteString(RuneSlice(t.Data, from, to))
	}
	return sb.String()
}

// Compare orders two boundary points of the same tree: -1, 0 or 1.
func Compare(a, b Boundary) int {
	return compareKeys(boundaryKey(a), boundaryKey(b))
}

// nodeKey is the list of child indexes leading from the root to n.
func nodeKey(n *html.Node) []int {
	var key []int
	for ; n.Parent != nil; n = n.Parent {
		key = append(key, ChildIndex(n))
	}
	for i, j := 0, len(key)-1; i < j; i, j = i+1, j-1 {
		key[i], key[j] = key[j], key[i]
	}
	return key
}

func boundaryKey(b Boundary) []int {
	return append(nodeKey(b.Node), b.Offset)
}

// compareKeys orders keys lexicographically; a proper prefix sorts first,
// which is exactly DOM boundary order.
func compareKeys(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func nodeTypeName(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return "text"
	case html.DocumentNode:
		return "document"
	case html.ElementNode:
		return "element"
	case html.CommentNode:
		return "comment"
	case html.DoctypeNode:
		return "doctype"
	}
	return "raw"
}
