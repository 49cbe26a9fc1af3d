package mark

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/anchorkeep/dom"
)

// Stylesheet is injected once per document by EnsureStyles.
const Stylesheet = `
.` + ClassName + ` {
  background-color: #ffeb3b !important;
  border-radius: 2px;
  padding: 0 2px;
  cursor: pointer;
  transition: background-color 0.2s;
}
.` + ClassName + `:hover {
  background-color: #ffc107 !important;
}
`

// Unwrap dissolves every marker carrying markerID: children move to the
// marker's position in order, the marker goes away and the parent is
// normalised so split text nodes merge back. Unknown ids are a no-op; the
// return value reports whether anything was removed.
func Unwrap(root *html.Node, markerID string) bool {
	markers := findAll(root, markerID)
	for _, m := range markers {
		parent := m.Parent
		if parent == nil {
			continue
		}
		for c := m.FirstChild; c != nil; c = m.FirstChild {
			m.RemoveChild(c)
			parent.InsertBefore(c, m)
		}
		parent.RemoveChild(m)
		dom.Normalize(parent)
	}
	return len(markers) > 0
}

// Find returns the first marker carrying markerID, or nil.
func Find(root *html.Node, markerID string) *html.Node {
	return dom.FindElement(root, func(n *html.Node) bool {
		return isMarker(n) && dom.Attr(n, IDAttr) == markerID
	})
}

// IDs lists the distinct marker ids present under root, in document order.
func IDs(root *html.Node) []string {
	var ids []string
	seen := make(map[string]bool)
	dom.Walk(root, func(n *html.Node) bool {
		if isMarker(n) {
			if id := dom.Attr(n, IDAttr); !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return true
	})
	return ids
}

// MarkerIDAt maps any node, typically the target of a pointer action, to
// the id of the closest enclosing marker. It returns "" outside markers.
func MarkerIDAt(n *html.Node) string {
	for ; n != nil; n = n.Parent {
		if isMarker(n) {
			return dom.Attr(n, IDAttr)
		}
	}
	return ""
}

// EnsureStyles inserts the marker stylesheet into <head> unless a node with
// StyleID already exists. It reports whether it inserted anything.
func EnsureStyles(doc *html.Node) bool {
	if doc == nil || dom.ElementByID(doc, StyleID) != nil {
		return false
	}
	style := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Style,
		Data:     "style",
		Attr:     []html.Attribute{{Key: "id", Val: StyleID}},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: Stylesheet})

	parent := dom.Head(doc)
	if parent == nil {
		parent = dom.FindElement(doc, func(n *html.Node) bool { return n.DataAtom == atom.Html })
	}
	if parent == nil {
		parent = doc
	}
	parent.AppendChild(style)
	return true
}

func isMarker(n *html.Node) bool {
	return n.Type == html.ElementNode && dom.HasAttr(n, IDAttr) && dom.HasClass(n, ClassName)
}

func findAll(root *html.Node, markerID string) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if isMarker(n) && dom.Attr(n, IDAttr) == markerID {
			out = append(out, n)
		}
		return true
	})
	return out
}
