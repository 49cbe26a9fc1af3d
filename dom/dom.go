// Package dom gives golang.org/x/net/html trees the small slice of browser
// DOM behaviour the anchoring code needs: depth-first text walks, boundary
// points, ranges, text splitting and normalisation.
//
// Character offsets are counted in Unicode code points, never bytes.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parse parses a full HTML document.
func Parse(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return doc, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(s string) (*html.Node, error) {
	return Parse(strings.NewReader(s))
}

// Render serialises a node subtree back to HTML.
func Render(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

// InnerHTML serialises the children of n.
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&buf, c)
	}
	return buf.String()
}

// TextLen returns the length of a text node in code points, or 0 for any
// other node type.
func TextLen(n *html.Node) int {
	if n == nil || n.Type != html.TextNode {
		return 0
	}
	return utf8.RuneCountInString(n.Data)
}

// TextNodes returns every text node under root (root included) in
// depth-first document order.
func TextNodes(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

// TextContent concatenates the data of all text nodes under root.
func TextContent(root *html.Node) string {
	var sb strings.Builder
	for _, t := range TextNodes(root) {
		sb.WriteString(t.Data)
	}
	return sb.String()
}

// SplitText splits text node t at code point offset and returns the new
// node holding the tail. The new node is inserted right after t.
func SplitText(t *html.Node, offset int) *html.Node {
	head, tail := splitRunes(t.Data, offset)
	t.Data = head
	n := &html.Node{Type: html.TextNode, Data: tail}
	if t.Parent != nil {
		t.Parent.InsertBefore(n, t.NextSibling)
	}
	return n
}

// Normalize merges adjacent text nodes and drops empty ones throughout the
// subtree rooted at n.
func Normalize(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.TextNode {
			Normalize(c)
			c = next
			continue
		}
		if c.Data == "" {
			n.RemoveChild(c)
			c = next
			continue
		}
		for next != nil && next.Type == html.TextNode {
			c.Data += next.Data
			after := next.NextSibling
			n.RemoveChild(next)
			next = after
		}
		c = next
	}
}

// Attr returns the value of attribute key, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether n carries attribute key.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}

// HasClass reports whether the class attribute of n lists name.
func HasClass(n *html.Node, name string) bool {
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == name {
			return true
		}
	}
	return false
}

// Walk visits n and its descendants in document order until fn returns false.
func Walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// FindElement returns the first element under root accepted by match.
func FindElement(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// ElementByID returns the first element whose id attribute equals id.
func ElementByID(root *html.Node, id string) *html.Node {
	return FindElement(root, func(n *html.Node) bool { return Attr(n, "id") == id })
}

// Body returns the <body> element of a parsed document, or nil.
func Body(doc *html.Node) *html.Node {
	return FindElement(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body })
}

// Head returns the <head> element of a parsed document, or nil.
func Head(doc *html.Node) *html.Node {
	return FindElement(doc, func(n *html.Node) bool { return n.DataAtom == atom.Head })
}

// Root returns the topmost ancestor of n.
func Root(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

// Contains reports whether a is an inclusive ancestor of b.
func Contains(a, b *html.Node) bool {
	for n := b; n != nil; n = n.Parent {
		if n == a {
			return true
		}
	}
	return false
}

// CommonAncestor returns the deepest node that is an inclusive ancestor of
// both a and b, or nil when they live in different trees.
func CommonAncestor(a, b *html.Node) *html.Node {
	seen := make(map[*html.Node]struct{})
	for n := a; n != nil; n = n.Parent {
		seen[n] = struct{}{}
	}
	for n := b; n != nil; n = n.Parent {
		if _, ok := seen[n]; ok {
			return n
		}
	}
	return nil
}

// ChildIndex returns the position of n among its parent's children.
func ChildIndex(n *html.Node) int {
	i := 0
	for c := n.PrevSibling; c != nil; c = c.PrevSibling {
		i++
	}
	return i
}

// ChildAt returns the i-th child of n, or nil past the end.
func ChildAt(n *html.Node, i int) *html.Node {
	c := n.FirstChild
	for ; c != nil && i > 0; i-- {
		c = c.NextSibling
	}
	return c
}

// NodeLength is the DOM "length" of a node: code points for text, child
// count otherwise.
func NodeLength(n *html.Node) int {
	if n.Type == html.TextNode {
		return TextLen(n)
	}
	l := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		l++
	}
	return l
}

// RuneSlice returns s[i:j] with i and j counted in code points. Out of range
// indexes are clamped.
func RuneSlice(s string, i, j int) string {
	if i < 0 {
		i = 0
	}
	if j < i {
		return ""
	}
	start, end := -1, len(s)
	pos := 0
	for b := range s {
		if pos == i {
			start = b
		}
		if pos == j {
			end = b
			break
		}
		pos++
	}
	if start < 0 {
		return ""
	}
	return s[start:end]
}

func splitRunes(s string, offset int) (string, string) {
	pos := 0
	for b := range s {
		if pos == offset {
			return s[:b], s[b:]
		}
		pos++
	}
	return s, ""
}
