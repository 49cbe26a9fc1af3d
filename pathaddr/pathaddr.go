// Package pathaddr converts nodes of an HTML tree to structural paths and
// back.
//
// Two path forms are produced:
//
//	//*[@id="main"]                element carrying a document-unique id
//	/html[1]/body[1]/div[2]/p[1]    same-tag sibling indexes, root to node
//
// The indexed form only counts preceding siblings that share the tag name,
// so inserting a <div> before a <p> leaves the <p> path untouched while
// inserting another <p> shifts it.
//
// FromPath evaluates those forms plus the practical XPath subset used for
// extraction rules: //tag, //tag[@attr='v'], //tag[@attr], //tag[n], chained
// absolute and descendant steps, and the * name test.
package pathaddr

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/dom"
)

// ToPath returns the structural path of n. Text and other non-element nodes
// are addressed through their nearest element ancestor. It returns "" when
// no element ancestor exists.
func ToPath(n *html.Node) string {
	for n != nil && n.Type != html.ElementNode {
		n = n.Parent
	}
	if n == nil {
		return ""
	}

	if id := dom.Attr(n, "id"); id != "" && uniqueID(dom.Root(n), id) {
		if lit, ok := quote(id); ok {
			return "//*[@id=" + lit + "]"
		}
	}

	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		idx := 1
		for s := cur.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode && s.Data == cur.Data {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s[%d]", strings.ToLower(cur.Data), idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// FromPath evaluates path against doc and returns the first matching node in
// document order. A path that matches nothing yields (nil, nil); only a path
// that cannot be parsed returns an error, always wrapping ErrMalformedPath.
func FromPath(doc *html.Node, path string) (*html.Node, error) {
	steps, err := parse(path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	root := dom.Root(doc)
	matches := evaluate(root, steps)
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// MustFromPath is FromPath for paths known to be well formed, such as
// literals in tests and paths just produced by ToPath.
func MustFromPath(doc *html.Node, path string) *html.Node {
	n, err := FromPath(doc, path)
	if err != nil {
		panic(err)
	}
	return n
}

func uniqueID(root *html.Node, id string) bool {
	count := 0
	dom.Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && dom.Attr(n, "id") == id {
			count++
		}
		return count < 2
	})
	return count == 1
}

// quote renders an XPath string literal. XPath 1.0 has no escape sequences,
// so a value holding both quote characters cannot be written.
func quote(s string) (string, bool) {
	switch {
	case !strings.Contains(s, `"`):
		return `"` + s + `"`, true
	case !strings.Contains(s, "'"):
		return "'" + s + "'", true
	}
	return "", false
}
