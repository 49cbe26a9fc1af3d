package pathaddr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/dom"
)

// ErrMalformedPath is wrapped by every parse failure.
var ErrMalformedPath = errors.New("pathaddr: malformed path")

// SyntaxError reports where a path stopped making sense.
type SyntaxError struct {
	Path string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("pathaddr: malformed path %q at %d: %s", e.Path, e.Pos, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return ErrMalformedPath }

type step struct {
	descendant bool // reached through "//"
	name       string
	preds      []predicate
}

type predicate struct {
	position  int // 1-based, 0 when the predicate is an attribute test
	attrName  string
	attrValue string
	hasValue  bool
}

// parse splits "/a/b[2]//c[@id='x']" into steps.
func parse(path string) ([]step, error) {
	p := &parser{src: path}
	if strings.TrimSpace(path) == "" {
		return nil, p.fail("empty path")
	}
	var steps []step
	for p.pos < len(p.src) {
		if p.peek() != '/' {
			return nil, p.fail("expected '/'")
		}
		p.pos++
		var st step
		if p.peek() == '/' {
			st.descendant = true
			p.pos++
		}
		name := p.name()
		if name == "" {
			return nil, p.fail("expected element name")
		}
		st.name = strings.ToLower(name)
		for p.peek() == '[' {
			p.pos++
			pred, err := p.predicate()
			if err != nil {
				return nil, err
			}
			st.preds = append(st.preds, pred)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) fail(msg string) error {
	return &SyntaxError{Path: p.src, Pos: p.pos, Msg: msg}
}

func (p *parser) name() string {
	if p.peek() == '*' {
		p.pos++
		return "*"
	}
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '/' || c == '[' || c == ']' || c == '@' || c == '=' || c == '\'' || c == '"' || c == ' ' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) predicate() (predicate, error) {
	var pred predicate
	if p.peek() == '@' {
		p.pos++
		pred.attrName = p.name()
		if pred.attrName == "" || pred.attrName == "*" {
			return pred, p.fail("expected attribute name")
		}
		if p.peek() == '=' {
			p.pos++
			q := p.peek()
			if q != '"' && q != '\'' {
				return pred, p.fail("expected quoted value")
			}
			end := strings.IndexByte(p.src[p.pos+1:], q)
			if end < 0 {
				return pred, p.fail("unterminated string")
			}
			pred.attrValue = p.src[p.pos+1 : p.pos+1+end]
			pred.hasValue = true
			p.pos += end + 2
		}
	} else {
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.Atoi(p.src[start:p.pos])
		if err != nil || n < 1 {
			p.pos = start
			return pred, p.fail("expected position or attribute test")
		}
		pred.position = n
	}
	if p.peek() != ']' {
		return pred, p.fail("expected ']'")
	}
	p.pos++
	return pred, nil
}

// evaluate runs the steps from the document root. Each step produces the
// matching nodes in document order, which is what positional predicates
// and the final "first match" rely on.
func evaluate(root *html.Node, steps []step) []*html.Node {
	context := []*html.Node{root}
	for _, st := range steps {
		parents := context
		if st.descendant {
			parents = descendantsOrSelf(context)
		}
		matched := make(map[*html.Node]struct{})
		for _, parent := range parents {
			for _, n := range st.apply(parent) {
				matched[n] = struct{}{}
			}
		}
		context = inDocumentOrder(root, matched)
		if len(context) == 0 {
			return nil
		}
	}
	return context
}

// apply returns the children of parent accepted by the name test and all
// predicates. Positions are evaluated against the candidates still standing
// after the previous predicate, as XPath does.
func (st step) apply(parent *html.Node) []*html.Node {
	var cands []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (st.name == "*" || strings.ToLower(c.Data) == st.name) {
			cands = append(cands, c)
		}
	}
	for _, pred := range st.preds {
		var kept []*html.Node
		for i, c := range cands {
			if pred.match(c, i+1) {
				kept = append(kept, c)
			}
		}
		cands = kept
	}
	return cands
}

func (pred predicate) match(n *html.Node, position int) bool {
	if pred.position > 0 {
		return position == pred.position
	}
	if !dom.HasAttr(n, pred.attrName) {
		return false
	}
	return !pred.hasValue || dom.Attr(n, pred.attrName) == pred.attrValue
}

func descendantsOrSelf(nodes []*html.Node) []*html.Node {
	seen := make(map[*html.Node]struct{})
	var out []*html.Node
	for _, n := range nodes {
		dom.Walk(n, func(d *html.Node) bool {
			if _, ok := seen[d]; ok {
				return true
			}
			seen[d] = struct{}{}
			if d.Type == html.ElementNode || d.Type == html.DocumentNode {
				out = append(out, d)
			}
			return true
		})
	}
	return out
}

func inDocumentOrder(root *html.Node, set map[*html.Node]struct{}) []*html.Node {
	if len(set) == 0 {
		return nil
	}
	out := make([]*html.Node, 0, len(set))
	dom.Walk(root, func(n *html.Node) bool {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
		return len(out) < len(set)
	})
	return out
}
