package keeper

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/dom"
	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
)

// Page is one live document. Every mutation of the tree happens under the
// page lock, so a page behaves like a single UI thread: operations on it run
// one at a time, in call order.
type Page struct {
	URL string

	mu  sync.Mutex
	doc *html.Node
}

// NewPage wraps an already parsed document.
func NewPage(url string, doc *html.Node) *Page {
	return &Page{URL: url, doc: doc}
}

// ParsePage parses r as HTML.
func ParsePage(url string, r io.Reader) (*Page, error) {
	doc, err := dom.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("keeper: parse page: %w", err)
	}
	return NewPage(url, doc), nil
}

// ID is the storage key of the page.
func (p *Page) ID() string {
	return store.NormalizeURL(p.URL)
}

// Do runs fn with exclusive access to the document.
func (p *Page) Do(fn func(doc *html.Node) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.doc)
}

// HTML renders the current document.
func (p *Page) HTML() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return dom.Render(p.doc)
}

// SelectText returns the range covering the n-th (0-based) occurrence of
// text in the page body, the way a user selection over that text would.
func (p *Page) SelectText(text string, n int) (dom.Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return selectText(p.doc, text, n)
}

func selectText(doc *html.Node, text string, n int) (dom.Range, error) {
	if strings.TrimSpace(text) == "" || n < 0 {
		return dom.Range{}, fmt.Errorf("%w: empty selection text", ErrInvalid)
	}
	container := dom.Body(doc)
	if container == nil {
		container = dom.Root(doc)
	}
	full := dom.TextContent(container)
	b := -1
	for i, from := 0, 0; i <= n; i++ {
		j := strings.Index(full[from:], text)
		if j < 0 {
			return dom.Range{}, fmt.Errorf("%w: occurrence %d of %q", ErrNotFound, n, text)
		}
		b = from + j
		_, size := utf8.DecodeRuneInString(full[b:])
		from = b + size
	}
	start := utf8.RuneCountInString(full[:b])
	rng, ok := anchor.RangeAt(container, start, start+utf8.RuneCountInString(text))
	if !ok {
		return dom.Range{}, fmt.Errorf("%w: occurrence %d of %q", ErrNotFound, n, text)
	}
	return rng, nil
}
