// Package fetcher acquires page markup for replay: a plain HTTP GET, with
// optional escalation to a headless browser when the response looks like a
// client-rendered shell.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrStatus is returned when the server answers with an error status.
var ErrStatus = errors.New("fetcher: unexpected status")

// Renderer produces the live markup of a page, typically by running it in
// a browser.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// Result is the outcome of a Fetch.
type Result struct {
	URL        string
	HTML       []byte
	StatusCode int
	Sufficient bool // the markup carries enough text to anchor on
	Rendered   bool // the markup comes from the Renderer
}

// Fetcher performs HTTP GETs and escalates to a Renderer when needed.
type Fetcher struct {
	client   *http.Client
	ua       string
	maxBytes int64
	minText  int
	renderer Renderer
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.client = &http.Client{Timeout: d} }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithMinTextLen sets the visible text below which a page is considered
// a shell.
func WithMinTextLen(n int) Option {
	return func(f *Fetcher) { f.minText = n }
}

// WithRenderer enables escalation for insufficient pages.
func WithRenderer(r Renderer) Option {
	return func(f *Fetcher) { f.renderer = r }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher with sensible defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		ua:       "Mozilla/5.0 (compatible; anchorkeep/1.0)",
		maxBytes: 10 << 20,
		minText:  DefaultMinTextLen,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs pageURL. When the body looks insufficient and a Renderer is
// configured, the page is rendered instead; a failed render falls back to
// the HTTP body.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s: %d", ErrStatus, pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}

	res := &Result{
		URL:        pageURL,
		HTML:       body,
		StatusCode: resp.StatusCode,
		Sufficient: IsSufficient(body, f.minText),
	}
	f.logger.Debug("fetcher: fetched",
		"url", pageURL, "status", resp.StatusCode,
		"size", len(body), "sufficient", res.Sufficient)

	if res.Sufficient || f.renderer == nil {
		return res, nil
	}

	rendered, err := f.renderer.Render(ctx, pageURL)
	if err != nil {
		f.logger.Warn("fetcher: render failed, keeping HTTP body", "url", pageURL, "error", err)
		return res, nil
	}
	res.HTML = rendered
	res.Rendered = true
	res.Sufficient = IsSufficient(rendered, f.minText)
	f.logger.Debug("fetcher: rendered", "url", pageURL, "size", len(rendered), "sufficient", res.Sufficient)
	return res, nil
}
