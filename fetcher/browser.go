package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless renderer.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local headless Chrome on first use.
	RemoteURL string

	// Timeout bounds navigation and serialisation of one page.
	Timeout time.Duration

	// Block lists resource types never loaded: images, fonts, media,
	// stylesheets.
	Block []string

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.Block == nil {
		c.Block = []string{"images", "fonts", "media"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser renders pages in headless Chrome with stealth evasions and
// returns document.documentElement.outerHTML once the page has loaded.
// Chrome starts on the first Render and lives until Close.
type Browser struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowser creates a renderer. No process is started yet.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// Render navigates a fresh stealth tab to pageURL and serialises its DOM.
func (b *Browser) Render(ctx context.Context, pageURL string) ([]byte, error) {
	br, err := b.connect()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	if len(b.cfg.Block) > 0 {
		router := blockResources(page, b.cfg.Block)
		defer router.Stop()
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("browser: get DOM: %w", err)
	}
	return []byte(res.Value.Str()), nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("browser: closed")
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("browser: launched local chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := br.IgnoreCertErrors(true); err != nil {
		b.cfg.Logger.Warn("browser: ignore cert errors failed", "error", err)
	}
	b.browser = br
	return br, nil
}

// blockResources fails requests for the blocked resource types.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blocked, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(blocked map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return blocked["images"]
	case "font":
		return blocked["fonts"]
	case "media":
		return blocked["media"]
	case "stylesheet":
		return blocked["stylesheets"]
	default:
		return blocked[lower]
	}
}
