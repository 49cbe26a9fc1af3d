// Package keeper is the anchorkeep orchestrator.
//
// It wires capture, resolution, materialisation and storage into the
// operations a highlighting front end needs, and exposes them over the
// in-process bus, MCP tools and an HTTP API:
//
//	selection → capture → wrap → store → notify
//	page load → load → resolve → wrap (per anchor, failures isolated)
//
// Usage:
//
//	k, err := keeper.New(cfg, logger)
//	defer k.Close()
//	page, _ := keeper.ParsePage(url, body)
//	report, _ := k.Restore(ctx, page)
//	k.RegisterMCP(mcpServer)
//	http.ListenAndServe(addr, k.Handler())
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/anchorkeep/anchor"
	"github.com/hazyhaar/anchorkeep/audit"
	"github.com/hazyhaar/anchorkeep/bus"
	"github.com/hazyhaar/anchorkeep/dbopen"
	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
)

var (
	// ErrNotFound is returned when an anchor, marker or page does not exist.
	ErrNotFound = errors.New("keeper: not found")
	// ErrInvalid is returned for requests missing required fields.
	ErrInvalid = errors.New("keeper: invalid request")
)

// Keeper is the main anchorkeep orchestrator.
type Keeper struct {
	store     *store.Store
	bus       *bus.Bus
	audit     *audit.Logger
	capturer  *anchor.Capturer
	resolver  *anchor.Resolver
	sanitizer *bluemonday.Policy
	md        *converter.Converter
	logger    *slog.Logger
	config    *Config
}

// New opens the database named by cfg and returns a Keeper with its own
// bus, request handlers already registered.
func New(cfg *Config, logger *slog.Logger) (*Keeper, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.DBPath,
		dbopen.WithBusyTimeout(cfg.Store.BusyTimeoutMs),
		dbopen.WithSynchronous(strings.ToUpper(cfg.Store.Synchronous)),
	)
	if err != nil {
		return nil, err
	}
	k, err := newKeeper(cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return k, nil
}

func newKeeper(cfg *Config, s *store.Store, logger *slog.Logger) (*Keeper, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	mode, _ := anchor.ParseContextMode(cfg.Capture.ContextMode)

	capturer := anchor.NewCapturer()
	capturer.ContextLen = cfg.Capture.ContextLen
	capturer.ContextMode = mode
	capturer.NewID, _ = anchor.ParseIDStyle(cfg.Capture.IDStyle, func() time.Time { return capturer.Now() })

	k := &Keeper{
		store:    s,
		bus:      bus.New(bus.WithLogger(logger)),
		capturer: capturer,
		resolver: &anchor.Resolver{
			PartialContextLen: cfg.Capture.PartialContextLen,
			Logger:            logger,
		},
		sanitizer: bluemonday.StrictPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
		config: cfg,
	}
	if !cfg.Audit.Disabled {
		k.audit = audit.New(s.DB, audit.WithLogger(logger), audit.WithBuffer(cfg.Audit.Buffer))
		if err := k.audit.Init(context.Background()); err != nil {
			k.audit.Close()
			return nil, err
		}
	}
	k.RegisterBus(k.bus)
	return k, nil
}

// Close flushes the audit trail and closes the database.
func (k *Keeper) Close() error {
	if k.audit != nil {
		k.audit.Close()
	}
	return k.store.Close()
}

// Bus returns the keeper's bus. Pages attached with Attach listen on it and
// the request handlers of RegisterBus are registered on it.
func (k *Keeper) Bus() *bus.Bus {
	return k.bus
}

// Config returns the effective configuration, defaults applied.
func (k *Keeper) Config() *Config {
	return k.config
}

// NormalizeURL returns the page key used for storage.
func NormalizeURL(raw string) string {
	return store.NormalizeURL(raw)
}
