// Command anchorkeep stores text highlights per page and replays them onto
// fresh copies of the page.
//
// Usage:
//
//	anchorkeep -config anchorkeep.yaml -serve :8787   # HTTP API
//	anchorkeep -db anchorkeep.db -mcp                  # MCP over stdio
//	anchorkeep -db anchorkeep.db -pages                # list pages and exit
//	anchorkeep -db anchorkeep.db -anchors <url>        # list anchors of a page
//	anchorkeep -db anchorkeep.db -stats                # replay statistics
//	anchorkeep -db anchorkeep.db -render <url>         # fetch, replay, print HTML
//	anchorkeep -db anchorkeep.db -import export.json   # import an extension export
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/anchorkeep/fetcher"
	"github.com/hazyhaar/anchorkeep/keeper"
)

type options struct {
	configPath string
	dbPath     string
	pages      bool
	anchors    string
	stats      bool
	render     string
	importPath string
	serve      string
	mcp        bool
	browser    bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to anchorkeep.yaml config file")
	flag.StringVar(&o.dbPath, "db", "", "path to SQLite database")
	flag.BoolVar(&o.pages, "pages", false, "list pages and exit")
	flag.StringVar(&o.anchors, "anchors", "", "list the anchors of a page URL and exit")
	flag.BoolVar(&o.stats, "stats", false, "show replay statistics and exit")
	flag.StringVar(&o.render, "render", "", "fetch a page URL, replay its anchors and print the HTML")
	flag.StringVar(&o.importPath, "import", "", "import an anchor export (JSON) and exit")
	flag.StringVar(&o.serve, "serve", "", "serve the HTTP API on this address (default from config)")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools over stdio")
	flag.BoolVar(&o.browser, "browser", false, "render pages in headless Chrome when the HTTP body is a shell")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("anchorkeep: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := resolveConfig(o.configPath, o.dbPath)
	if err != nil {
		return err
	}
	if o.browser {
		cfg.Fetch.Browser = true
	}

	k, err := keeper.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer k.Close()

	if _, err := k.PruneAudit(ctx); err != nil {
		logger.Warn("anchorkeep: audit prune failed", "error", err)
	}

	switch {
	case o.pages:
		pages, err := k.Pages(ctx)
		if err != nil {
			return fmt.Errorf("pages: %w", err)
		}
		return printJSON(pages)

	case o.anchors != "":
		anchors, err := k.Anchors(ctx, o.anchors)
		if err != nil {
			return fmt.Errorf("anchors: %w", err)
		}
		return printJSON(anchors)

	case o.stats:
		stats, err := k.Stats(ctx, "")
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return printJSON(stats)

	case o.importPath != "":
		data, err := os.ReadFile(o.importPath)
		if err != nil {
			return err
		}
		pages, err := keeper.ParseExport(data)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		st, err := k.Import(ctx, pages)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		return printJSON(st)

	case o.render != "":
		return render(ctx, logger, k, o.render)

	case o.mcp:
		srv := mcp.NewServer(&mcp.Implementation{Name: "anchorkeep", Version: "1.0.0"}, nil)
		k.RegisterMCP(srv)
		logger.Info("anchorkeep: serving MCP on stdio", "db", cfg.DBPath)
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}

	addr := o.serve
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	return serveHTTP(ctx, logger, k, addr)
}

func render(ctx context.Context, logger *slog.Logger, k *keeper.Keeper, pageURL string) error {
	cfg := k.Config()
	opts := []fetcher.Option{
		fetcher.WithTimeout(cfg.Fetch.Timeout),
		fetcher.WithUserAgent(cfg.Fetch.UserAgent),
		fetcher.WithMinTextLen(cfg.Fetch.MinTextLen),
		fetcher.WithLogger(logger),
	}
	if cfg.Fetch.Browser {
		b := fetcher.NewBrowser(fetcher.BrowserConfig{Timeout: cfg.Fetch.BrowserTimeout, Logger: logger})
		defer b.Close()
		opts = append(opts, fetcher.WithRenderer(b))
	}

	res, err := fetcher.New(opts...).Fetch(ctx, pageURL)
	if err != nil {
		return err
	}
	out, report, err := k.Render(ctx, pageURL, string(res.HTML))
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	logger.Info("anchorkeep: rendered",
		"url", pageURL,
		"browser", res.Rendered,
		"materialized", report.Materialized,
		"unresolved", report.Unresolved,
		"wrap_failed", report.WrapFailed,
	)
	_, err = fmt.Fprintln(os.Stdout, out)
	return err
}

func serveHTTP(ctx context.Context, logger *slog.Logger, k *keeper.Keeper, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           k.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      k.Config().HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("anchorkeep: HTTP API starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("anchorkeep: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func resolveConfig(configPath, dbPath string) (*keeper.Config, error) {
	if configPath != "" {
		cfg, err := keeper.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		return cfg, nil
	}

	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: anchorkeep -config <file> | -db <path> [-pages|-anchors <url>|-stats|-render <url>|-import <file>|-mcp|-serve <addr>]")
		os.Exit(1)
	}
	return &keeper.Config{DBPath: dbPath}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
