// Package kit holds the transport-agnostic glue shared by the HTTP, MCP and
// bus surfaces: a typed-erased Endpoint, middleware chaining, and the
// context keys those surfaces stamp on each request.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is one operation, independent of how it was invoked.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its transport, request id, duration and
// outcome.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", name,
				"transport", GetTransport(ctx),
				"duration", time.Since(start),
			}
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			if id := GetPageID(ctx); id != "" {
				attrs = append(attrs, "page", id)
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: call failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "kit: call", attrs...)
			}
			return resp, err
		}
	}
}
