package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp", "bus"
	RequestIDKey contextKey = "kit_request_id"
	PageIDKey    contextKey = "kit_page_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "local"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithPageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PageIDKey, id)
}
func GetPageID(ctx context.Context) string {
	v, _ := ctx.Value(PageIDKey).(string)
	return v
}
