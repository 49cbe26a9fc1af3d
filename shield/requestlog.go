package shield

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/anchorkeep/kit"
)

// RequestLog copies the chi request id into the kit context, echoes it in
// X-Request-ID and logs one line per request once it completes.
func RequestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := kit.WithTransport(r.Context(), "http")
			if id := middleware.GetReqID(ctx); id != "" {
				ctx = kit.WithRequestID(ctx, id)
				w.Header().Set("X-Request-ID", id)
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "http: request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", kit.GetRequestID(ctx),
			)
		})
	}
}
