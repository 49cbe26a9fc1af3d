// Package shield holds the HTTP middleware placed in front of the anchorkeep
// API: security headers, body limits, HEAD handling and request logging.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(10<<20, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// APIStack returns the middleware stack of the JSON API, outermost first:
// RequestID → Recoverer → HeadToGet → SecurityHeaders → MaxBody → RequestLog.
func APIStack(maxBody int64, logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Recoverer,
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(maxBody),
		RequestLog(logger),
	}
}
