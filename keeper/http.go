package keeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/anchorkeep/keeper/internal/store"
	"github.com/hazyhaar/anchorkeep/kit"
	"github.com/hazyhaar/anchorkeep/shield"
)

// Handler returns the HTTP API:
//
//	GET    /health
//	GET    /api/pages
//	GET    /api/anchors?url=
//	POST   /api/anchors               {url, anchor}
//	POST   /api/capture               {url, html, text, occurrence, comment, tags}
//	PATCH  /api/anchors/{id}?url=     {comment, tags}
//	DELETE /api/anchors/{id}?url=
//	DELETE /api/pages?url=
//	POST   /api/resolve               {html, anchor}
//	POST   /api/render                {url, html}
//	GET    /api/stats[?url=]
//	GET    /api/export?url=           text/markdown
//	GET    /api/audit[?url=&op=&limit=]
func (k *Keeper) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(k.config.HTTP.MaxBodyBytes, k.logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := k.store.DB.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/pages", serve(k.listPagesEndpoint(), func(*http.Request) (any, error) {
			return &listPagesRequest{}, nil
		}))
		r.Delete("/pages", serve(k.clearPageEndpoint(), func(r *http.Request) (any, error) {
			return &pageRequest{URL: r.URL.Query().Get("url")}, nil
		}))

		r.Get("/anchors", serve(k.getAnchorsEndpoint(), func(r *http.Request) (any, error) {
			return &pageRequest{URL: r.URL.Query().Get("url")}, nil
		}))
		r.Post("/anchors", serve(k.saveAnchorEndpoint(), decodeBody[saveAnchorRequest]))
		r.Patch("/anchors/{id}", serve(k.updateAnchorEndpoint(), func(r *http.Request) (any, error) {
			req, err := decodeBody[updateRequest](r)
			if err != nil {
				return nil, err
			}
			u := req.(*updateRequest)
			u.ID = chi.URLParam(r, "id")
			if q := r.URL.Query().Get("url"); q != "" {
				u.URL = q
			}
			return u, nil
		}))
		r.Delete("/anchors/{id}", serve(k.removeAnchorEndpoint(), func(r *http.Request) (any, error) {
			return &anchorRequest{URL: r.URL.Query().Get("url"), ID: chi.URLParam(r, "id")}, nil
		}))

		r.Post("/capture", serve(k.captureEndpoint(), decodeBody[captureRequest]))
		r.Post("/resolve", serve(k.resolveEndpoint(), decodeBody[resolveRequest]))
		r.Post("/render", serve(k.renderEndpoint(), decodeBody[renderRequest]))
		r.Get("/stats", serve(k.statsEndpoint(), func(r *http.Request) (any, error) {
			return &statsRequest{URL: r.URL.Query().Get("url")}, nil
		}))

		r.Get("/audit", serve(k.auditEndpoint(), func(r *http.Request) (any, error) {
			q := r.URL.Query()
			req := &auditRequest{URL: q.Get("url"), Operation: q.Get("op")}
			if l := q.Get("limit"); l != "" {
				n, err := strconv.Atoi(l)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: limit %q", ErrInvalid, l)
				}
				req.Limit = n
			}
			return req, nil
		}))

		r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
			resp, err := k.exportEndpoint()(r.Context(), &pageRequest{URL: r.URL.Query().Get("url")})
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, resp.(*exportResponse).Markdown)
		})
	})
	return r
}

// serve adapts an endpoint to HTTP: decode builds the request, the
// response is written as JSON.
func serve(ep kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			code := http.StatusBadRequest
			if mbe := new(http.MaxBytesError); errors.As(err, &mbe) {
				code = http.StatusRequestEntityTooLarge
			}
			writeError(w, code, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeBody[T any](r *http.Request) (any, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrInvalid, err)
	}
	return &v, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
