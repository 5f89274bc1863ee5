// Package api exposes the query and admin surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/query"
	"github.com/sells-group/pricewatch/internal/registry"
)

// Reader is the read-only query surface.
type Reader interface {
	GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.PriceView, error)
	ListSources() []model.Source
	ListRecentJobs(ctx context.Context, limit int) ([]model.ScrapeJob, error)
}

// Admin is the operator control surface over sources.
type Admin interface {
	SetEnabled(ctx context.Context, id string, enabled bool) (model.Source, error)
	SetPriority(ctx context.Context, id string, score int) (model.Source, error)
}

// Handler serves the HTTP routes.
type Handler struct {
	reader  Reader
	admin   Admin
	metrics *metrics.Metrics
}

// NewRouter builds the chi router. m may be nil, in which case /metrics is
// not mounted.
func NewRouter(reader Reader, admin Admin, m *metrics.Metrics, corsOrigins []string) http.Handler {
	h := &Handler{reader: reader, admin: admin, metrics: m}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(h.instrument)

	r.Get("/health", h.health)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/prices/{coinKey}", h.getPrice)
		r.Get("/sources", h.listSources)
		r.Put("/sources/{id}/enabled", h.setEnabled)
		r.Put("/sources/{id}/priority", h.setPriority)
		r.Get("/jobs", h.listJobs)
	})
	return r
}

// instrument records request counts and latency by route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(route, status, time.Since(start))
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "coinKey"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed coin key")
		return
	}

	view, err := h.reader.GetAggregatedPrice(r.Context(), model.CoinKey(raw))
	switch {
	case errors.Is(err, query.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, query.ErrNoPrice):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		zap.L().Error("api: get price", zap.String("coin_key", raw), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (h *Handler) listSources(w http.ResponseWriter, _ *http.Request) {
	sources := h.reader.ListSources()
	if sources == nil {
		sources = []model.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := h.reader.ListRecentJobs(r.Context(), limit)
	if err != nil {
		zap.L().Error("api: list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if jobs == nil {
		jobs = []model.ScrapeJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	id := chi.URLParam(r, "id")
	src, err := h.admin.SetEnabled(r.Context(), id, *req.Enabled)
	h.writeSource(w, id, src, err)
}

func (h *Handler) setPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PriorityScore *int `json:"priority_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriorityScore == nil {
		writeError(w, http.StatusBadRequest, `body must be {"priority_score": <int>}`)
		return
	}
	id := chi.URLParam(r, "id")
	src, err := h.admin.SetPriority(r.Context(), id, *req.PriorityScore)
	h.writeSource(w, id, src, err)
}

func (h *Handler) writeSource(w http.ResponseWriter, id string, src model.Source, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		zap.L().Error("api: update source", zap.String("source", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, src)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
