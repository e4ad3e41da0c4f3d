// Package admin serves read-only breaker statistics over HTTP.
package admin

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wudi/breakerstats/internal/circuitbreaker"
	"github.com/wudi/breakerstats/internal/config"
	"github.com/wudi/breakerstats/internal/errors"
	"github.com/wudi/breakerstats/internal/logging"
	"go.uber.org/zap"
)

// Handler builds the admin API router. gatherer may be nil, in which case
// /metrics is not mounted.
func Handler(reg *circuitbreaker.Registry, gatherer prometheus.Gatherer) http.Handler {
	h := &handler{registry: reg}

	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})

	router.GET("/health", h.health)
	router.GET("/breakers", h.list)
	router.GET("/breakers/:name", h.get)
	router.GET("/breakers/:name/window", h.window)

	if gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return router
}

// NewServer returns the admin http.Server for cfg.
func NewServer(cfg config.AdminConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

type handler struct {
	registry *circuitbreaker.Registry
}

func (h *handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.registry.IsShutdown() {
		writeError(w, errors.ErrServiceUnavailable.WithDetails("shutting down"))
		return
	}
	writeJSON(w, map[string]any{
		"status":   "ok",
		"breakers": len(h.registry.Names()),
	})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.registry.IsShutdown() {
		writeError(w, errors.ErrServiceUnavailable.WithDetails("shutting down"))
		return
	}
	writeJSON(w, h.registry.Snapshots())
}

func (h *handler) get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	b, err := h.lookup(ps.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, b.Snapshot())
}

// window returns the raw buckets, newest first
func (h *handler) window(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	b, err := h.lookup(ps.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, b.Window())
}

func (h *handler) lookup(name string) (*circuitbreaker.Breaker, error) {
	b, err := h.registry.Lookup(name)
	switch {
	case err == nil:
		return b, nil
	case stderrors.Is(err, circuitbreaker.ErrUnknownBreaker):
		return nil, errors.ErrNotFound.WithDetails("unknown breaker: " + name)
	default:
		return nil, errors.ErrServiceUnavailable.WithDetails(err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, errors.Wrap(err, http.StatusInternalServerError, "Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	body = append(body, '\n')
	if _, err := w.Write(body); err != nil {
		logging.Debug("admin response write failed", zap.Error(err))
	}
}

// writeError renders err as an APIError. Anything that is not one becomes a 500.
func writeError(w http.ResponseWriter, err error) {
	ae := errors.AsAPIError(err)
	if ae.Code >= http.StatusInternalServerError {
		logging.Error("admin request failed", zap.Int("code", ae.Code), zap.Error(err))
	}
	ae.WriteJSON(w)
}
