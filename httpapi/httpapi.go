// Package httpapi exposes the cache daemon over HTTP.
//
// NewHandler wires the session bridge, the audio store, the resource
// pool and the prefetcher behind a gorilla/mux router. Responses are
// JSON except for audio endpoints, which return WAV bytes with the
// cache outcome in X- headers.
package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/ttscache/kbaudio"
	"github.com/meigma/ttscache/metrics"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
	"github.com/meigma/ttscache/session"
	"github.com/meigma/ttscache/store"
)

// Handler serves the daemon API. It implements http.Handler.
type Handler struct {
	bridge *session.Bridge
	cache  *store.Store
	pool   *pool.Pool
	pre    *prefetch.Prefetcher
	kb     *kbaudio.Manager
	log    *log.Logger
	reg    *prometheus.Registry
	router *mux.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.log = logger
	}
}

// WithKBAudio wires the question-bank audio manager. Without it the
// /v1/kb endpoints answer 503.
func WithKBAudio(m *kbaudio.Manager) Option {
	return func(h *Handler) {
		h.kb = m
	}
}

// WithRegistry sets the Prometheus registry served at /metrics.
// NewHandler registers the cache and pool collectors on it, so the same
// registry must not be handed to two handlers.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(h *Handler) {
		h.reg = reg
	}
}

// NewHandler builds the daemon handler over the given components.
func NewHandler(bridge *session.Bridge, cache *store.Store, pl *pool.Pool, pre *prefetch.Prefetcher, opts ...Option) *Handler {
	h := &Handler{
		bridge: bridge,
		cache:  cache,
		pool:   pl,
		pre:    pre,
		log:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.reg == nil {
		h.reg = prometheus.NewRegistry()
	}
	h.reg.MustRegister(
		metrics.NewCacheCollector(cache),
		metrics.NewPoolCollector(pl),
	)
	h.router = h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/audio/segment", h.handleSegment).Methods(http.MethodPost)
	v1.HandleFunc("/cache/coverage", h.handleCoverage).Methods(http.MethodPost)
	v1.HandleFunc("/cache/stats", h.handleCacheStats).Methods(http.MethodGet)
	v1.HandleFunc("/cache/expired", h.handleEvictExpired).Methods(http.MethodDelete)
	v1.HandleFunc("/cache/evict", h.handleEvictLRU).Methods(http.MethodPost)
	v1.HandleFunc("/cache", h.handleClearCache).Methods(http.MethodDelete)
	v1.HandleFunc("/prefetch/upcoming", h.handlePrefetchUpcoming).Methods(http.MethodPost)
	v1.HandleFunc("/prefetch/batch", h.handlePrefetchBatch).Methods(http.MethodPost)
	v1.HandleFunc("/prefetch/jobs", h.handleJobs).Methods(http.MethodGet)
	v1.HandleFunc("/prefetch/jobs/{id}", h.handleJob).Methods(http.MethodGet)
	v1.HandleFunc("/prefetch/jobs/{id}", h.handleCancelJob).Methods(http.MethodDelete)
	v1.HandleFunc("/prefetch/jobs/{id}/resume", h.handleResumeJob).Methods(http.MethodPost)
	v1.HandleFunc("/pool/stats", h.handlePoolStats).Methods(http.MethodGet)

	kb := v1.PathPrefix("/kb").Subrouter()
	kb.HandleFunc("/banks", h.handleKBBanks).Methods(http.MethodGet)
	kb.HandleFunc("/banks/{bank}/generate", h.handleKBGenerate).Methods(http.MethodPost)
	kb.HandleFunc("/banks/{bank}/manifest", h.handleKBManifest).Methods(http.MethodGet)
	kb.HandleFunc("/banks/{bank}/coverage", h.handleKBCoverage).Methods(http.MethodPost)
	kb.HandleFunc("/banks/{bank}/items/{item}/{field}", h.handleKBItemAudio).Methods(http.MethodGet)
	kb.HandleFunc("/feedback/generate", h.handleKBFeedbackGenerate).Methods(http.MethodPost)
	kb.HandleFunc("/feedback/{name}", h.handleKBFeedback).Methods(http.MethodGet)

	return r
}

type statusResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// poolStatsResponse is the pool snapshot plus the derived free-slot
// counts.
type poolStatsResponse struct {
	pool.Stats
	LiveAvailable       int64 `json:"live_available"`
	BackgroundAvailable int64 `json:"background_available"`
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	st := h.pool.Stats()
	h.writeJSON(w, http.StatusOK, poolStatsResponse{
		Stats:               st,
		LiveAvailable:       st.LiveAvailable(),
		BackgroundAvailable: st.BackgroundAvailable(),
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur", time.Since(start))
	})
}
