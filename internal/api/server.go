// Package api exposes the HTTP surface of the crawl worker: health probes,
// prometheus metrics, and submission endpoints for crawl jobs and deferred
// enrichment requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/enrichment"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
)

// EnrichmentCollector is the slice of the batch collector the API needs.
type EnrichmentCollector interface {
	Add(bookmarkID string, source bookmarks.RequestSource) error
}

// Defaults fills crawl-job fields the caller leaves unset.
type Defaults struct {
	ArchiveFullPage bool
	RunInference    bool
}

// Server wires HTTP handlers to the crawl queue and the enrichment collector.
type Server struct {
	router    chi.Router
	queue     bookmarks.CrawlQueue
	collector EnrichmentCollector
	defaults  Defaults
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(queue bookmarks.CrawlQueue, collector EnrichmentCollector, defaults Defaults, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:     queue,
		collector: collector,
		defaults:  defaults,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawls", s.submitCrawl)
		r.Post("/enrichments", s.submitEnrichment)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	BookmarkID      string `json:"bookmark_id"`
	UserID          string `json:"user_id"`
	URL             string `json:"url"`
	ArchiveFullPage *bool  `json:"archive_full_page"`
	RunInference    *bool  `json:"run_inference"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job := bookmarks.CrawlJob{
		BookmarkID:      req.BookmarkID,
		UserID:          req.UserID,
		URL:             req.URL,
		ArchiveFullPage: boolOrDefault(req.ArchiveFullPage, s.defaults.ArchiveFullPage),
		RunInference:    boolOrDefault(req.RunInference, s.defaults.RunInference),
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue full or shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"bookmark_id": job.BookmarkID})
}

type enrichmentRequest struct {
	BookmarkID string `json:"bookmark_id"`
	Source     string `json:"source"`
}

func (s *Server) submitEnrichment(w http.ResponseWriter, r *http.Request) {
	var req enrichmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BookmarkID == "" {
		writeError(w, http.StatusBadRequest, "missing bookmark_id")
		return
	}
	source := bookmarks.RequestSource(req.Source)
	if source == "" {
		source = bookmarks.SourceBackground
	}
	if err := s.collector.Add(req.BookmarkID, source); err != nil {
		if errors.Is(err, enrichment.ErrNotBatchable) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"bookmark_id": req.BookmarkID})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("took", time.Since(start)))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
