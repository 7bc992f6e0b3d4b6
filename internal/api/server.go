// Package api exposes the HTTP interface for the index tracking service.
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

	"github.com/contentops/indexwatch/internal/authority"
	"github.com/contentops/indexwatch/internal/config"
	"github.com/contentops/indexwatch/internal/metrics"
	"github.com/contentops/indexwatch/internal/tracker"
)

// Server wires HTTP handlers to the tracker and the status authority.
type Server struct {
	router    chi.Router
	tracker   *tracker.Tracker
	authority authority.Client
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	tr *tracker.Tracker,
	auth authority.Client,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tracker:   tr,
		authority: auth,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/indexing", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/pending", s.getPending)
		r.Get("/item", s.getItem)
		r.Post("/track", s.trackURL)
		r.Post("/recheck", s.forceRecheck)
		r.Post("/cycle", s.runCycle)
		r.Post("/prune", s.prune)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// The tracker serves from memory once initialized; snapshot loading
	// happens before the listener starts.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) getPending(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"pending": s.tracker.PendingCount()})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	item, err := s.tracker.Get(url)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "url not tracked")
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

type trackRequest struct {
	URL      string `json:"url"`
	Slug     string `json:"slug"`
	Category string `json:"category"`
	// Notify asks the authority to refresh the sitemap and re-process the
	// URL right away instead of waiting for organic discovery.
	Notify bool `json:"notify"`
}

func (s *Server) trackURL(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" || req.Slug == "" {
		s.writeError(w, http.StatusBadRequest, "url and slug required")
		return
	}

	s.tracker.Track(r.Context(), req.URL, req.Slug, req.Category)
	if req.Notify {
		go s.notifyAuthority(req.URL)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"url": req.URL, "status": string(tracker.StatusPending)})
}

// notifyAuthority is fire-and-forget: outcomes are logged, never surfaced
// to the track caller.
func (s *Server) notifyAuthority(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if submitter, ok := s.authority.(authority.SitemapSubmitter); ok {
		if receipt, err := submitter.SubmitSitemap(ctx); err != nil {
			s.logger.Warn("sitemap submission failed", zap.Error(err))
		} else if !receipt.Success {
			s.logger.Info("sitemap submission skipped", zap.String("message", receipt.Message))
		}
	}
	if receipt, err := s.authority.RequestReindex(ctx, url); err != nil {
		s.logger.Warn("reindex request failed", zap.String("url", url), zap.Error(err))
	} else if !receipt.Success {
		s.logger.Info("reindex request refused", zap.String("url", url), zap.String("message", receipt.Message))
	}
}

type recheckRequest struct {
	URL string `json:"url"`
}

func (s *Server) forceRecheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := s.tracker.ForceRecheck(r.Context(), req.URL); err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "url not tracked")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": req.URL, "status": string(tracker.StatusPending)})
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	result := s.tracker.RunCycle(r.Context())
	s.writeJSON(w, http.StatusOK, result)
}

type pruneRequest struct {
	MaxAgeDays int `json:"max_age_days"`
}

func (s *Server) prune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.MaxAgeDays == 0 {
		req.MaxAgeDays = s.cfg.Tracker.PruneMaxAgeDays
	}
	removed := s.tracker.Prune(r.Context(), req.MaxAgeDays)
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSONDefault(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
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

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONDefault(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
