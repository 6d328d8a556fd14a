// Package server provides the HTTP surface for one-shot evaluation requests
// and metric history queries.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/boxeval/box-eval/internal/bus"
	"github.com/boxeval/box-eval/internal/coco"
	"github.com/boxeval/box-eval/internal/config"
	"github.com/boxeval/box-eval/internal/history"
	"github.com/boxeval/box-eval/internal/pkg/logger"
	"github.com/boxeval/box-eval/internal/pkg/middleware"
)

// Server evaluates posted detections against a ground-truth store loaded at
// startup and serves the metric history of past runs.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	httpServer *http.Server

	gt      *coco.Store
	bus     bus.Bus
	history history.Store
	limiter *middleware.RateLimiter
	version string

	mu      sync.RWMutex
	started bool
}

// New creates a server with all dependencies.
func New(cfg *config.Config, version string, log *logger.Logger) (*Server, error) {
	if cfg.Annotations == "" {
		return nil, fmt.Errorf("annotations path is required")
	}
	gt, err := coco.NewStore(cfg.Annotations)
	if err != nil {
		return nil, fmt.Errorf("loading ground truth: %w", err)
	}

	b, err := bus.NewBus(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("creating bus: %w", err)
	}

	var hist history.Store
	if cfg.History.Enabled {
		hist, err = history.NewRedisStore(cfg.History.RedisURL, time.Duration(cfg.History.TTLHours)*time.Hour)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connecting history store: %w", err)
		}
	} else {
		hist = history.NewMemoryStore()
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		gt:      gt,
		bus:     b,
		history: hist,
		version: version,
	}

	if cfg.Security.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.Security.RateLimit),
			Burst:             cfg.Security.RateLimit * 2,
			CleanupInterval:   time.Minute,
		})
	}

	return s, nil
}

// Start starts the HTTP server. Blocks until the server exits.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	addr := s.cfg.Address()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.log.Info("starting HTTP server", "addr", addr,
		"images", len(s.gt.ImgIDs()), "categories", len(s.gt.CatIDs()))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and closes its resources.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}

	if err := s.history.Close(); err != nil {
		s.log.Error("history close error", "error", err)
	}
	if err := s.bus.Close(); err != nil {
		s.log.Error("bus close error", "error", err)
	}

	s.started = false
	s.log.Info("server stopped")
	return nil
}

// routes configures all HTTP routes.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/version", s.handleVersion)
	mux.HandleFunc("/v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("/v1/metrics", s.handleMetricNames)
	mux.HandleFunc("/v1/metrics/latest", s.handleLatest)
	mux.HandleFunc("/v1/metrics/history", s.handleHistory)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return wrapWithLogging(handler, s.log)
}

// wrapWithLogging logs each request with its status and latency.
func wrapWithLogging(handler http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(wrapped, r)

		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Health reports whether the server has started.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
