// Package api serves a read-only JSON view of runs, sources and dedup history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/store"
)

// HealthChecker evaluates run-history health.
type HealthChecker interface {
	Check(ctx context.Context) (monitoring.Health, error)
}

// Server holds the API dependencies.
type Server struct {
	store     store.Store
	checker   HealthChecker
	metrics   http.Handler
	coldDays  int
	threshold int
	origins   []string
	now       func() time.Time
	log       *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithChecker adds run-history health to /healthz.
func WithChecker(c HealthChecker) Option {
	return func(s *Server) { s.checker = c }
}

// WithMetrics mounts a prometheus handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins sets the CORS origins. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithThresholds sets the cold-source window and the dedup score threshold
// used when summarising state.
func WithThresholds(coldDays, scoreThreshold int) Option {
	return func(s *Server) {
		s.coldDays = coldDays
		s.threshold = scoreThreshold
	}
}

// WithClock overrides the clock used for cold-source checks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server.
func New(st store.Store, opts ...Option) *Server {
	s := &Server{
		store:     st,
		coldDays:  30,
		threshold: 7,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "api")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.handleListSources)
		r.Get("/cold", s.handleColdSources)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.handleHistoryStats)
		r.Get("/{fingerprint}", s.handleLookupRecord)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store errors to a status.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrCorrupt):
		s.log.Warn("api: corrupt state", zap.String("what", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, what+" state is corrupt")
	default:
		s.log.Error("api: store error", zap.String("what", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
