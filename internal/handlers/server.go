// Package handlers exposes the run trigger and status API over HTTP.
package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/orchestrator"
)

// Runner is the part of the orchestrator the API drives.
type Runner interface {
	Run(ctx context.Context, runDate time.Time) model.RunOutcome
	Status(ctx context.Context, runDate time.Time) (orchestrator.RunStatus, error)
	Prune(ctx context.Context) (int, error)
}

// Server holds the HTTP handlers and their dependencies
type Server struct {
	runner     Runner
	location   *time.Location
	authToken  string
	runTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// DefaultRunTimeout bounds a run started over HTTP.
const DefaultRunTimeout = 30 * time.Minute

// NewServer creates the API server. An empty authToken leaves the mutating
// endpoints open.
func NewServer(runner Runner, location *time.Location, authToken string, logger *slog.Logger) *Server {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:     runner,
		location:   location,
		authToken:  authToken,
		runTimeout: DefaultRunTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// WithRunTimeout sets how long a triggered run may outlive its request.
func (s *Server) WithRunTimeout(d time.Duration) *Server {
	if d > 0 {
		s.runTimeout = d
	}
	return s
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/health", s.healthHandler).Methods("GET")

	api.Handle("/runs", s.authMiddleware(http.HandlerFunc(s.triggerRunHandler))).Methods("POST", "OPTIONS")
	api.HandleFunc("/runs/{date}", s.runStatusHandler).Methods("GET")

	api.Handle("/dedup/prune", s.authMiddleware(http.HandlerFunc(s.pruneHandler))).Methods("POST", "OPTIONS")

	return r
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
