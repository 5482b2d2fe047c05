package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/config"
	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

const (
	defaultPositionsLimit = 30
	maxPositionsLimit     = 1000
	maxKeywordsPerJob     = 1000
)

var errForeignKeyword = errors.New("keyword belongs to another domain")

// JobService is the job-facing surface the handlers need.
type JobService interface {
	CreateJob(ctx context.Context, domainID string, keywordIDs []string) (string, error)
	CancelJob(ctx context.Context, jobID string) (rank.Job, error)
	GetJob(ctx context.Context, jobID string) (rank.Job, error)
	ActiveJobsForDomain(ctx context.Context, domainID string) ([]rank.Job, error)
	ActiveJobs(ctx context.Context) ([]rank.Job, error)
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options configures the Server.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	// Checks run on /readyz, keyed by dependency name.
	Checks map[string]ReadinessCheck
}

// Server wires HTTP handlers to the job service and the keyword and position
// stores.
type Server struct {
	router    chi.Router
	jobs      JobService
	keywords  rank.KeywordStore
	positions rank.PositionStore
	checks    map[string]ReadinessCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs JobService,
	keywords rank.KeywordStore,
	positions rank.PositionStore,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		jobs:      jobs,
		keywords:  keywords,
		positions: positions,
		checks:    opts.Checks,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Route("/domains/{domain_id}/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/active", s.activeJobsForDomain)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/active", s.activeJobs)
			r.Get("/{job_id}", s.getJob)
			r.Post("/{job_id}/cancel", s.cancelJob)
		})
		r.Get("/keywords/{keyword_id}/positions", s.listPositions)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createJobRequest struct {
	KeywordIDs []string `json:"keyword_ids"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain_id")
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.KeywordIDs) > maxKeywordsPerJob {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d keywords per job", maxKeywordsPerJob))
		return
	}
	keywordIDs, err := s.domainKeywords(r.Context(), domainID, req.KeywordIDs)
	if err != nil {
		s.writeServiceError(w, "resolve keywords", err)
		return
	}
	jobID, err := s.jobs.CreateJob(r.Context(), domainID, keywordIDs)
	if err != nil {
		s.writeServiceError(w, "create job", err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+jobID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// domainKeywords drops repeated ids, keeping first-seen order, and checks that
// every keyword exists and belongs to domainID.
func (s *Server) domainKeywords(ctx context.Context, domainID string, ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kw, err := s.keywords.GetKeyword(ctx, id)
		if err != nil {
			return nil, err
		}
		if kw.DomainID != domainID {
			return nil, fmt.Errorf("keyword %q: %w", id, errForeignKeyword)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Server) activeJobsForDomain(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ActiveJobsForDomain(r.Context(), chi.URLParam(r, "domain_id"))
	if err != nil {
		s.writeServiceError(w, "list active jobs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (s *Server) activeJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ActiveJobs(r.Context())
	if err != nil {
		s.writeServiceError(w, "list active jobs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, "cancel job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	limit := defaultPositionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxPositionsLimit {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be in 1..%d", maxPositionsLimit))
			return
		}
		limit = n
	}
	positions, err := s.positions.ListPositions(r.Context(), chi.URLParam(r, "keyword_id"), limit)
	if err != nil {
		s.writeServiceError(w, "list positions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": nonNil(positions)})
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, rank.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rank.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rank.ErrNoKeywords), errors.Is(err, errForeignKeyword):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
