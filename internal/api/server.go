package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
)

// Submitter queues pending jobs for execution.
type Submitter interface {
	Submit(jobID string) error
}

// Transitioner applies lifecycle actions. *progress.Reporter satisfies it.
type Transitioner interface {
	Transition(ctx context.Context, jobID string, action job.Action, failure *job.ErrorInfo) (job.Job, error)
}

// Signaler forwards accepted actions to a job that is executing in this
// process. *pipeline.Controls satisfies it.
type Signaler interface {
	Signal(jobID string, action job.Action) bool
}

// Maintenance runs retention operations. *lifecycle.Manager satisfies it.
type Maintenance interface {
	Archive(ctx context.Context, opts lifecycle.SweepOptions) (lifecycle.SweepResult, error)
	Cleanup(ctx context.Context, opts lifecycle.SweepOptions) (lifecycle.SweepResult, error)
	Restore(ctx context.Context, jobID string) (lifecycle.RestoreResult, error)
	StorageStats(ctx context.Context) (lifecycle.StorageStats, error)
	RemoveJobData(j job.Job) error
}

// Schedule lists the registered lifecycle sweeps.
type Schedule interface {
	Entries() []lifecycle.Entry
}

// Deps are the collaborators of a Server. Schedule and Ready are optional.
type Deps struct {
	Store     job.Store
	Reporter  Transitioner
	Controls  Signaler
	Queue     Submitter
	Results   *results.Collector
	Lifecycle Maintenance
	Schedule  Schedule
	IDs       job.IDGenerator
	Clock     job.Clock
	Ready     func(ctx context.Context) error
	Logger    *zap.Logger
}

// Options configure request handling.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job store, queue and lifecycle manager.
type Server struct {
	router   chi.Router
	deps     Deps
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:     deps,
		opts:     opts,
		validate: newValidator(),
		logger:   deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Use(s.identify)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/statistics", s.statistics)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/control", s.controlJob)
				r.Get("/logs", s.jobLogs)
				r.Get("/results", s.jobResults)
			})
		})
		r.Route("/maintenance", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/archive", s.archive)
			r.Post("/cleanup", s.cleanup)
			r.Post("/restore/{jobID}", s.restore)
			r.Get("/storage-stats", s.storageStats)
			r.Get("/health", s.maintenanceHealth)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type caller struct {
	ID    string
	Admin bool
}

type callerKey struct{}

// anonymousUser owns jobs created without an X-User-ID header.
const anonymousUser = "anonymous"

// identify resolves the caller and enforces the optional API key.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		admin := s.opts.Auth.AdminAPIKey != "" && key == s.opts.Auth.AdminAPIKey
		if s.opts.Auth.Enabled && !admin && key != s.opts.Auth.APIKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		c := caller{ID: r.Header.Get("X-User-ID"), Admin: admin}
		if c.ID == "" {
			c.ID = anonymousUser
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r.Context()).Admin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(ctx context.Context) caller {
	c, ok := ctx.Value(callerKey{}).(caller)
	if !ok {
		return caller{ID: anonymousUser}
	}
	return c
}

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

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeRejection reports an illegal transition together with the job's status.
func writeRejection(w http.ResponseWriter, rej *job.RejectionError) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"error":         rej.Error(),
		"currentStatus": rej.Current,
	})
}

// writeStoreError maps store errors onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	var rej *job.RejectionError
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &rej):
		writeRejection(w, rej)
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

type page struct {
	limit  int
	offset int
}

// parsePage reads limit/offset, clamping limit to [1, maxLimit].
func parsePage(r *http.Request, defLimit, maxLimit int) (page, error) {
	p := page{limit: defLimit}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("limit must be an integer")
		}
		p.limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, fmt.Errorf("offset must be a non-negative integer")
		}
		p.offset = n
	}
	if p.limit < 1 {
		p.limit = 1
	}
	if p.limit > maxLimit {
		p.limit = maxLimit
	}
	return p, nil
}

type pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

func (p page) result(total int) pagination {
	return pagination{Total: total, Limit: p.limit, Offset: p.offset, HasMore: p.offset+p.limit < total}
}
