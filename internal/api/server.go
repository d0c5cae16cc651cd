package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/dispatcher"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/metrics"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/protocol"
	"github.com/JakeFAU/open-website-status/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
)

// Hub is the part of the dispatcher the REST routes read from.
type Hub interface {
	ProviderCount() int
	GetQuery(ctx context.Context, queryID string) (dispatcher.QueryJobs, error)
	GetHostnameQueries(ctx context.Context, hostname string) ([]dispatcher.QueryJobs, error)
	RemoveJob(ctx context.Context, jobID string) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server's collaborators.
type Options struct {
	ProviderPath   string
	APIPath        string
	ProviderSocket http.Handler
	CallerSocket   http.Handler
	Hub            Hub
	Store          Pinger
	Stats          store.StatsRepository
	// AdminAPIKey enables the admin routes when non-empty.
	AdminAPIKey    string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the hub.
type Server struct {
	router chi.Router
	hub    Hub
	store  Pinger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	metrics.Init()
	logger := logging.OrNop(opts.Logger)
	s := &Server{
		hub:    opts.Hub,
		store:  opts.Store,
		logger: logger,
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	if opts.ProviderSocket != nil {
		r.Handle(opts.ProviderPath, opts.ProviderSocket)
	}
	if opts.CallerSocket != nil {
		r.Handle(opts.APIPath, opts.CallerSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))

		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		stats := NewStatsHandler(opts.Stats, logger)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/queries/{query_id}", s.getQuery)
			r.Route("/hostnames", func(r chi.Router) {
				r.Get("/", stats.ListHostnames)
				r.Get("/{hostname}/stats", stats.GetHostname)
				r.Get("/{hostname}/queries", s.getHostnameQueries)
			})
			if opts.AdminAPIKey != "" {
				r.With(apiKeyMiddleware(opts.AdminAPIKey)).Delete("/jobs/{job_id}", s.deleteJob)
			}
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
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	providers := 0
	if s.hub != nil {
		providers = s.hub.ProviderCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "providers": providers})
}

type queryDTO struct {
	Query protocol.QueryMessage `json:"query"`
	Jobs  []protocol.JobMessage `json:"jobs"`
}

func toQueryDTO(qj dispatcher.QueryJobs) (queryDTO, error) {
	list, err := protocol.NewJobList(qj.Query.ID, qj.Jobs)
	if err != nil {
		return queryDTO{}, err
	}
	return queryDTO{Query: protocol.NewQueryMessage(qj.Query), Jobs: list.Jobs}, nil
}

func (s *Server) getQuery(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	qj, err := s.hub.GetQuery(r.Context(), queryID)
	if err != nil {
		if errors.Is(err, dispatcher.ErrQueryNotFound) {
			writeError(w, http.StatusNotFound, "query not found")
			return
		}
		s.logger.Error("get query failed", zap.String("query_id", queryID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load query")
		return
	}
	dto, err := toQueryDTO(qj)
	if err != nil {
		s.logger.Error("encode query failed", zap.String("query_id", queryID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode query")
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) getHostnameQueries(w http.ResponseWriter, r *http.Request) {
	hostname := probe.NormalizeHostname(chi.URLParam(r, "hostname"))
	if hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	found, err := s.hub.GetHostnameQueries(r.Context(), hostname)
	if err != nil {
		s.logger.Error("get hostname queries failed", zap.String("hostname", hostname), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load queries")
		return
	}
	out := make([]queryDTO, 0, len(found))
	for _, qj := range found {
		dto, err := toQueryDTO(qj)
		if err != nil {
			s.logger.Error("encode query failed", zap.String("query_id", qj.Query.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to encode queries")
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"hostname": hostname, "queries": out})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.hub.RemoveJob(r.Context(), jobID); err != nil {
		if errors.Is(err, dispatcher.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("remove job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the server middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
