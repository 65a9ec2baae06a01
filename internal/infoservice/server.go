package infoservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ashita-ai/qcflow/api"
	"github.com/ashita-ai/qcflow/internal/ratelimit"
)

// DefaultRequestTimeout bounds a single HTTP request.
const DefaultRequestTimeout = 10 * time.Second

// Config holds the dependencies of a Server.
type Config struct {
	Addr    string
	Index   *Index
	Logger  *slog.Logger
	Version string
	// Limiter throttles the /v1 routes per client address. Nil disables it.
	Limiter ratelimit.Limiter
}

// Server exposes an Index over HTTP.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	index      *Index
	limiter    ratelimit.Limiter
	logger     *slog.Logger
	version    string
	started    time.Time
}

type response struct {
	Data any          `json:"data"`
	Meta responseMeta `json:"meta"`
}

type responseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta responseMeta `json:"meta"`
}

// New creates a server with its routes and middleware.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{index: cfg.Index, limiter: cfg.Limiter, logger: cfg.Logger, version: cfg.Version, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultRequestTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/openapi.yaml", handleOpenAPI)
	r.With(s.rateLimit).Get("/v1/tasks", s.handleListTasks)
	r.With(s.rateLimit).Get("/v1/tasks/{task}", s.handleGetTask)

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       DefaultRequestTimeout,
		WriteTimeout:      DefaultRequestTimeout,
		IdleTimeout:       30 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("infoservice: http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("infoservice: http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"tasks":          len(s.index.Tasks()),
		"rejected":       s.index.Rejected(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.index.Tasks())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task")
	t, ok := s.index.Task(name)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "not_found", "no announcement from task "+name)
		return
	}
	s.writeJSON(w, r, http.StatusOK, t)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Data: data, Meta: meta(r)})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var e errorResponse
	e.Error.Code, e.Error.Message = code, message
	e.Meta = meta(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

func meta(r *http.Request) responseMeta {
	return responseMeta{RequestID: middleware.GetReqID(r.Context()), Timestamp: time.Now().UTC()}
}

// rateLimit rejects clients that exceed the limiter with 429. RealIP runs
// first, so RemoteAddr is the client address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// logRequests logs one line per request, at warn for 4xx and error for 5xx.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
