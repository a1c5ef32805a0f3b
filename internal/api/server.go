package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/config"
	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/scheduler"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// StatusReader exposes read-only views of the state store.
type StatusReader interface {
	Get(key tracker.VariantKey) (tracker.ProductStatus, bool)
	Snapshot() map[tracker.VariantKey]tracker.ProductStatus
}

// HistoryReader returns recent history entries, newest first.
type HistoryReader interface {
	Recent(key tracker.VariantKey, limit int) ([]tracker.HistoryEntry, error)
}

// JobLister reports scheduler job state.
type JobLister interface {
	Jobs() []scheduler.JobState
}

// Deps groups the server's collaborators. History, Jobs, and Ready are optional.
type Deps struct {
	Status  StatusReader
	History HistoryReader
	Jobs    JobLister
	// Ready reports whether the process can serve traffic.
	Ready func() error
}

// Server wires HTTP handlers to the tracker's read models.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if deps.Status == nil {
		return nil, errors.New("status reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware("/healthz", "/readyz", "/metrics"))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/status", s.listStatus)
		r.Get("/status/{key}", s.getStatus)
		r.Get("/history", s.listHistory)
		r.Get("/jobs", s.listJobs)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusView flattens a status with its key for JSON output.
type statusView struct {
	Key tracker.VariantKey `json:"variantKey"`
	tracker.ProductStatus
}

func (s *Server) listStatus(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	var inStock *bool
	if raw := r.URL.Query().Get("in_stock"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "in_stock must be a boolean")
			return
		}
		inStock = &v
	}

	snapshot := s.deps.Status.Snapshot()
	out := make([]statusView, 0, len(snapshot))
	for key, status := range snapshot {
		if source != "" && key.Source() != source {
			continue
		}
		if inStock != nil && status.InStock != *inStock {
			continue
		}
		out = append(out, statusView{Key: key, ProductStatus: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "products": out})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	key := tracker.VariantKey(chi.URLParam(r, "key"))
	status, ok := s.deps.Status.Get(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "variant not tracked")
		return
	}
	s.writeJSON(w, http.StatusOK, statusView{Key: key, ProductStatus: status})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusNotImplemented, "history log disabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(v, maxHistoryLimit)
	}
	key := tracker.VariantKey(r.URL.Query().Get("key"))
	entries, err := s.deps.History.Recent(key, limit)
	if err != nil {
		s.logger.Error("read history failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobState{}
	if s.deps.Jobs != nil {
		jobs = s.deps.Jobs.Jobs()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
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

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := zap.DebugLevel
		if status >= http.StatusInternalServerError {
			level = zap.WarnLevel
		}
		s.logger.Log(level, "request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

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
