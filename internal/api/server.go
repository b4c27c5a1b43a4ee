// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/controller"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/dispatcher"
	"github.com/JakeFAU/polite-crawler/internal/frontier/memory"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/store"
	"github.com/JakeFAU/polite-crawler/internal/worker"
)

// WorkerPool is the part of the dispatcher pool the API drives.
type WorkerPool interface {
	Snapshots() []worker.Snapshot
	Report(out io.Writer)
	CompactReport(out io.Writer)
	Kill(ordinal int) error
	SetSize(n int) error
	Size() int
}

// CrawlController is the part of the controller the API drives.
type CrawlController interface {
	RequestCrawlPause(reason string)
	Resume()
	State() (controller.State, string)
	Alerts() []crawler.Alert
}

// FrontierStats reports queue counters.
type FrontierStats interface {
	Stats() memory.Stats
}

// Deps are the collaborators behind the routes. Progress may be nil, in which
// case the crawl progress routes answer 503.
type Deps struct {
	Pool       WorkerPool
	Controller CrawlController
	Frontier   FrontierStats
	Progress   store.ProgressRepository
	CrawlID    uuid.UUID
	Logger     *zap.Logger
}

// Options toggle server behavior.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pool, controller, and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	logger   *zap.Logger
	progress *ProgressHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Pool == nil || deps.Controller == nil || deps.Frontier == nil {
		return nil, errors.New("api server requires pool, controller, and frontier")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:     deps,
		logger:   logger,
		progress: NewProgressHandler(deps.Progress, deps.CrawlID, logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.listWorkers)
			r.Get("/report", s.workerReport)
			r.Put("/size", s.resizePool)
			r.Post("/{ordinal}/kill", s.killWorker)
		})
		r.Route("/crawl", func(r chi.Router) {
			r.Get("/", s.crawlState)
			r.Post("/pause", s.pauseCrawl)
			r.Post("/resume", s.resumeCrawl)
		})
		r.Get("/alerts", s.listAlerts)
		r.Get("/frontier", s.frontierStats)
		r.Route("/crawls/{crawl_id}", func(r chi.Router) {
			r.Get("/", s.progress.GetCrawl)
			r.Get("/hosts", s.progress.ListCrawlHosts)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports not ready once the frontier is closed, so health checks drain traffic
// from a crawl that is shutting down.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Frontier.Stats().Closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	snaps := s.deps.Pool.Snapshots()
	active := 0
	for _, snap := range snaps {
		if snap.Active {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"size":    len(snaps),
		"active":  active,
		"workers": snaps,
	})
}

// workerReport writes the plain-text reports; ?format=compact selects the
// grouped table.
func (s *Server) workerReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if strings.EqualFold(r.URL.Query().Get("format"), "compact") {
		s.deps.Pool.CompactReport(w)
		return
	}
	s.deps.Pool.Report(w)
}

type resizeRequest struct {
	Size int `json:"size"`
}

func (s *Server) resizePool(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.deps.Pool.SetSize(req.Size); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("pool resized via API", zap.Int("size", req.Size))
	writeJSON(w, http.StatusAccepted, map[string]int{"size": req.Size})
}

func (s *Server) killWorker(w http.ResponseWriter, r *http.Request) {
	ordinal, err := strconv.Atoi(chi.URLParam(r, "ordinal"))
	if err != nil || ordinal < 0 {
		writeError(w, http.StatusBadRequest, "invalid ordinal")
		return
	}
	if err := s.deps.Pool.Kill(ordinal); err != nil {
		if errors.Is(err, dispatcher.ErrUnknownWorker) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("kill worker failed", zap.Int("ordinal", ordinal), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"killed": ordinal})
}

func (s *Server) crawlState(w http.ResponseWriter, _ *http.Request) {
	state, reason := s.deps.Controller.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"crawl_id": s.deps.CrawlID.String(),
		"state":    state,
		"reason":   reason,
		"workers":  s.deps.Pool.Size(),
	})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) pauseCrawl(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "paused via API"
	}
	s.deps.Controller.RequestCrawlPause(req.Reason)
	s.crawlState(w, r)
}

func (s *Server) resumeCrawl(w http.ResponseWriter, r *http.Request) {
	s.deps.Controller.Resume()
	s.crawlState(w, r)
}

func (s *Server) listAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.deps.Controller.Alerts()
	if alerts == nil {
		alerts = []crawler.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) frontierStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Frontier.Stats())
}

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
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
