// Package status serves the operator HTTP surface: Prometheus metrics,
// session snapshots as JSON and the live preview websocket.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/capstream/metrics"
	"github.com/zsiec/capstream/session"
)

const shutdownTimeout = 5 * time.Second

// SessionLister supplies session snapshots for the API.
type SessionLister interface {
	Snapshots() []session.Stats
	Snapshot(id string) (session.Stats, bool)
}

// SessionStopper is optionally implemented by a SessionLister to allow
// DELETE /api/sessions/{id}.
type SessionStopper interface {
	Stop(ctx context.Context, id string) error
}

// Config configures the status server.
type Config struct {
	Addr     string
	Sessions SessionLister
	Metrics  *metrics.Metrics
	// Preview, if set, is mounted at /preview.
	Preview http.Handler
	Log     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "status")
	return c
}

// Server is the status HTTP server.
type Server struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	preview http.Handler
	addr    net.Addr
}

// New returns a status server. Nothing listens until Start.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{cfg: cfg, log: cfg.Log, preview: cfg.Preview}
}

// SetPreview replaces the preview handler, for example after a config
// reload builds a new session.
func (s *Server) SetPreview(h http.Handler) {
	s.mu.Lock()
	s.preview = h
	s.mu.Unlock()
}

// Addr returns the listening address once Start is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleStopSession)
	mux.HandleFunc("GET /preview", s.handlePreview)
	if reg := s.cfg.Metrics.Registry(); reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routes wrapped in panic recovery and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return h
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"bytes", p.Size,
		"remote", p.Request.RemoteAddr,
		"elapsed", time.Since(p.TimeStamp))
}

// recoveryLogger adapts slog to the Println logger gorilla/handlers expects.
type recoveryLogger struct{ log *slog.Logger }

func (r recoveryLogger) Println(v ...any) {
	r.log.Error("http handler panic", "panic", fmt.Sprint(v...))
}

// Start listens on the configured address and blocks until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("status server listening", "addr", ln.Addr().String())
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("status server: %w", err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	var resp []session.Stats
	if s.cfg.Sessions != nil {
		resp = s.cfg.Sessions.Snapshots()
	}
	if resp == nil {
		resp = make([]session.Stats, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.Sessions == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	st, ok := s.cfg.Sessions.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	stopper, ok := s.cfg.Sessions.(SessionStopper)
	if !ok {
		writeError(w, http.StatusNotImplemented, "stopping sessions not supported")
		return
	}
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), shutdownTimeout)
	defer cancel()
	err := stopper.Stop(ctx, id)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil && !errors.Is(err, context.Canceled):
		// The session stopped, but its run ended with an error.
		s.log.Warn("stopped session reported an error", "id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.preview
	s.mu.Unlock()
	if h == nil {
		writeError(w, http.StatusNotFound, "preview not configured")
		return
	}
	h.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
