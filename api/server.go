package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/PipeOpsHQ/pai-observability/observe"
	"github.com/PipeOpsHQ/pai-observability/observe/retention"
	"github.com/PipeOpsHQ/pai-observability/observe/store"
	"github.com/PipeOpsHQ/pai-observability/observe/stream"
)

//go:embed static/*
var staticFiles embed.FS

const (
	defaultAddr       = "127.0.0.1:8889"
	mirrorQueueSize   = 1024
	sessionEventLimit = 1000
	maxEventBytes     = 1 << 20
	shutdownTimeout   = 5 * time.Second
)

type Config struct {
	Addr        string
	Port        int
	Version     string
	Store       store.Store
	Reaper      *retention.Reaper
	Broadcaster *stream.Broadcaster
	// Mirror receives every stored event after it is broadcast. It is fed
	// through a bounded queue, so a slow mirror only loses events.
	Mirror observe.Sink
	// TracerProvider receives the request spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
	Now            func() time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
	http   *http.Server
	mirror *observe.AsyncSink
	once   sync.Once

	// ingestMu orders insert and publish so every subscriber sees events in
	// acceptance order.
	ingestMu sync.Mutex
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = stream.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}
	if cfg.Mirror != nil {
		logger := cfg.Logger
		s.mirror = observe.NewAsyncSink(cfg.Mirror, mirrorQueueSize,
			observe.WithErrorHandler(func(event observe.Event, err error) {
				logger.Warn("mirror delivery failed", "event_id", event.ID, "error", err)
			}),
		)
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the instrumented, CORS-enabled handler.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	}
	if s.cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(s.cfg.TracerProvider))
	}
	return otelhttp.NewHandler(withCORS(s.mux), "pai-observability", opts...)
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("observability server listening", "addr", s.cfg.Addr, "database", s.databasePath())

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, stopping server")
		if err := s.Close(); err != nil {
			s.logger.Warn("http shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops the HTTP server, disconnects stream subscribers and drains the
// mirror queue.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		// SSE handlers only return once their subscription closes.
		s.cfg.Broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if s.mirror != nil {
			s.mirror.Close()
			if n := s.mirror.Dropped(); n > 0 {
				s.logger.Warn("mirror dropped events under pressure", "dropped", n)
			}
		}
		s.logger.Info("observability server stopped")
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/events", s.handleIngestEvent)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events/", s.handleEventSubresources)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionSubresources)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/cleanup", s.handleCleanup)
	s.mux.HandleFunc("/health", s.handleHealth)

	staticRoot, _ := fs.Sub(staticFiles, "static")
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		http.ServeFileFS(w, r, staticRoot, "index.html")
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     s.cfg.Version,
		"port":        s.cfg.Port,
		"database":    s.databasePath(),
		"sse_clients": s.cfg.Broadcaster.Len(),
		"timestamp":   s.cfg.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !s.requireStore(w) {
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.Reaper == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("retention is not configured"))
		return
	}
	deleted, err := s.cfg.Reaper.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"deleted_events": deleted,
	})
}

func (s *Server) databasePath() string {
	if s.cfg.Store == nil {
		return ""
	}
	return s.cfg.Store.Path()
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("event store not configured"))
		return false
	}
	return true
}

// fail writes err with the status its sentinel maps to. Server-side failures
// are logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
