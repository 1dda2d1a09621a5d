// Package api exposes the agent over HTTP: command intake, the SSE and
// WebSocket event streams, and read access to the task journal.
package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/store"
)

//go:embed static/index.html
var staticFS embed.FS

const (
	sseHeartbeat    = 15 * time.Second
	maxCommandBytes = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// Server wires HTTP routes to the intake, the event bus and the journal.
type Server struct {
	cfg     config.ServerConfig
	intake  *agent.CommandIntake
	bus     *agent.EventBus
	journal store.Journal
	hub     *Hub
	metrics prometheus.Gatherer
	logger  *zap.Logger

	listLimit int
	heartbeat time.Duration
}

// NewServer builds a server. journal may be nil, in which case the task
// endpoints report an empty journal.
func NewServer(cfg config.ServerConfig, listLimit int, intake *agent.CommandIntake, bus *agent.EventBus, journal store.Journal, logger *zap.Logger) *Server {
	if journal == nil {
		journal = store.NopJournal{}
	}
	logger = logger.Named("api")
	return &Server{
		cfg:       cfg,
		intake:    intake,
		bus:       bus,
		journal:   journal,
		hub:       NewHub(bus, intake, cfg.EventBuffer, logger),
		logger:    logger,
		listLimit: listLimit,
		heartbeat: sseHeartbeat,
	}
}

// ExposeMetrics serves g at GET /metrics.
func (s *Server) ExposeMetrics(g prometheus.Gatherer) { s.metrics = g }

// Hub returns the WebSocket hub; Serve runs it.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Get("/healthz", s.handleHealth)
	r.Post("/command", s.handleCommand)
	r.Get("/events", s.handleEvents)
	r.Get("/ws", s.hub.HandleWS)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return r
}

// Listen binds the configured port, trying the next ports up to
// PortFallback when it is taken.
func Listen(cfg config.ServerConfig, logger *zap.Logger) (net.Listener, error) {
	var lastErr error
	for offset := 0; offset <= cfg.PortFallback; offset++ {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port+offset))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if offset > 0 {
				logger.Warn("Configured port busy, using fallback", zap.Int("port", cfg.Port), zap.String("addr", ln.Addr().String()))
			}
			return ln, nil
		}
		logger.Debug("Port unavailable", zap.String("addr", addr), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d..%d: %w", cfg.Port, cfg.Port+cfg.PortFallback, lastErr)
}

// Serve runs the hub and the HTTP server on ln until ctx is cancelled, then
// shuts both down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
		// Streams are long-lived, so no WriteTimeout.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", "http://"+ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server forced to shut down", zap.Error(err))
	}
	stopHub()
	<-hubDone

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "status page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"busy":        s.intake.Pending(),
		"subscribers": s.bus.SubscriberCount(),
	})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	// Waits while a previous command is still unclaimed.
	if err := s.intake.Submit(r.Context(), req.Command); err != nil {
		if errors.Is(err, agent.ErrEmptyCommand) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Warn("Command not accepted", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("Command accepted", zap.String("command", req.Command))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := s.listLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.journal.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load task", zap.Error(err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// requestLogger logs each request through zap. Stream endpoints are logged
// when they close.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
