// Package server exposes the engine's read and control API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/engine"
	"github.com/namix-io/sync-engine/pkg/metrics"
	"github.com/namix-io/sync-engine/pkg/rollout"
)

const shutdownTimeout = 5 * time.Second

// Config holds HTTP server configuration
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

type Option func(*Server)

func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

type Server struct {
	router *mux.Router
	engine engine.Engine
	config Config
	log    logr.Logger
}

func NewServer(e engine.Engine, config Config, opts ...Option) *Server {
	s := &Server{
		router: mux.NewRouter(),
		engine: e,
		config: config,
		log:    klogr.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware)
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/units", s.handleListUnits).Methods(http.MethodGet)
	v1.HandleFunc("/units/{id}", s.handleGetUnit).Methods(http.MethodGet)
	v1.HandleFunc("/units/{id}/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/units/{id}/rollout", s.handleGetRollout).Methods(http.MethodGet)
	v1.HandleFunc("/units/{id}/suspend", s.unitAction(s.engine.Suspend)).Methods(http.MethodPost)
	v1.HandleFunc("/units/{id}/resume", s.unitAction(s.engine.Resume)).Methods(http.MethodPost)
	v1.HandleFunc("/units/{id}/reconcile", s.unitAction(s.engine.ReconcileNow)).Methods(http.MethodPost)
	v1.HandleFunc("/units/{id}/rollout/promote", s.unitAction(s.engine.Promote)).Methods(http.MethodPost)
	v1.HandleFunc("/units/{id}/rollout/abort", s.unitAction(s.engine.Abort)).Methods(http.MethodPost)
	v1.HandleFunc("/units/{id}/rollout/resume", s.unitAction(s.engine.ResumeRollout)).Methods(http.MethodPost)
	v1.HandleFunc("/sources", s.handleListSources).Methods(http.MethodGet)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until the context is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info("Starting API server", "address", s.config.Address)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleListUnits(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ListUnits())
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.UnitStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
	}
	runs, err := s.engine.Runs(mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := s.engine.Rollout(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Sources())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// unitAction adapts an engine control operation to a POST handler
func (s *Server) unitAction(action func(unitID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(mux.Vars(r)["id"]); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownUnit), errors.Is(err, rollout.ErrNoActiveRollout):
		return http.StatusNotFound
	case errors.Is(err, rollout.ErrNotPaused), errors.Is(err, rollout.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusCode(err), errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(err, "Failed to encode response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.V(1).Info("Request served", "method", r.Method, "path", r.URL.Path, "status", rec.code, "duration", timer.Duration())
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error(fmt.Errorf("%v", rec), "Panic while serving request", "path", r.URL.Path)
				s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
