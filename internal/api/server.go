// Package api exposes the orchestrator's HTTP control surface: job
// submission and lifecycle, worker fleet administration, and scheduled
// job management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconwave/reconwave/internal/app/cron"
	appscanning "github.com/reconwave/reconwave/internal/app/scanning"
	"github.com/reconwave/reconwave/internal/domain/workers"
	"github.com/reconwave/reconwave/pkg/common/logger"
	"github.com/reconwave/reconwave/pkg/common/otel"
)

// Server hosts the orchestrator REST API.
type Server struct {
	jobs      *appscanning.JobLifecycle
	fleet     WorkerProvisioner
	registry  workers.WorkerRepository
	schedules *cron.Trigger

	addr   string
	logger *logger.Logger
	tracer trace.Tracer
	router chi.Router
}

// NewServer wires the API routes against the application services.
func NewServer(
	addr string,
	jobs *appscanning.JobLifecycle,
	fleet WorkerProvisioner,
	registry workers.WorkerRepository,
	schedules *cron.Trigger,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	s := &Server{
		jobs:      jobs,
		fleet:     fleet,
		registry:  registry,
		schedules: schedules,
		addr:      addr,
		logger:    log.With("component", "api_server"),
		tracer:    tracer,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(s.tracer))
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Delete("/", s.handleDeleteJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.handleRegisterWorker)
			r.Get("/", s.handleListWorkers)
			r.Post("/{id}/deploy", s.handleDeployWorker)
			r.Post("/{id}/uninstall", s.handleUninstallWorker)
			r.Delete("/{id}", s.handleDeleteWorker)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.handleCreateSchedule)
			r.Get("/{id}", s.handleGetSchedule)
			r.Put("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
		})
	})

	return r
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests with a bounded shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "api server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", otel.GetTraceID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(ctx, "encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "status", status, "error", err)
	}
	s.writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}
