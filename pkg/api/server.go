// Package api serves the host's HTTP status surface.
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
	"github.com/go-chi/cors"

	ecxt "github.com/enginehost/enginehost/pkg/context"
	"github.com/enginehost/enginehost/pkg/daemon"
	"github.com/enginehost/enginehost/pkg/lifecycle"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/metrics"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// StatusSource is what the server reports on.
type StatusSource interface {
	Status() daemon.Status
	Registry() *lifecycle.Registry
}

// Server wraps the chi router.
type Server struct {
	router  *chi.Mux
	source  StatusSource
	metrics *metrics.Metrics
	logger  logger.Logger
	addr    string
}

// NewServer creates a status server for source. metrics may be nil, in
// which case /metrics is not routed.
func NewServer(addr string, source StatusSource, m *metrics.Metrics, log logger.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		source:  source,
		metrics: m,
		logger:  log.WithComponent("api"),
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/v1/status", s.handleStatus)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", logger.WithField("addr", s.addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.logger.Debug("Status server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ecxt.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = ecxt.EnrichContext(ctx, r.Method+" "+r.URL.Path)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.WithContext(ctx, s.logger).Debug("Request",
			logger.WithField("status", ww.Status()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", logger.WithError(err))
	}
}
